// Package ingest hosts the document_processing task handler.
//
// The handler reads an uploaded document from an object store, then hands
// it through a parse, chunk and embed pipeline and persists the result.
// The algorithms behind each stage are collaborators supplied by the
// caller; this package only sequences them, reports progress and decides
// which failures are worth retrying.
package ingest
