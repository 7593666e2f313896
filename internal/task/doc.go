// Package task manages background job queuing, processing, and lifecycle.
// It moves long-running document ingestion work off request handlers onto a
// fixed pool of workers that pull task records from a durable, named queue,
// execute the registered handler for the record's type, and persist every
// status transition so producers can poll for the outcome.
package task
