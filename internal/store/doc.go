// Package store defines the shared persistence vocabulary used by storage
// implementations: the DBTX abstraction over *sql.DB and *sql.Tx, and the
// generic store errors that implementations map driver errors onto.
package store
