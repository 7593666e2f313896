// Package postgres provides the PostgreSQL implementation of task.TaskStore,
// the embedded goose migrations for its schema, and the mapping of driver
// errors onto the store package's errors.
package postgres
