// Package events publishes task lifecycle notifications.
//
// The task processor emits a StatusChangedEvent for every persisted status
// transition. Handlers such as metrics collectors or audit loggers subscribe
// without the processor knowing about them.
package events
