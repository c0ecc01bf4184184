// Package queue abstracts write access to named queues on a message broker.
package queue

import "context"

// WriterFactory is an interface for any component that can construct Writers
// for named queues.
type WriterFactory interface {
	// NewWriter returns a Writer for the named queue.
	NewWriter(queueName string) (Writer, error)
	// Close frees resources held by the factory, including any connection
	// shared by the Writers it has created.
	Close(context.Context) error
}

// Writer is an interface for any component that can write a message to a
// specific queue on a message broker.
type Writer interface {
	// Write durably delivers the given message to the queue.
	Write(ctx context.Context, message string) error
	// Close frees resources held by the Writer.
	Close(context.Context) error
}
