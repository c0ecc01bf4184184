// Package amqp implements an events sink that forwards events to an AMQP 1.0
// message broker for consumption by external systems.
package amqp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/lib/queue"
	"github.com/pkg/errors"
)

type eventsSink struct {
	queueName          string
	queueWriterFactory queue.WriterFactory
	// writerMu guards writer. A send failure discards the cached writer so
	// that the next send builds a fresh one over a fresh connection.
	writerMu sync.Mutex
	writer   queue.Writer
}

// NewEventsSink returns an implementation of the core.EventsSink interface
// that JSON-encodes events and writes them to the named queue using Writers
// obtained from the given WriterFactory. The sink assumes ownership of the
// factory and closes it when the sink itself is closed.
func NewEventsSink(
	queueWriterFactory queue.WriterFactory,
	queueName string,
) core.EventsSink {
	return &eventsSink{
		queueName:          queueName,
		queueWriterFactory: queueWriterFactory,
	}
}

func (e *eventsSink) Send(ctx context.Context, event core.Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "error marshaling event %q", event.ID)
	}

	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	if e.writer == nil {
		if e.writer, err = e.queueWriterFactory.NewWriter(e.queueName); err != nil {
			return errors.Wrapf(
				err,
				"error creating queue writer for queue %q",
				e.queueName,
			)
		}
	}

	if err := e.writer.Write(ctx, string(eventJSON)); err != nil {
		e.writer.Close(ctx) // nolint: errcheck
		e.writer = nil
		return errors.Wrapf(err, "error writing event %q", event.ID)
	}

	return nil
}

func (e *eventsSink) Close(ctx context.Context) error {
	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	if e.writer != nil {
		if err := e.writer.Close(ctx); err != nil {
			return errors.Wrap(err, "error closing queue writer")
		}
		e.writer = nil
	}
	if err := e.queueWriterFactory.Close(ctx); err != nil {
		return errors.Wrap(err, "error closing queue writer factory")
	}
	return nil
}
