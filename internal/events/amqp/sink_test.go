package amqp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/lib/queue"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []string
	writeErr error
	closed   bool
}

func (f *fakeWriter) Write(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeWriter) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeWriterFactory struct {
	mu sync.Mutex
	// writeErr is copied onto writers at creation time.
	writeErr   error
	newErr     error
	queueNames []string
	writers    []*fakeWriter
	closed     bool
}

func (f *fakeWriterFactory) NewWriter(queueName string) (queue.Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	writer := &fakeWriter{writeErr: f.writeErr}
	f.queueNames = append(f.queueNames, queueName)
	f.writers = append(f.writers, writer)
	return writer, nil
}

func (f *fakeWriterFactory) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testEvent() core.Event {
	event := core.Event{
		Sequence:   1,
		Kind:       core.EventKindBuildCreated,
		PipelineID: "hello-world",
		BuildID:    "tunguska",
	}
	event.ID = "12345"
	return event
}

func TestEventsSinkSend(t *testing.T) {
	factory := &fakeWriterFactory{}
	sink := NewEventsSink(factory, "events")

	err := sink.Send(context.Background(), testEvent())
	require.NoError(t, err)
	require.Equal(t, []string{"events"}, factory.queueNames)
	require.Len(t, factory.writers, 1)
	require.Len(t, factory.writers[0].messages, 1)

	// The message is the event's own JSON representation, type metadata
	// included.
	message := map[string]interface{}{}
	err = json.Unmarshal([]byte(factory.writers[0].messages[0]), &message)
	require.NoError(t, err)
	require.Equal(t, meta.APIVersion, message["apiVersion"])
	require.Equal(t, "Event", message["kind"])
	require.Equal(t, "build.created", message["type"])
	require.Equal(t, "hello-world", message["pipelineID"])
	metadata, ok := message["metadata"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "12345", metadata["id"])

	// The writer is reused across sends.
	err = sink.Send(context.Background(), testEvent())
	require.NoError(t, err)
	require.Len(t, factory.writers, 1)
	require.Len(t, factory.writers[0].messages, 2)
}

func TestEventsSinkSendWithWriterCreationFailed(t *testing.T) {
	factory := &fakeWriterFactory{
		newErr: errors.New("broker unreachable"),
	}
	sink := NewEventsSink(factory, "events")

	err := sink.Send(context.Background(), testEvent())
	require.Error(t, err)
	require.Contains(t, err.Error(), "error creating queue writer")
}

func TestEventsSinkSendWithWriteFailed(t *testing.T) {
	factory := &fakeWriterFactory{
		writeErr: errors.New("link detached"),
	}
	sink := NewEventsSink(factory, "events")

	err := sink.Send(context.Background(), testEvent())
	require.Error(t, err)
	require.Contains(t, err.Error(), "error writing event")
	require.Len(t, factory.writers, 1)
	require.True(t, factory.writers[0].closed)

	// The failed writer was discarded, so the next send builds a fresh one
	// and succeeds.
	factory.writeErr = nil
	err = sink.Send(context.Background(), testEvent())
	require.NoError(t, err)
	require.Len(t, factory.writers, 2)
	require.Len(t, factory.writers[1].messages, 1)
}

func TestEventsSinkClose(t *testing.T) {
	factory := &fakeWriterFactory{}
	sink := NewEventsSink(factory, "events")

	require.NoError(t, sink.Send(context.Background(), testEvent()))
	require.NoError(t, sink.Close(context.Background()))
	require.True(t, factory.writers[0].closed)
	require.True(t, factory.closed)
}
