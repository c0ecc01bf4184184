// Package amqp implements the queue abstraction on top of an AMQP 1.0
// message broker.
package amqp

import (
	"context"
	"sync"
	"time"

	amqp "github.com/Azure/go-amqp"
	"github.com/conveyorcd/conveyor/internal/lib/queue"
	"github.com/conveyorcd/conveyor/internal/lib/retries"
	"github.com/pkg/errors"
)

type writerFactory struct {
	address      string
	dialOpts     []amqp.ConnOption
	amqpClient   *amqp.Client
	amqpClientMu *sync.Mutex
}

// NewWriterFactory returns a queue.WriterFactory that speaks AMQP 1.0 to the
// broker at the given address, authenticating with SASL PLAIN.
func NewWriterFactory(
	address string,
	username string,
	password string,
) (queue.WriterFactory, error) {
	w := &writerFactory{
		address: address,
		dialOpts: []amqp.ConnOption{
			amqp.ConnSASLPlain(username, password),
		},
		amqpClientMu: &sync.Mutex{},
	}
	if err := w.connect(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *writerFactory) connect() error {
	return retries.ManageRetries(
		context.Background(),
		"connect",
		10,
		10*time.Second,
		func() (bool, error) {
			if w.amqpClient != nil {
				w.amqpClient.Close()
			}
			var err error
			if w.amqpClient, err = amqp.Dial(w.address, w.dialOpts...); err != nil {
				return true, errors.Wrap(err, "error dialing endpoint")
			}
			return false, nil
		},
	)
}

func (w *writerFactory) NewWriter(queueName string) (queue.Writer, error) {
	w.amqpClientMu.Lock()
	defer w.amqpClientMu.Unlock()

	linkOpts := []amqp.LinkOption{
		amqp.LinkTargetAddress(queueName),
	}

	// A failure to open a session or a sender usually means the underlying
	// connection has gone bad; reconnect and try again until the broker is
	// reachable.
	var amqpSession *amqp.Session
	var amqpSender *amqp.Sender
	var err error
	for {
		if amqpSession, err = w.amqpClient.NewSession(); err != nil {
			if err = w.connect(); err != nil {
				return nil, err
			}
			continue
		}
		if amqpSender, err = amqpSession.NewSender(linkOpts...); err != nil {
			amqpSession.Close(context.TODO())
			if err = w.connect(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}

	return &writer{
		queueName:   queueName,
		amqpSession: amqpSession,
		amqpSender:  amqpSender,
	}, nil
}

func (w *writerFactory) Close(context.Context) error {
	if err := w.amqpClient.Close(); err != nil {
		return errors.Wrap(err, "error closing AMQP client")
	}
	return nil
}
