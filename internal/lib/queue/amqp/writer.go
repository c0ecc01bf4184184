package amqp

import (
	"context"

	amqp "github.com/Azure/go-amqp"
	"github.com/pkg/errors"
)

type writer struct {
	queueName   string
	amqpSession *amqp.Session
	amqpSender  *amqp.Sender
}

func (w *writer) Write(ctx context.Context, message string) error {
	msg := &amqp.Message{
		Header: &amqp.MessageHeader{
			Durable: true,
		},
		Data: [][]byte{
			[]byte(message),
		},
	}
	if err := w.amqpSender.Send(ctx, msg); err != nil {
		return errors.Wrapf(
			err,
			"error sending AMQP message to queue %q",
			w.queueName,
		)
	}
	return nil
}

func (w *writer) Close(ctx context.Context) error {
	if err := w.amqpSender.Close(ctx); err != nil {
		return errors.Wrapf(
			err,
			"error closing AMQP sender for queue %q",
			w.queueName,
		)
	}
	if err := w.amqpSession.Close(ctx); err != nil {
		return errors.Wrapf(
			err,
			"error closing AMQP session for queue %q",
			w.queueName,
		)
	}
	return nil
}
