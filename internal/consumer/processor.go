// Package consumer reads tab visits from Kafka and feeds them into ingest.
package consumer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// ErrMalformed marks a message that can never be handled. Such messages are committed and skipped.
var ErrMalformed = errors.New("malformed message")

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Timestamp time.Time
	SchemaID  int // zero when the value was not schema-registry framed
	Payload   json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithRetryBackoff sets the delay bounds between attempts at a message whose handler failed.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(p *Processor) {
		p.initialBackoff = initial
		p.maxBackoff = max
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
// A message whose handler fails transiently is retried in place so its offset is never committed past.
type Processor struct {
	reader         Reader
	handler        Handler
	logger         zerolog.Logger
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:         reader,
		handler:        handler,
		logger:         zerolog.Nop(),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts a blocking loop that processes Kafka messages until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Warn().Err(err).Msg("fetch failed")
			continue
		}

		event := decodeMessage(msg)
		if err := p.handle(ctx, event); err != nil {
			return err
		}

		if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
			p.logger.Error().Err(commitErr).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("commit failed")
			continue
		}
		recordProcessed(event)
	}
}

// handle runs the handler until it succeeds or reports a malformed message.
// It only returns an error when ctx is done.
func (p *Processor) handle(ctx context.Context, event Message) error {
	backoff := p.initialBackoff
	for {
		err := p.handler.Handle(ctx, event)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrMalformed) {
			p.logger.Warn().Err(err).
				Str("topic", event.Topic).
				Int("partition", event.Partition).
				Int64("offset", event.Offset).
				Msg("skipping malformed message")
			recordDecodeError(event.Topic)
			return nil
		}

		recordHandlerError(event)
		p.logger.Error().Err(err).Str("key", event.Key).Dur("retry_in", backoff).Msg("handler failed")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, p.maxBackoff)
	}
}

// decodeMessage accepts both plain JSON values and schema-registry framed values.
func decodeMessage(msg kafka.Message) Message {
	event := Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Timestamp: msg.Time,
		Payload:   json.RawMessage(msg.Value),
	}
	if len(msg.Value) >= 5 && msg.Value[0] == 0 {
		event.SchemaID = int(binary.BigEndian.Uint32(msg.Value[1:5]))
		event.Payload = json.RawMessage(append([]byte(nil), msg.Value[5:]...))
	}
	return event
}
