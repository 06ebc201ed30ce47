package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamName holds all outbound ledger events.
const StreamName = "LEND_LEDGER_EVENTS"

// Publisher drains the engine's publish channel onto NATS for
// downstream consumers. Publishing is best-effort: a failed publish is
// logged and dropped, the durable record in Postgres is the source of
// truth.
type Publisher struct {
	js     jetstream.JetStream
	input  <-chan Envelope
	logger zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan Envelope, logger zerolog.Logger) *Publisher {
	return &Publisher{
		js:     js,
		input:  input,
		logger: logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Run starts the publish loop. It returns when the context is
// cancelled or the input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, env); err != nil {
				p.logger.Warn().
					Err(err).
					Int64("sequence", env.Sequence).
					Str("kind", env.Kind.String()).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = p.js.Publish(ctx, env.Kind.Subject(), data)
	return err
}

// EnsureEventStream creates the outbound events stream if it does not
// exist.
func EnsureEventStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"lend.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}
	return nil
}
