package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Price feed subjects. Publishers put one JSON-encoded Quote per
// message on the asset's subject.
const (
	StreamName        = "LEND_PRICES"
	SubjectCollateral = "lend.prices.collateral"
	SubjectDebt       = "lend.prices.debt"
)

// FeedCache is a PriceSource fed by a NATS JetStream price stream. It
// caches the latest quote per asset; reads never block on the feed.
type FeedCache struct {
	js     jetstream.JetStream
	logger zerolog.Logger

	mu         sync.RWMutex
	collateral *Quote
	debt       *Quote

	consumer jetstream.ConsumeContext
}

func NewFeedCache(js jetstream.JetStream, logger zerolog.Logger) *FeedCache {
	return &FeedCache{
		js:     js,
		logger: logger.With().Str("component", "price_feed").Logger(),
	}
}

// Subscribe creates a durable consumer over both price subjects and
// starts updating the cache. Consumers use explicit ACK; a quote that
// fails to decode is ACKed and dropped, redelivery cannot fix it.
func (f *FeedCache) Subscribe(ctx context.Context) error {
	consumer, err := f.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       "lend-price-feed",
		FilterSubject: "lend.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var q Quote
		if err := json.Unmarshal(msg.Data(), &q); err != nil {
			f.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping undecodable quote")
			msg.Ack()
			return
		}
		if q.UpdatedAt.IsZero() {
			q.UpdatedAt = time.Now()
		}

		f.mu.Lock()
		switch msg.Subject() {
		case SubjectCollateral:
			f.collateral = &q
		case SubjectDebt:
			f.debt = &q
		}
		f.mu.Unlock()

		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	f.consumer = cc
	f.logger.Info().Str("stream", StreamName).Msg("price feed subscribed")
	return nil
}

func (f *FeedCache) Stop() {
	if f.consumer != nil {
		f.consumer.Stop()
	}
}

func (f *FeedCache) CollateralPrice(ctx context.Context) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.collateral == nil {
		return Quote{}, fmt.Errorf("collateral: %w", ErrNoQuote)
	}
	return *f.collateral, nil
}

func (f *FeedCache) DebtPrice(ctx context.Context) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.debt == nil {
		return Quote{}, fmt.Errorf("debt: %w", ErrNoQuote)
	}
	return *f.debt, nil
}

// EnsurePriceStream creates the price stream if it does not exist.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"lend.prices.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create price stream: %w", err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream
// context. Reconnects indefinitely.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
