package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"SettleHub/internal/message"
	"SettleHub/internal/observability"
)

// Publisher publishes newly-sent ledger messages to NATS for the relayer
// to observe. Subjects follow settle.messages.{op}.{dest_chain}.
// Publishing is best-effort: the persisted ledger is the source of truth
// and a relayer can always recover from it.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan *message.CrossChainMessage
	metrics   *observability.Metrics
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan *message.CrossChainMessage, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run starts the publisher loop.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, msg); err != nil {
				log.Printf("WARN: relay publish failed id=%s: %v", msg.ID.Hex(), err)
				if p.metrics != nil {
					p.metrics.RelayPublishErrors.Inc()
				}
				continue
			}
			if p.metrics != nil {
				p.metrics.RelayPublished.WithLabelValues(msg.Op.String()).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, msg *message.CrossChainMessage) error {
	data, err := json.Marshal(NewEnvelope(msg))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("settle.messages.%s.%d", strings.ToLower(msg.Op.String()), msg.DestChain)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "SETTLE_MESSAGES",
			Subjects:  []string{"settle.messages.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "SETTLE_RELAY",
			Subjects:  []string{"settle.relay.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
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
