package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// PriceSubscriber subscribes to the oracle price feed on NATS JetStream
// and forwards ticks to the feed loop via tickChan. Price ingestion is
// the only inbound surface; liquidations are initiated over HTTP.
type PriceSubscriber struct {
	js        jetstream.JetStream
	tickChan  chan<- RawTick
	consumers []jetstream.ConsumeContext
}

// RawTick is the undecoded price message from NATS, ready for the feed
// loop to parse and apply to the oracle.
type RawTick struct {
	Subject  string
	Data     []byte
	Received time.Time
	AckFunc  func() // Call to ACK the NATS message after successful processing
	NakFunc  func() // Call to NAK on failure (will be redelivered)
}

func NewPriceSubscriber(js jetstream.JetStream, tickChan chan<- RawTick) *PriceSubscriber {
	return &PriceSubscriber{
		js:       js,
		tickChan: tickChan,
	}
}

// Subscribe creates the JetStream consumer for the price subject.
// The consumer uses explicit ACK, max_deliver=5, ack_wait=30s.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, "MARGIN_PRICES", jetstream.ConsumerConfig{
		Durable:       "marginwatch-prices",
		FilterSubject: "margin.prices.>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer marginwatch-prices: %w", err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawTick{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			AckFunc:  func() { msg.Ack() },
			NakFunc:  func() { msg.Nak() },
		}

		select {
		case ps.tickChan <- raw:
			// Successfully queued for processing
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume marginwatch-prices: %w", err)
	}

	ps.consumers = append(ps.consumers, consumerContext)
	log.Println("INFO: subscribed to margin.prices.> (consumer=marginwatch-prices)")

	return nil
}

// EnsurePriceStream creates the inbound price stream if it doesn't exist.
func EnsurePriceStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "MARGIN_PRICES",
		Subjects:  []string{"margin.prices.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream MARGIN_PRICES: %w", err)
	}
	log.Println("INFO: ensured stream MARGIN_PRICES")
	return nil
}

// Stop gracefully stops all consumers.
func (ps *PriceSubscriber) Stop() {
	for _, cc := range ps.consumers {
		cc.Stop()
	}
	log.Println("INFO: price subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
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
