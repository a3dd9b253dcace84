package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"AutoVault/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream       = "AUTOVAULT_COMMANDS"
	AuthorizationHeader = "Authorization"
)

// NATSSubscriber consumes depositor commands from JetStream and hands them
// to the dispatcher over msgChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	msgChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawMessage is an unparsed command plus its acknowledgement hooks.
type RawMessage struct {
	Subject   string
	OpType    event.OpType
	MsgID     string // Nats-Msg-Id header; fallback idempotency key
	Token     string // bearer token from the Authorization header
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed (applied or terminally rejected)
	NakFunc   func() // transient failure, redeliver
	TermFunc  func() // malformed, never redeliver
}

// SubjectConfig maps a subject to the command it carries.
type SubjectConfig struct {
	Subject      string
	OpType       event.OpType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one subject per depositor command. Administration
// is only reachable through the authenticated API.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "autovault.commands.deposit", OpType: event.OpTypeDeposit, ConsumerName: "vault-deposit", StreamName: CommandStream},
		{Subject: "autovault.commands.withdraw", OpType: event.OpTypeWithdraw, ConsumerName: "vault-withdraw", StreamName: CommandStream},
		{Subject: "autovault.commands.borrow", OpType: event.OpTypeBorrow, ConsumerName: "vault-borrow", StreamName: CommandStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, msgChan chan<- RawMessage, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		msgChan: msgChan,
		logger:  logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		opType := cfg.OpType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:   msg.Subject(),
				OpType:    opType,
				MsgID:     msg.Headers().Get(jetstream.MsgIDHeader),
				Token:     BearerToken(msg.Headers()),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.msgChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer <jwt>" header.
func BearerToken(h nats.Header) string {
	v := strings.TrimSpace(h.Get(AuthorizationHeader))
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

// EnsureCommandStream creates the inbound command stream. WorkQueue
// retention removes a command once it is acknowledged.
func EnsureCommandStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       CommandStream,
		Subjects:   []string{"autovault.commands.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("autovault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
