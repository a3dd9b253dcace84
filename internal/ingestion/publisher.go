package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"AutoVault/internal/core"
	"AutoVault/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream        = "AUTOVAULT_EVENTS"
	OutboundSubjectPrefix = "autovault.events"
)

// StreamPublisher is the slice of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied operations to NATS for downstream
// consumers. Subjects follow autovault.events.{op_type}.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedOperation is the outbound wire format.
type PublishedOperation struct {
	Sequence       int64           `json:"sequence"`
	OpType         string          `json:"op_type"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Depositor      string          `json:"depositor,omitempty"`
	Asset          string          `json:"asset,omitempty"`
	Amount         string          `json:"amount,omitempty"`
	ShareBalance   string          `json:"share_balance,omitempty"`
	ActiveMarket   string          `json:"active_market,omitempty"`
	TotalShares    string          `json:"total_shares"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the channel closes. Publish
// failures are logged and skipped; consumers can read the operation log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if op.metrics != nil {
				op.metrics.SetChannelMetrics("publish", len(op.inputChan), cap(op.inputChan))
			}
			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// NewPublishedOperation builds the outbound message for one output.
func NewPublishedOperation(out core.CoreOutput) PublishedOperation {
	env := out.Envelope
	msg := PublishedOperation{
		Sequence:       env.Sequence,
		OpType:         env.OpType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
	if out.TotalShares != nil {
		msg.TotalShares = out.TotalShares.Dec()
	}
	if env.Depositor != (zeroAddress) {
		msg.Depositor = env.Depositor.Hex()
		if out.Position.ShareBalance != nil {
			msg.ShareBalance = out.Position.ShareBalance.Dec()
		}
		if out.Position.ActiveMarket != (zeroAddress) {
			msg.ActiveMarket = out.Position.ActiveMarket.Hex()
		}
	}
	if env.Asset != (zeroAddress) {
		msg.Asset = env.Asset.Hex()
	}
	if env.Amount != nil {
		msg.Amount = env.Amount.Dec()
	}
	return msg
}

// OutboundSubject returns autovault.events.{op_type} in lower case.
func OutboundSubject(opType string) string {
	return fmt.Sprintf("%s.%s", OutboundSubjectPrefix, strings.ToLower(opType))
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	msg := NewPublishedOperation(out)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	// The message ID lets the stream drop a re-publish of the same sequence.
	_, err = op.js.Publish(ctx, OutboundSubject(msg.OpType), data,
		jetstream.WithMsgID(fmt.Sprintf("autovault-%d", msg.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
