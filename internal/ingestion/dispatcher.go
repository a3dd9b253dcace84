package ingestion

import (
	"context"
	"errors"
	"fmt"

	"AutoVault/internal/core"
	"AutoVault/internal/event"
	"AutoVault/internal/ledger"
	"AutoVault/internal/market"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// CommandExecutor is the engine surface commands are applied to.
type CommandExecutor interface {
	Deposit(ctx context.Context, key string, depositor, asset common.Address, amount *uint256.Int) (*core.Receipt, error)
	Withdraw(ctx context.Context, key string, depositor common.Address, amount *uint256.Int) (*core.Receipt, error)
	Borrow(ctx context.Context, key string, depositor, asset common.Address, amount *uint256.Int) (*core.Receipt, error)
}

// ErrUnauthorizedCommand means a command's signed subject is missing,
// invalid, or names a different depositor than the body.
var ErrUnauthorizedCommand = errors.New("unauthorized command")

// CommandVerifier resolves the bearer token carried on a command to the
// depositor it may act for.
type CommandVerifier interface {
	VerifyDepositor(token string) (common.Address, error)
}

// Dispatcher parses queued commands and applies them one at a time.
type Dispatcher struct {
	exec     CommandExecutor
	verifier CommandVerifier
	logger   zerolog.Logger
}

// NewDispatcher returns a dispatcher that trusts the depositor named in each
// command body. Use WithVerifier unless only trusted services can publish on
// the command stream.
func NewDispatcher(exec CommandExecutor, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{exec: exec, logger: logger}
}

// WithVerifier requires every command to carry a token whose subject is the
// body's depositor, the same rule the API applies to its callers.
func (d *Dispatcher) WithVerifier(v CommandVerifier) *Dispatcher {
	d.verifier = v
	return d
}

// Run drains in until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and settles it: malformed and unauthorized
// commands are terminated, transient protocol failures are redelivered, everything
// else (applied, duplicate, rejected by a guard) is acknowledged.
func (d *Dispatcher) Handle(ctx context.Context, raw RawMessage) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		settle(raw.TermFunc)
		return
	}
	if err := d.authorize(raw, cmd); err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Str("depositor", cmd.Depositor.Hex()).Msg("dropping unauthorized command")
		settle(raw.TermFunc)
		return
	}

	receipt, err := d.apply(ctx, cmd)
	switch {
	case err == nil:
		d.logger.Debug().
			Str("op", cmd.OpType.String()).
			Str("key", cmd.IdempotencyKey).
			Int64("sequence", receipt.Sequence).
			Bool("duplicate", receipt.Duplicate).
			Msg("command applied")
		settle(raw.AckFunc)
	case Retryable(err):
		d.logger.Warn().Err(err).Str("key", cmd.IdempotencyKey).Msg("command failed, will be redelivered")
		settle(raw.NakFunc)
	default:
		d.logger.Info().Err(err).Str("key", cmd.IdempotencyKey).Msg("command rejected")
		settle(raw.AckFunc)
	}
}

func (d *Dispatcher) authorize(raw RawMessage, cmd *Command) error {
	if d.verifier == nil {
		return nil
	}
	if raw.Token == "" {
		return fmt.Errorf("%w: no token", ErrUnauthorizedCommand)
	}
	subject, err := d.verifier.VerifyDepositor(raw.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorizedCommand, err)
	}
	if subject != cmd.Depositor {
		return fmt.Errorf("%w: token subject %s does not match depositor", ErrUnauthorizedCommand, subject.Hex())
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, cmd *Command) (*core.Receipt, error) {
	switch cmd.OpType {
	case event.OpTypeDeposit:
		return d.exec.Deposit(ctx, cmd.IdempotencyKey, cmd.Depositor, cmd.Asset, cmd.Amount)
	case event.OpTypeWithdraw:
		return d.exec.Withdraw(ctx, cmd.IdempotencyKey, cmd.Depositor, cmd.Amount)
	default:
		return d.exec.Borrow(ctx, cmd.IdempotencyKey, cmd.Depositor, cmd.Asset, cmd.Amount)
	}
}

// Retryable reports whether a failed command may succeed on redelivery.
func Retryable(err error) bool {
	return errors.Is(err, ledger.ErrExternalCallFailed) ||
		errors.Is(err, market.ErrExternalDataUnavailable) ||
		errors.Is(err, core.ErrIdempotencyUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func settle(fn func()) {
	if fn != nil {
		fn()
	}
}
