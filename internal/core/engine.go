package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"AutoVault/internal/event"
	"AutoVault/internal/ledger"
	"AutoVault/internal/market"
	"AutoVault/internal/observability"
	"AutoVault/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

const DefaultLRUCapacity = 100_000

// Engine is the single writer over vault state. Every mutating operation
// runs under one lock, including its external protocol call, so operations
// are totally ordered and each one observes the effects of the previous.
type Engine struct {
	mu sync.RWMutex

	// Last applied sequence; 0 before the first operation.
	sequence int64

	hasher       *StateHasher
	catalog      *market.Catalog
	positions    *state.PositionManager
	ledger       *ledger.Ledger
	validator    *ledger.InvariantValidator
	idempotency  *IdempotencyChecker
	seqValidator *SequenceValidator
	metrics      *observability.Metrics
	logger       zerolog.Logger
	now          func() time.Time

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// CoreOutput is emitted once per applied operation.
type CoreOutput struct {
	Envelope *event.Envelope
	// Position of the affected depositor after the operation
	Position    state.Position
	TotalShares *uint256.Int
}

// Options carries the optional collaborators of an Engine.
type Options struct {
	LRUCapacity int
	DBChecker   DBIdempotencyChecker
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time

	// PersistChan receives every output with a blocking send; nil disables it.
	PersistChan chan<- CoreOutput
	// PublishChan receives outputs with a non-blocking send; full means drop.
	PublishChan chan<- CoreOutput
}

// Receipt is returned from every mutating operation.
type Receipt struct {
	Sequence     int64
	OpType       event.OpType
	Depositor    common.Address
	Asset        common.Address
	Amount       *uint256.Int
	TxHash       common.Hash
	ShareBalance *uint256.Int
	ActiveMarket common.Address
	TotalShares  *uint256.Int
	StateHash    [32]byte
	// Duplicate is set when the idempotency key was already applied;
	// Sequence then refers to the original operation.
	Duplicate bool
}

func NewEngine(catalog *market.Catalog, exec ledger.Executor, ltv ledger.LTVSource, opts Options) *Engine {
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = DefaultLRUCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	positions := state.NewPositionManager()
	hasher := NewStateHasher()

	return &Engine{
		hasher:       hasher,
		catalog:      catalog,
		positions:    positions,
		ledger:       ledger.New(catalog, positions, exec, ltv),
		validator:    ledger.NewInvariantValidator(positions),
		idempotency:  NewIdempotencyChecker(opts.LRUCapacity, opts.DBChecker, opts.Metrics),
		seqValidator: NewSequenceValidator(1, hasher.GetPrevHash()),
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
		persistChan:  opts.PersistChan,
		publishChan:  opts.PublishChan,
	}
}

// --- Mutating operations ---

// Deposit supplies amount of asset to the lending protocol on the depositor's
// behalf and mints the same number of shares.
func (e *Engine) Deposit(ctx context.Context, key string, depositor, asset common.Address, amount *uint256.Int) (*Receipt, error) {
	return e.execute(event.OpTypeDeposit, key, depositor, func() (event.Event, error) {
		return e.ledger.Deposit(ctx, depositor, asset, amount)
	})
}

// Withdraw burns shares and returns the underlying from the active market.
func (e *Engine) Withdraw(ctx context.Context, key string, depositor common.Address, amount *uint256.Int) (*Receipt, error) {
	return e.execute(event.OpTypeWithdraw, key, depositor, func() (event.Event, error) {
		return e.ledger.Withdraw(ctx, depositor, amount)
	})
}

// Borrow forwards a borrow after the collateral gate approves it.
func (e *Engine) Borrow(ctx context.Context, key string, depositor, asset common.Address, amount *uint256.Int) (*Receipt, error) {
	return e.execute(event.OpTypeBorrow, key, depositor, func() (event.Event, error) {
		return e.ledger.Borrow(ctx, depositor, asset, amount)
	})
}

func (e *Engine) SetMarketEnabled(key string, operator, asset common.Address, enabled bool) (*Receipt, error) {
	return e.execute(event.OpTypeSetMarketEnabled, key, common.Address{}, func() (event.Event, error) {
		return e.ledger.SetMarketEnabled(operator, asset, enabled)
	})
}

func (e *Engine) SetPaused(key string, operator common.Address, paused bool) (*Receipt, error) {
	return e.execute(event.OpTypeSetPaused, key, common.Address{}, func() (event.Event, error) {
		return e.ledger.SetPaused(operator, paused)
	})
}

// execute is the processing pipeline shared by every mutating operation
func (e *Engine) execute(op event.OpType, key string, depositor common.Address, run func() (event.Event, error)) (*Receipt, error) {
	start := time.Now()
	opName := op.String()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: Idempotency check (two-tier). An unanswered check refuses the
	// operation: the external call cannot be taken back.
	seq, dup, err := e.idempotency.Lookup(opName, depositor, key)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreOpsRejected.WithLabelValues(opName, RejectReason(err)).Inc()
		}
		e.logger.Warn().Err(err).Str("op", opName).Str("key", key).Msg("idempotency check failed")
		return nil, err
	}
	if dup {
		if e.metrics != nil {
			e.metrics.CoreOpsRejected.WithLabelValues(opName, "duplicate").Inc()
		}
		e.logger.Debug().Str("op", opName).Str("key", key).Int64("sequence", seq).Msg("duplicate operation")
		pos := e.positions.Get(depositor)
		return &Receipt{
			Sequence:     seq,
			OpType:       op,
			Depositor:    depositor,
			ShareBalance: pos.ShareBalance,
			ActiveMarket: pos.ActiveMarket,
			TotalShares:  e.positions.TotalShares(),
			StateHash:    e.hasher.GetPrevHash(),
			Duplicate:    true,
		}, nil
	}

	// Step 2: Guards, external call, bookkeeping
	evt, err := run()
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreOpsRejected.WithLabelValues(opName, RejectReason(err)).Inc()
		}
		e.logger.Info().Err(err).Str("op", opName).Str("depositor", depositor.Hex()).Msg("operation rejected")
		return nil, err
	}
	stamp(evt, key, e.now().UTC())

	// Step 3: Sequence, hash chain, outputs
	output := e.commit(evt)

	if e.metrics != nil {
		e.metrics.CoreOpsApplied.WithLabelValues(opName).Inc()
		e.metrics.CoreOpDuration.WithLabelValues(opName).Observe(time.Since(start).Seconds())
	}

	env := output.Envelope
	receipt := &Receipt{
		Sequence:     env.Sequence,
		OpType:       op,
		Depositor:    env.Depositor,
		Asset:        env.Asset,
		Amount:       env.Amount,
		TxHash:       txHash(evt),
		ShareBalance: output.Position.ShareBalance,
		ActiveMarket: output.Position.ActiveMarket,
		TotalShares:  output.TotalShares,
		StateHash:    env.StateHash,
	}

	e.logger.Info().
		Int64("sequence", env.Sequence).
		Str("op", opName).
		Str("depositor", env.Depositor.Hex()).
		Str("asset", env.Asset.Hex()).
		Str("tx", receipt.TxHash.Hex()).
		Msg("operation applied")

	return receipt, nil
}

// commit assigns the next sequence to an already-applied operation, extends
// the hash chain, checks invariants and emits the output.
func (e *Engine) commit(evt event.Event) CoreOutput {
	env, err := event.NewEnvelope(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: cannot encode applied %s: %v", evt.OpType(), err))
	}

	seq := e.sequence + 1
	digest := e.computeStateDigest(evt)

	hashStart := time.Now()
	prev := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(seq, digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	env.Sequence = seq
	env.StateHash = stateHash
	env.PrevHash = prev

	if err := e.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", seq, err))
	}

	e.sequence = seq
	e.seqValidator.Advance(stateHash)
	e.idempotency.MarkProcessed(evt.OpType().String(), evt.Account(), evt.IdempotencyKey(), seq)

	output := CoreOutput{
		Envelope:    env,
		Position:    e.positions.Get(evt.Account()),
		TotalShares: e.positions.TotalShares(),
	}

	// Persistence: blocking send. The engine stalls until the writer drains,
	// so no applied operation is lost.
	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	// Publishing: non-blocking send, drop on full. Subscribers can rebuild
	// from the operation log.
	if e.publishChan != nil {
		select {
		case e.publishChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(seq))
		e.metrics.TotalShares.Set(output.TotalShares.Float64())
		e.metrics.VaultPaused.Set(boolGauge(e.ledger.Paused()))
	}

	return output
}

// computeStateDigest creates canonical bytes for the state hash: the op type,
// the touched state after the operation and the share counter.
func (e *Engine) computeStateDigest(evt event.Event) []byte {
	digest := make([]byte, 0, 1+72+32+1)
	digest = append(digest, byte(evt.OpType()))

	switch ev := evt.(type) {
	case *event.MarketToggle:
		digest = append(digest, ev.Asset.Bytes()...)
		digest = append(digest, boolByte(ev.Enabled))
	case *event.PauseToggle:
		digest = append(digest, boolByte(ev.Paused))
	default:
		pos := e.positions.Get(evt.Account())
		digest = append(digest, pos.CanonicalBytes()...)
	}

	total := e.positions.TotalShares().Bytes32()
	digest = append(digest, total[:]...)
	return digest
}

// postCheckInvariants validates invariants after the operation is applied
func (e *Engine) postCheckInvariants(evt event.Event) error {
	if depositor := evt.Account(); depositor != (common.Address{}) {
		if err := e.validator.ValidatePosition(depositor); err != nil {
			return err
		}
	}
	return e.validator.ValidateGlobal()
}

// --- Replay ---

// ApplyEnvelope replays one logged operation without calling the protocol.
// Entries must arrive in sequence order and chain onto the current tip; the
// recomputed state hash must match the logged one. An error leaves the
// engine unusable and startup must abort.
func (e *Engine) ApplyEnvelope(env *event.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.seqValidator.Validate(env.Sequence, env.PrevHash); err != nil {
		return err
	}

	evt, err := env.Decode()
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}
	if err := e.ledger.Apply(evt); err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}
	if err := e.postCheckInvariants(evt); err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	stateHash := e.hasher.Peek(env.Sequence, e.computeStateDigest(evt))
	if stateHash != env.StateHash {
		return fmt.Errorf("%w at sequence %d", ErrStateMismatch, env.Sequence)
	}

	e.hasher.SetPrevHash(stateHash)
	e.sequence = env.Sequence
	e.seqValidator.Advance(stateHash)
	e.idempotency.MarkProcessed(env.OpType.String(), env.Depositor, env.IdempotencyKey, env.Sequence)

	if e.metrics != nil {
		e.metrics.ReplayOpsTotal.Inc()
		e.metrics.CoreSequence.Set(float64(env.Sequence))
	}
	return nil
}

// --- Snapshot ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                   `json:"sequence"`
	StateHash       [32]byte                `json:"state_hash"`
	Positions       []state.Position        `json:"positions"`
	Paused          bool                    `json:"paused"`
	EnabledMarkets  map[common.Address]bool `json:"enabled_markets"`
	IdempotencyKeys []LRUEntry              `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &SnapshotState{
		Sequence:        e.sequence,
		StateHash:       e.hasher.GetPrevHash(),
		Positions:       e.positions.All(),
		Paused:          e.ledger.Paused(),
		EnabledMarkets:  e.catalog.EnabledFlags(),
		IdempotencyKeys: e.idempotency.Entries(),
	}
}

// RestoreFromSnapshot restores in-memory state. On warm restart the latest
// snapshot is loaded first and later operations are replayed on top.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for asset := range snap.EnabledMarkets {
		if !e.catalog.IsSupported(asset) {
			return fmt.Errorf("snapshot %d: %w: %s", snap.Sequence, market.ErrUnknownAsset, asset.Hex())
		}
	}
	if err := e.positions.Restore(snap.Positions); err != nil {
		return fmt.Errorf("snapshot %d: %w", snap.Sequence, err)
	}
	for asset, enabled := range snap.EnabledMarkets {
		_ = e.catalog.SetEnabled(asset, enabled)
	}
	e.ledger.RestorePaused(snap.Paused)

	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(snap.StateHash)
	e.seqValidator.Reset(snap.Sequence+1, snap.StateHash)
	e.idempotency.Warm(snap.IdempotencyKeys)

	if e.metrics != nil {
		e.metrics.CoreSequence.Set(float64(snap.Sequence))
		e.metrics.TotalShares.Set(e.positions.TotalShares().Float64())
		e.metrics.VaultPaused.Set(boolGauge(snap.Paused))
	}

	e.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", e.positions.Count()).
		Msg("state restored from snapshot")
	return nil
}

// WarmLRU preloads recent idempotency keys from the operation log.
func (e *Engine) WarmLRU(entries []LRUEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.Warm(entries)
}

// --- Reads ---

// GetUserPosition returns the depositor's share balance and active market.
func (e *Engine) GetUserPosition(depositor common.Address) state.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.Get(depositor)
}

// Positions returns every non-empty position ordered by depositor.
func (e *Engine) Positions() []state.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.All()
}

func (e *Engine) TotalShares() *uint256.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.TotalShares()
}

// BorrowLimit returns the depositor's current limit, the LTV it used and the
// collateral market.
func (e *Engine) BorrowLimit(ctx context.Context, depositor common.Address) (*uint256.Int, uint64, common.Address, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Gate().BorrowLimit(ctx, depositor)
}

func (e *Engine) CanBorrow(ctx context.Context, depositor, asset common.Address, amount *uint256.Int) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Gate().CanBorrow(ctx, depositor, asset, amount)
}

func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Paused()
}

func (e *Engine) Catalog() *market.Catalog {
	return e.catalog
}

// GetSequence returns the last applied sequence.
func (e *Engine) GetSequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// GetStateHash returns the current chain tip.
func (e *Engine) GetStateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.GetPrevHash()
}

// RejectReason maps an operation error to a metric label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, market.ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, ledger.ErrInsufficientShares):
		return "insufficient_shares"
	case errors.Is(err, ledger.ErrMarketMismatch):
		return "market_mismatch"
	case errors.Is(err, ledger.ErrNoCollateral):
		return "no_collateral"
	case errors.Is(err, ledger.ErrCollateralExceeded):
		return "collateral_exceeded"
	case errors.Is(err, ledger.ErrPaused):
		return "paused"
	case errors.Is(err, ledger.ErrMarketDisabled):
		return "market_disabled"
	case errors.Is(err, ledger.ErrShareOverflow):
		return "overflow"
	case errors.Is(err, market.ErrExternalDataUnavailable):
		return "external_data"
	case errors.Is(err, ledger.ErrExternalCallFailed):
		return "external_call"
	case errors.Is(err, ErrIdempotencyUnavailable):
		return "idempotency_unavailable"
	default:
		return "other"
	}
}

// stamp fills the request metadata the ledger does not know about.
func stamp(evt event.Event, key string, ts time.Time) {
	switch e := evt.(type) {
	case *event.Deposit:
		e.Key, e.Timestamp = key, ts
	case *event.Withdrawal:
		e.Key, e.Timestamp = key, ts
	case *event.Borrow:
		e.Key, e.Timestamp = key, ts
	case *event.MarketToggle:
		e.Key, e.Timestamp = key, ts
	case *event.PauseToggle:
		e.Key, e.Timestamp = key, ts
	default:
		panic(fmt.Sprintf("FATAL: stamp called with unhandled operation %T", evt))
	}
}

func txHash(evt event.Event) common.Hash {
	switch e := evt.(type) {
	case *event.Deposit:
		return e.TxHash
	case *event.Withdrawal:
		return e.TxHash
	case *event.Borrow:
		return e.TxHash
	}
	return common.Hash{}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func boolGauge(b bool) float64 {
	return float64(boolByte(b))
}
