package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"AutoVault/internal/core"
	"AutoVault/internal/event"
	"AutoVault/internal/ledger"
	"AutoVault/internal/market"
	"AutoVault/internal/observability"
	"AutoVault/internal/protocol"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var (
	pool  = common.HexToAddress(market.HyperLendPool)
	usdt0 = common.HexToAddress("0xB8CE59FC3717ada4C02eaDF9682A9e934F625ebb")
	whype = common.HexToAddress("0x5555555555555555555555555555555555555555")
	alice = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	admin = common.HexToAddress("0xAD00000000000000000000000000000000000003")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// --- Test helpers ---

type harness struct {
	engine  *core.Engine
	sim     *protocol.Simulated
	persist chan core.CoreOutput
	publish chan core.CoreOutput
	metrics *observability.Metrics
}

// newHarness creates an Engine over a simulated protocol with buffered
// output channels and no DB checker.
func newHarness(t *testing.T, publishCap int) *harness {
	t.Helper()
	return newHarnessWithKeys(t, publishCap, 0, nil)
}

// newHarnessWithKeys also sets the LRU capacity and the durable key store.
func newHarnessWithKeys(t *testing.T, publishCap, lruCapacity int, db core.DBIdempotencyChecker) *harness {
	t.Helper()
	catalog, err := market.NewCatalog(market.DefaultListings(pool))
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	sim := protocol.NewSimulated()
	sim.SetMarket(usdt0, 4, 80, true)
	sim.SetMarket(whype, 2, 70, true)

	persist := make(chan core.CoreOutput, 1024)
	publish := make(chan core.CoreOutput, publishCap)
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())

	e := core.NewEngine(catalog, sim, market.NewFetcher(catalog, sim), core.Options{
		LRUCapacity: lruCapacity,
		DBChecker:   db,
		Metrics:     metrics,
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return fixedNow },
		PersistChan: persist,
		PublishChan: publish,
	})
	return &harness{engine: e, sim: sim, persist: persist, publish: publish, metrics: metrics}
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

// ============================================================================
// Operations
// ============================================================================

func TestDeposit_AssignsSequenceAndEmits(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	r, err := h.engine.Deposit(ctx, "dep-1", alice, usdt0, u(1000))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if r.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", r.Sequence)
	}
	if r.ShareBalance.Uint64() != 1000 || r.ActiveMarket != usdt0 {
		t.Errorf("position = (%s, %s), want (1000, USDT0)", r.ShareBalance.Dec(), r.ActiveMarket.Hex())
	}
	if r.TotalShares.Uint64() != 1000 {
		t.Errorf("total shares = %s, want 1000", r.TotalShares.Dec())
	}
	if r.TxHash == (common.Hash{}) {
		t.Error("expected a transaction hash")
	}

	persisted := drain(h.persist)
	if len(persisted) != 1 {
		t.Fatalf("persisted %d outputs, want 1", len(persisted))
	}
	env := persisted[0].Envelope
	if env.Sequence != 1 || env.OpType != event.OpTypeDeposit || env.IdempotencyKey != "dep-1" {
		t.Errorf("envelope = %+v", env)
	}
	if env.PrevHash != core.GenesisHash() {
		t.Error("first envelope must chain onto genesis")
	}
	if env.StateHash != r.StateHash || env.StateHash != h.engine.GetStateHash() {
		t.Error("receipt, envelope and engine disagree on state hash")
	}
	if !env.Timestamp.Equal(fixedNow) {
		t.Errorf("timestamp = %v, want %v", env.Timestamp, fixedNow)
	}
	if len(drain(h.publish)) != 1 {
		t.Error("expected one published output")
	}
	if got := testutil.ToFloat64(h.metrics.CoreOpsApplied.WithLabelValues("Deposit")); got != 1 {
		t.Errorf("applied counter = %v, want 1", got)
	}
}

func TestFullLifecycle_ChainsHashes(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, "d1", alice, usdt0, u(1000)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	r, err := h.engine.Borrow(ctx, "b1", alice, whype, u(800))
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if r.ShareBalance.Uint64() != 1000 {
		t.Errorf("borrow changed shares to %s", r.ShareBalance.Dec())
	}
	if _, err := h.engine.Withdraw(ctx, "w1", alice, u(1000)); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	outputs := drain(h.persist)
	if len(outputs) != 3 {
		t.Fatalf("got %d outputs, want 3", len(outputs))
	}
	prev := core.GenesisHash()
	for i, o := range outputs {
		if o.Envelope.Sequence != int64(i+1) {
			t.Errorf("output %d sequence = %d", i, o.Envelope.Sequence)
		}
		if o.Envelope.PrevHash != prev {
			t.Errorf("output %d does not chain onto its predecessor", i)
		}
		prev = o.Envelope.StateHash
	}

	pos := h.engine.GetUserPosition(alice)
	if !pos.IsEmpty() || pos.ActiveMarket != market.NoMarket {
		t.Errorf("position after full withdraw = %+v, want Empty", pos)
	}
	if h.engine.GetSequence() != 3 {
		t.Errorf("sequence = %d, want 3", h.engine.GetSequence())
	}
}

func TestRejectedOperation_NoSequenceNoOutput(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, "d1", alice, usdt0, u(100)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	drain(h.persist)
	tip := h.engine.GetStateHash()

	_, err := h.engine.Deposit(ctx, "d2", alice, whype, u(50))
	if !errors.Is(err, ledger.ErrMarketMismatch) {
		t.Fatalf("err = %v, want ErrMarketMismatch", err)
	}
	_, err = h.engine.Borrow(ctx, "b1", bob, usdt0, u(1))
	if !errors.Is(err, ledger.ErrNoCollateral) {
		t.Fatalf("err = %v, want ErrNoCollateral", err)
	}

	if h.engine.GetSequence() != 1 || h.engine.GetStateHash() != tip {
		t.Error("rejected operations must not advance the chain")
	}
	if len(drain(h.persist)) != 0 {
		t.Error("rejected operations must not be persisted")
	}
	if got := testutil.ToFloat64(h.metrics.CoreOpsRejected.WithLabelValues("Deposit", "market_mismatch")); got != 1 {
		t.Errorf("rejected counter = %v, want 1", got)
	}
}

func TestExternalFailure_LeavesStateUntouched(t *testing.T) {
	h := newHarness(t, 16)
	h.sim.FailNext("supply", errors.New("rpc down"))

	_, err := h.engine.Deposit(context.Background(), "d1", alice, usdt0, u(100))
	if !errors.Is(err, ledger.ErrExternalCallFailed) {
		t.Fatalf("err = %v, want ErrExternalCallFailed", err)
	}
	if !h.engine.GetUserPosition(alice).IsEmpty() {
		t.Error("failed supply must not mint shares")
	}
	if h.engine.GetSequence() != 0 {
		t.Errorf("sequence = %d, want 0", h.engine.GetSequence())
	}

	// The same key is usable once the call succeeds.
	if _, err := h.engine.Deposit(context.Background(), "d1", alice, usdt0, u(100)); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

// ============================================================================
// Idempotency
// ============================================================================

func TestDuplicateKey_ReturnsOriginalWithoutExternalCall(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	first, err := h.engine.Deposit(ctx, "same", alice, usdt0, u(100))
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	calls := len(h.sim.Calls())

	again, err := h.engine.Deposit(ctx, "same", alice, usdt0, u(100))
	if err != nil {
		t.Fatalf("duplicate Deposit: %v", err)
	}
	if !again.Duplicate || again.Sequence != first.Sequence {
		t.Errorf("duplicate receipt = %+v, want Duplicate at sequence %d", again, first.Sequence)
	}
	if len(h.sim.Calls()) != calls {
		t.Error("duplicate must not reach the protocol")
	}
	if h.engine.GetUserPosition(alice).ShareBalance.Uint64() != 100 {
		t.Error("duplicate must not mint shares")
	}

	// Keys are scoped by operation type.
	if _, err := h.engine.Withdraw(ctx, "same", alice, u(10)); err != nil {
		t.Fatalf("Withdraw with reused key: %v", err)
	}
}

func TestEmptyKey_NeverDeduplicates(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := h.engine.Deposit(ctx, "", alice, usdt0, u(10))
		if err != nil {
			t.Fatalf("Deposit %d: %v", i, err)
		}
		if r.Duplicate {
			t.Fatalf("Deposit %d reported duplicate", i)
		}
	}
	if got := h.engine.GetUserPosition(alice).ShareBalance.Uint64(); got != 30 {
		t.Errorf("shares = %d, want 30", got)
	}
}

func TestIdempotencyKey_ScopedPerDepositor(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, "order-1", alice, usdt0, u(1000)); err != nil {
		t.Fatalf("alice Deposit: %v", err)
	}
	r, err := h.engine.Deposit(ctx, "order-1", bob, usdt0, u(500))
	if err != nil {
		t.Fatalf("bob Deposit: %v", err)
	}
	if r.Duplicate || r.Sequence != 2 {
		t.Errorf("bob receipt = %+v, want a fresh operation at sequence 2", r)
	}
	if got := h.engine.GetUserPosition(bob).ShareBalance.Uint64(); got != 500 {
		t.Errorf("bob shares = %d, want 500", got)
	}
	if got := len(h.sim.Calls()); got != 2 {
		t.Errorf("supply calls = %d, want 2", got)
	}

	again, err := h.engine.Deposit(ctx, "order-1", alice, usdt0, u(1000))
	if err != nil || !again.Duplicate || again.Sequence != 1 {
		t.Errorf("alice retry = (%+v, %v), want duplicate of sequence 1", again, err)
	}
}

// stubDB answers durable lookups from a fixed set of (op, scope, key).
type stubDB struct {
	seq   int64
	scope common.Address
	err   error
}

func (s stubDB) Lookup(opType string, scope common.Address, key string) (int64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	if key == "persisted" && scope == s.scope {
		return s.seq, true, nil
	}
	return 0, false, nil
}

func TestIdempotencyChecker_FallsBackToDatabase(t *testing.T) {
	ic := core.NewIdempotencyChecker(4, stubDB{seq: 42, scope: alice}, nil)

	seq, dup, err := ic.Lookup("Deposit", alice, "persisted")
	if err != nil || !dup || seq != 42 {
		t.Fatalf("Lookup = (%d, %v, %v), want (42, true, nil)", seq, dup, err)
	}
	if lru, pg := ic.GetMetrics().GetDuplicates("Deposit"); lru != 0 || pg != 1 {
		t.Errorf("duplicates = (lru %d, pg %d), want (0, 1)", lru, pg)
	}

	// Second hit is served from the LRU.
	_, _, _ = ic.Lookup("Deposit", alice, "persisted")
	if lru, _ := ic.GetMetrics().GetDuplicates("Deposit"); lru != 1 {
		t.Errorf("lru duplicates = %d, want 1", lru)
	}

	if _, dup, _ := ic.Lookup("Deposit", bob, "persisted"); dup {
		t.Error("another depositor's key must not match")
	}
}

func TestIdempotencyChecker_DatabaseErrorFailsClosed(t *testing.T) {
	cause := errors.New("context deadline exceeded")
	ic := core.NewIdempotencyChecker(4, stubDB{err: cause}, nil)

	_, dup, err := ic.Lookup("Deposit", alice, "k1")
	if !errors.Is(err, core.ErrIdempotencyUnavailable) || !errors.Is(err, cause) {
		t.Fatalf("Lookup error = %v, want ErrIdempotencyUnavailable wrapping the cause", err)
	}
	if dup {
		t.Error("failed lookup must not report a duplicate")
	}
	if ic.GetMetrics().GetTier2Errors() != 1 {
		t.Errorf("tier2 errors = %d, want 1", ic.GetMetrics().GetTier2Errors())
	}

	// Empty keys never consult the database.
	if _, _, err := ic.Lookup("Deposit", alice, ""); err != nil {
		t.Errorf("empty key: %v", err)
	}
}

func TestDeposit_UnreachableKeyStoreRefusesRetry(t *testing.T) {
	db := &flakyDB{}
	h := newHarnessWithKeys(t, 16, 1, db)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, "k1", alice, usdt0, u(100)); err != nil {
		t.Fatalf("k1: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "k2", alice, usdt0, u(100)); err != nil {
		t.Fatalf("k2: %v", err)
	}

	// k1 has left the LRU and the durable store stops answering.
	db.err = errors.New("dial tcp: connection refused")
	_, err := h.engine.Deposit(ctx, "k1", alice, usdt0, u(100))
	if !errors.Is(err, core.ErrIdempotencyUnavailable) {
		t.Fatalf("retry k1: err = %v, want ErrIdempotencyUnavailable", err)
	}
	if got := len(h.sim.Calls()); got != 2 {
		t.Errorf("supply calls = %d, want 2", got)
	}
	if got := h.engine.GetUserPosition(alice).ShareBalance.Uint64(); got != 200 {
		t.Errorf("shares = %d, want 200", got)
	}
	if h.engine.GetSequence() != 2 {
		t.Errorf("sequence = %d, want 2", h.engine.GetSequence())
	}
	if got := testutil.ToFloat64(h.metrics.CoreOpsRejected.WithLabelValues("Deposit", "idempotency_unavailable")); got != 1 {
		t.Errorf("rejected counter = %v, want 1", got)
	}
}

// flakyDB finds nothing until err is set.
type flakyDB struct {
	err error
}

func (f *flakyDB) Lookup(string, common.Address, string) (int64, bool, error) {
	return 0, false, f.err
}

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a", 1)
	lru.Add("b", 2)
	lru.Get("a")
	lru.Add("c", 3)

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should remain")
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions = %d, want 1", lru.Evictions())
	}
}

// ============================================================================
// Output channels
// ============================================================================

func TestPublishChannel_DropsWhenFull(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := h.engine.Deposit(ctx, "", alice, usdt0, u(1)); err != nil {
			t.Fatalf("Deposit: %v", err)
		}
	}
	if len(drain(h.persist)) != 3 {
		t.Error("persistence must receive every output")
	}
	if len(drain(h.publish)) != 1 {
		t.Error("publish channel should hold exactly its capacity")
	}
	if got := testutil.ToFloat64(h.metrics.PublishDrops); got != 2 {
		t.Errorf("publish drops = %v, want 2", got)
	}
}

// ============================================================================
// Administration
// ============================================================================

func TestPauseAndMarketToggle(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	if _, err := h.engine.SetPaused("p1", admin, true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	if !h.engine.Paused() {
		t.Fatal("vault should be paused")
	}
	if _, err := h.engine.Deposit(ctx, "", alice, usdt0, u(1)); !errors.Is(err, ledger.ErrPaused) {
		t.Fatalf("err = %v, want ErrPaused", err)
	}
	if _, err := h.engine.SetPaused("p2", admin, false); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}

	if _, err := h.engine.SetMarketEnabled("m1", admin, usdt0, false); err != nil {
		t.Fatalf("SetMarketEnabled: %v", err)
	}
	if _, err := h.engine.Deposit(ctx, "", alice, usdt0, u(1)); !errors.Is(err, ledger.ErrMarketDisabled) {
		t.Fatalf("err = %v, want ErrMarketDisabled", err)
	}
	if h.engine.GetSequence() != 3 {
		t.Errorf("sequence = %d, want 3", h.engine.GetSequence())
	}
}

// ============================================================================
// Replay & snapshots
// ============================================================================

func runScenario(t *testing.T, h *harness) []core.CoreOutput {
	t.Helper()
	ctx := context.Background()
	steps := []func() error{
		func() error { _, err := h.engine.Deposit(ctx, "a1", alice, usdt0, u(1000)); return err },
		func() error { _, err := h.engine.Deposit(ctx, "b1", bob, whype, u(500)); return err },
		func() error { _, err := h.engine.Borrow(ctx, "a2", alice, whype, u(300)); return err },
		func() error { _, err := h.engine.SetMarketEnabled("m1", admin, whype, false); return err },
		func() error { _, err := h.engine.Withdraw(ctx, "b2", bob, u(500)); return err },
		func() error { _, err := h.engine.SetPaused("p1", admin, true); return err },
		func() error { _, err := h.engine.Withdraw(ctx, "a3", alice, u(250)); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	return drain(h.persist)
}

func TestReplay_ReproducesStateAndHash(t *testing.T) {
	live := newHarness(t, 64)
	outputs := runScenario(t, live)

	replica := newHarness(t, 64)
	for _, o := range outputs {
		if err := replica.engine.ApplyEnvelope(o.Envelope); err != nil {
			t.Fatalf("ApplyEnvelope(%d): %v", o.Envelope.Sequence, err)
		}
	}

	if replica.engine.GetStateHash() != live.engine.GetStateHash() {
		t.Error("replayed state hash differs from live")
	}
	if replica.engine.GetSequence() != live.engine.GetSequence() {
		t.Error("replayed sequence differs from live")
	}
	if !replica.engine.Paused() {
		t.Error("pause flag not replayed")
	}
	if enabled, _ := replica.engine.Catalog().IsEnabled(whype); enabled {
		t.Error("market toggle not replayed")
	}
	if got := replica.engine.GetUserPosition(alice).ShareBalance.Uint64(); got != 750 {
		t.Errorf("alice shares = %d, want 750", got)
	}
	if len(replica.sim.Calls()) != 0 {
		t.Error("replay must not call the protocol")
	}

	// Replayed keys deduplicate.
	r, err := replica.engine.Deposit(context.Background(), "a1", alice, usdt0, u(1000))
	if err != nil || !r.Duplicate || r.Sequence != 1 {
		t.Errorf("replayed key not deduplicated: %+v, %v", r, err)
	}
}

func TestReplay_RejectsGapAndTampering(t *testing.T) {
	live := newHarness(t, 64)
	outputs := runScenario(t, live)

	gap := newHarness(t, 64)
	if err := gap.engine.ApplyEnvelope(outputs[1].Envelope); !errors.Is(err, core.ErrSequenceGap) {
		t.Errorf("err = %v, want ErrSequenceGap", err)
	}

	broken := newHarness(t, 64)
	env := *outputs[0].Envelope
	env.PrevHash[0] ^= 0xff
	if err := broken.engine.ApplyEnvelope(&env); !errors.Is(err, core.ErrChainBroken) {
		t.Errorf("err = %v, want ErrChainBroken", err)
	}

	tampered := newHarness(t, 64)
	env = *outputs[0].Envelope
	env.StateHash[31] ^= 0x01
	if err := tampered.engine.ApplyEnvelope(&env); !errors.Is(err, core.ErrStateMismatch) {
		t.Errorf("err = %v, want ErrStateMismatch", err)
	}
}

func TestSnapshot_RestoreThenReplayTail(t *testing.T) {
	live := newHarness(t, 64)
	outputs := runScenario(t, live)

	// Snapshot a replica midway, then replay the tail onto a fresh engine.
	mid := newHarness(t, 64)
	for _, o := range outputs[:4] {
		if err := mid.engine.ApplyEnvelope(o.Envelope); err != nil {
			t.Fatalf("ApplyEnvelope: %v", err)
		}
	}
	snap := mid.engine.CreateSnapshotState()
	if snap.Sequence != 4 || len(snap.Positions) != 2 {
		t.Fatalf("snapshot = seq %d, %d positions", snap.Sequence, len(snap.Positions))
	}

	restored := newHarness(t, 64)
	if err := restored.engine.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	for _, o := range outputs[4:] {
		if err := restored.engine.ApplyEnvelope(o.Envelope); err != nil {
			t.Fatalf("ApplyEnvelope(%d): %v", o.Envelope.Sequence, err)
		}
	}
	if restored.engine.GetStateHash() != live.engine.GetStateHash() {
		t.Error("snapshot + tail does not reproduce the live hash")
	}
	if !restored.engine.TotalShares().Eq(live.engine.TotalShares()) {
		t.Error("total shares differ after restore")
	}
}

// ============================================================================
// Reads
// ============================================================================

func TestBorrowLimitAndCanBorrow(t *testing.T) {
	h := newHarness(t, 16)
	ctx := context.Background()

	if _, err := h.engine.Deposit(ctx, "", alice, usdt0, u(999)); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	limit, ltv, collateral, err := h.engine.BorrowLimit(ctx, alice)
	if err != nil {
		t.Fatalf("BorrowLimit: %v", err)
	}
	if limit.Uint64() != 799 || ltv != 80 || collateral != usdt0 {
		t.Errorf("BorrowLimit = (%s, %d, %s), want (799, 80, USDT0)", limit.Dec(), ltv, collateral.Hex())
	}

	ok, err := h.engine.CanBorrow(ctx, alice, whype, u(800))
	if err != nil || ok {
		t.Errorf("CanBorrow(800) = (%v, %v), want (false, nil)", ok, err)
	}
	ok, err = h.engine.CanBorrow(ctx, bob, whype, u(1))
	if err != nil || ok {
		t.Errorf("CanBorrow(empty) = (%v, %v), want (false, nil)", ok, err)
	}
}
