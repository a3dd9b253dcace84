package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AutoVault/internal/core"
	"AutoVault/internal/event"
	"AutoVault/internal/ingestion"
	"AutoVault/internal/market"
	"AutoVault/internal/observability"
	"AutoVault/internal/protocol"
	"AutoVault/internal/query"
	"AutoVault/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	bufSize    = 1024 * 1024
	testSecret = "test-secret"
	testIssuer = "autovault-test"
)

var (
	pool    = common.HexToAddress(market.HyperLendPool)
	usdt0   = common.HexToAddress("0xB8CE59FC3717ada4C02eaDF9682A9e934F625ebb")
	whype   = common.HexToAddress("0x5555555555555555555555555555555555555555")
	wsthype = common.HexToAddress("0x94e8396e0869c9F2200760aF0621aFd240E1CF38")
	unknown = common.HexToAddress("0x9999999999999999999999999999999999999999")
	alice   = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob     = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	owner   = common.HexToAddress("0xAD00000000000000000000000000000000000003")
)

// --- Test helpers ---

type fakeLog struct {
	depositor common.Address
	limit     int
	before    int64
}

func (f *fakeLog) GetHistory(_ context.Context, depositor common.Address, limit int, before int64) (*query.HistoryPage, error) {
	f.depositor, f.limit, f.before = depositor, limit, before
	return &query.HistoryPage{
		Depositor:    depositor.Hex(),
		Entries:      []query.HistoryEntry{{Sequence: 7, OpType: "Deposit", Amount: "10"}},
		AsOfSequence: 7,
	}, nil
}

func (f *fakeLog) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, LatestSequence: 7}, nil
}

type harness struct {
	client    *server.VaultClient
	conn      *grpc.ClientConn
	sim       *protocol.Simulated
	engine    *core.Engine
	auth      *server.Authenticator
	metrics   *observability.Metrics
	log       *fakeLog
	snapshots int
}

type harnessOpts struct {
	rateLimit int
	noLog     bool
	keyStore  core.DBIdempotencyChecker
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	catalog, err := market.NewCatalog(market.DefaultListings(pool))
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	sim := protocol.NewSimulated()
	sim.SetMarket(usdt0, 4, 80, true)
	sim.SetMarket(whype, 6, 70, true)
	sim.SetMarket(wsthype, 6, 50, true)

	fetcher := market.NewFetcher(catalog, sim)
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	engine := core.NewEngine(catalog, sim, fetcher, core.Options{
		DBChecker: opts.keyStore,
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
	})

	h := &harness{
		sim:     sim,
		engine:  engine,
		auth:    server.NewAuthenticator(testSecret, testIssuer, owner),
		metrics: metrics,
		log:     &fakeLog{},
	}

	deps := &server.ServerDeps{
		Engine:  engine,
		Fetcher: fetcher,
		Snapshot: func(context.Context) error {
			h.snapshots++
			return nil
		},
		Auth:    h.auth,
		Limiter: server.NewRateLimiter(opts.rateLimit, 1, metrics),
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	}
	if !opts.noLog {
		deps.Log = h.log
	}
	srv := server.NewGRPCServer("bufnet", "", deps)

	listener := bufconn.Listen(bufSize)
	t.Cleanup(func() { listener.Close() })
	go func() {
		if err := srv.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			t.Errorf("serve bufconn: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	h.conn = conn
	h.client = server.NewVaultClient(conn)
	return h
}

func (h *harness) token(t *testing.T, subject common.Address, scopes ...string) string {
	t.Helper()
	tok, err := h.auth.Issue(subject.Hex(), scopes, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (h *harness) as(t *testing.T, subject common.Address, scopes ...string) context.Context {
	t.Helper()
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+h.token(t, subject, scopes...))
}

func wantCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	if got := status.Code(err); got != want {
		t.Fatalf("code: got %v (%v), want %v", got, err, want)
	}
}

// ============================================================================
// Market reads
// ============================================================================

func TestMarketReads(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	assets, err := h.client.ListSupportedAssets(ctx, &server.ListSupportedAssetsRequest{})
	if err != nil {
		t.Fatalf("ListSupportedAssets: %v", err)
	}
	if len(assets.Assets) != 3 || assets.Assets[0].Symbol != "USDT0" || assets.Assets[2].Symbol != "wstHYPE" {
		t.Errorf("assets: %+v", assets.Assets)
	}

	// WHYPE and wstHYPE tie at 6; the earlier registration wins.
	best, err := h.client.FindBestMarket(ctx, &server.FindBestMarketRequest{})
	if err != nil {
		t.Fatalf("FindBestMarket: %v", err)
	}
	if !best.Found || best.Asset != whype.Hex() || best.APY != 6 || best.Symbol != "WHYPE" {
		t.Errorf("best: %+v", best)
	}

	board, err := h.client.DisplayMarkets(ctx, &server.DisplayMarketsRequest{})
	if err != nil {
		t.Fatalf("DisplayMarkets: %v", err)
	}
	if len(board.Assets) != 3 || board.APYs[0] != 4 || board.LTVs[1] != 70 {
		t.Errorf("board: %+v", board)
	}

	md, err := h.client.GetMarketData(ctx, &server.GetMarketDataRequest{Asset: usdt0.Hex()})
	if err != nil {
		t.Fatalf("GetMarketData: %v", err)
	}
	if !md.IsActive || md.SupplyAPY != 4 || md.LTV != 80 || md.ExternalMarket != pool.Hex() {
		t.Errorf("market data: %+v", md)
	}

	apy, err := h.client.GetSupplyAPY(ctx, &server.GetSupplyAPYRequest{Asset: whype.Hex()})
	if err != nil || apy.APY != 6 {
		t.Errorf("GetSupplyAPY: %+v, %v", apy, err)
	}
}

func TestMarketReads_Errors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	_, err := h.client.GetMarketData(ctx, &server.GetMarketDataRequest{Asset: unknown.Hex()})
	wantCode(t, err, codes.NotFound)

	_, err = h.client.GetSupplyAPY(ctx, &server.GetSupplyAPYRequest{Asset: "not-an-address"})
	wantCode(t, err, codes.InvalidArgument)

	h.sim.FailNext("apy", errors.New("rpc timeout"))
	_, err = h.client.FindBestMarket(ctx, &server.FindBestMarketRequest{})
	wantCode(t, err, codes.Unavailable)
}

func TestFindBestMarket_NothingYields(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.sim.SetMarket(usdt0, 0, 80, true)
	h.sim.SetMarket(whype, 0, 70, true)
	h.sim.SetMarket(wsthype, 9, 50, false)

	best, err := h.client.FindBestMarket(context.Background(), &server.FindBestMarketRequest{})
	if err != nil {
		t.Fatalf("FindBestMarket: %v", err)
	}
	if best.Found || best.Asset != (common.Address{}).Hex() || best.APY != 0 {
		t.Errorf("expected no market, got %+v", best)
	}
}

// ============================================================================
// Depositor operations
// ============================================================================

func TestDeposit_RequiresToken(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	req := &server.DepositRequest{Asset: usdt0.Hex(), Amount: "1000"}

	_, err := h.client.Deposit(context.Background(), req)
	wantCode(t, err, codes.Unauthenticated)

	bad := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer garbage")
	_, err = h.client.Deposit(bad, req)
	wantCode(t, err, codes.Unauthenticated)

	other := server.NewAuthenticator("other-secret", testIssuer, common.Address{})
	forged, _ := other.Issue(alice.Hex(), nil, time.Hour)
	_, err = h.client.Deposit(metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+forged), req)
	wantCode(t, err, codes.Unauthenticated)

	if len(h.sim.Calls()) != 0 {
		t.Error("unauthenticated deposit reached the protocol")
	}
}

func TestDepositBorrowWithdraw_Lifecycle(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := h.as(t, alice)

	dep, err := h.client.Deposit(ctx, &server.DepositRequest{IdempotencyKey: "dep-1", Asset: usdt0.Hex(), Amount: "1000"})
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if dep.Sequence != 1 || dep.Depositor != alice.Hex() || dep.ShareBalance != "1000" || dep.TotalShares != "1000" || dep.TxHash == "" {
		t.Errorf("deposit receipt: %+v", dep)
	}

	// Same key again: original sequence, no second supply.
	again, err := h.client.Deposit(ctx, &server.DepositRequest{IdempotencyKey: "dep-1", Asset: usdt0.Hex(), Amount: "1000"})
	if err != nil {
		t.Fatalf("duplicate Deposit: %v", err)
	}
	if !again.Duplicate || again.Sequence != 1 {
		t.Errorf("duplicate receipt: %+v", again)
	}
	if len(h.sim.Calls()) != 1 {
		t.Errorf("duplicate reached the protocol: %d calls", len(h.sim.Calls()))
	}

	pos, err := h.client.GetUserPosition(context.Background(), &server.GetUserPositionRequest{Depositor: alice.Hex()})
	if err != nil {
		t.Fatalf("GetUserPosition: %v", err)
	}
	if pos.ShareBalance != "1000" || pos.ActiveMarket != usdt0.Hex() || pos.Empty || pos.AsOfSequence != 1 {
		t.Errorf("position: %+v", pos)
	}

	limit, err := h.client.GetBorrowLimit(context.Background(), &server.GetBorrowLimitRequest{Depositor: alice.Hex()})
	if err != nil || limit.Limit != "800" || limit.LTV != 80 {
		t.Errorf("borrow limit: %+v, %v", limit, err)
	}

	_, err = h.client.Borrow(ctx, &server.BorrowRequest{IdempotencyKey: "b-1", Asset: usdt0.Hex(), Amount: "801"})
	wantCode(t, err, codes.ResourceExhausted)

	if _, err := h.client.Borrow(ctx, &server.BorrowRequest{IdempotencyKey: "b-2", Asset: usdt0.Hex(), Amount: "800"}); err != nil {
		t.Fatalf("Borrow 800: %v", err)
	}

	wd, err := h.client.Withdraw(ctx, &server.WithdrawRequest{IdempotencyKey: "w-1", Amount: "1000"})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if wd.ShareBalance != "0" || wd.ActiveMarket != (common.Address{}).Hex() || wd.TotalShares != "0" {
		t.Errorf("withdraw receipt: %+v", wd)
	}
}

func TestDepositorGuards(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	alicec := h.as(t, alice)
	bobc := h.as(t, bob)

	if _, err := h.client.Deposit(alicec, &server.DepositRequest{Asset: usdt0.Hex(), Amount: "1000"}); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"zero deposit", func() error {
			_, err := h.client.Deposit(alicec, &server.DepositRequest{Asset: usdt0.Hex(), Amount: "0"})
			return err
		}, codes.InvalidArgument},
		{"malformed amount", func() error {
			_, err := h.client.Deposit(alicec, &server.DepositRequest{Asset: usdt0.Hex(), Amount: "12abc"})
			return err
		}, codes.InvalidArgument},
		{"unknown asset", func() error {
			_, err := h.client.Deposit(alicec, &server.DepositRequest{Asset: unknown.Hex(), Amount: "1"})
			return err
		}, codes.NotFound},
		{"second market", func() error {
			_, err := h.client.Deposit(alicec, &server.DepositRequest{Asset: whype.Hex(), Amount: "1"})
			return err
		}, codes.FailedPrecondition},
		{"withdraw beyond balance", func() error {
			_, err := h.client.Withdraw(alicec, &server.WithdrawRequest{Amount: "1001"})
			return err
		}, codes.FailedPrecondition},
		{"borrow without collateral", func() error {
			_, err := h.client.Borrow(bobc, &server.BorrowRequest{Asset: usdt0.Hex(), Amount: "1"})
			return err
		}, codes.FailedPrecondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantCode(t, tt.call(), tt.want)
		})
	}

	pos := h.engine.GetUserPosition(alice)
	if pos.ShareBalance.Uint64() != 1000 || pos.ActiveMarket != usdt0 {
		t.Errorf("rejections changed alice's position: %+v", pos)
	}
}

func TestBorrow_NoCollateralMessage(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.client.Borrow(h.as(t, bob), &server.BorrowRequest{Asset: usdt0.Hex(), Amount: "1"})
	if st, _ := status.FromError(err); st.Message() != "no collateral" {
		t.Errorf("message: got %q, want %q", st.Message(), "no collateral")
	}
}

func TestDeposit_ExternalFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.sim.FailNext("supply", errors.New("execution reverted"))

	_, err := h.client.Deposit(h.as(t, alice), &server.DepositRequest{Asset: usdt0.Hex(), Amount: "1000"})
	wantCode(t, err, codes.Aborted)
	if h.engine.GetSequence() != 0 || !h.engine.TotalShares().IsZero() {
		t.Error("failed external call left state behind")
	}
}

type downKeyStore struct{}

func (downKeyStore) Lookup(string, common.Address, string) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}

func TestDeposit_KeyStoreDownIsUnavailable(t *testing.T) {
	h := newHarness(t, harnessOpts{keyStore: downKeyStore{}})

	_, err := h.client.Deposit(h.as(t, alice), &server.DepositRequest{IdempotencyKey: "k1", Asset: usdt0.Hex(), Amount: "1000"})
	wantCode(t, err, codes.Unavailable)
	if len(h.sim.Calls()) != 0 || h.engine.GetSequence() != 0 {
		t.Error("deposit ran without an idempotency check")
	}
}

// ============================================================================
// Administration
// ============================================================================

func TestAdmin_ScopeAndOwner(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, err := h.client.Pause(h.as(t, alice), &server.PauseRequest{})
	wantCode(t, err, codes.PermissionDenied)

	// Admin scope on a non-owner subject is not enough.
	_, err = h.client.Pause(h.as(t, alice, server.AdminScope), &server.PauseRequest{})
	wantCode(t, err, codes.PermissionDenied)

	adminCtx := h.as(t, owner, server.AdminScope)
	if _, err := h.client.Pause(adminCtx, &server.PauseRequest{IdempotencyKey: "p-1"}); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	_, err = h.client.Deposit(h.as(t, alice), &server.DepositRequest{Asset: usdt0.Hex(), Amount: "1"})
	wantCode(t, err, codes.Unavailable)

	if _, err := h.client.Unpause(adminCtx, &server.PauseRequest{IdempotencyKey: "u-1"}); err != nil {
		t.Fatalf("Unpause: %v", err)
	}
	if _, err := h.client.Deposit(h.as(t, alice), &server.DepositRequest{Asset: usdt0.Hex(), Amount: "1"}); err != nil {
		t.Errorf("deposit after unpause: %v", err)
	}
}

func TestAdmin_SetMarketEnabled(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	adminCtx := h.as(t, owner, server.AdminScope)

	resp, err := h.client.SetMarketEnabled(adminCtx, &server.SetMarketEnabledRequest{Asset: whype.Hex(), Enabled: false})
	if err != nil {
		t.Fatalf("SetMarketEnabled: %v", err)
	}
	if resp.OpType != "SetMarketEnabled" || resp.Sequence != 1 || resp.Depositor != "" {
		t.Errorf("receipt: %+v", resp)
	}

	// WHYPE now reports inactive, so wstHYPE takes the tie.
	best, err := h.client.FindBestMarket(context.Background(), &server.FindBestMarketRequest{})
	if err != nil || best.Asset != wsthype.Hex() {
		t.Errorf("best after disable: %+v, %v", best, err)
	}

	_, err = h.client.Deposit(h.as(t, alice), &server.DepositRequest{Asset: whype.Hex(), Amount: "1"})
	wantCode(t, err, codes.FailedPrecondition)

	_, err = h.client.SetMarketEnabled(adminCtx, &server.SetMarketEnabledRequest{Asset: unknown.Hex()})
	wantCode(t, err, codes.NotFound)
}

func TestAdmin_LogAndSnapshot(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	adminCtx := h.as(t, owner, server.AdminScope)

	report, err := h.client.VerifyIntegrity(adminCtx, &server.VerifyIntegrityRequest{})
	if err != nil || !report.IsHealthy {
		t.Errorf("VerifyIntegrity: %+v, %v", report, err)
	}

	snap, err := h.client.TakeSnapshot(adminCtx, &server.TakeSnapshotRequest{})
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}
	if h.snapshots != 1 || snap.StateHash == "" {
		t.Errorf("snapshot: %+v (calls %d)", snap, h.snapshots)
	}
}

// ============================================================================
// History
// ============================================================================

func TestGetHistory(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	page, err := h.client.GetHistory(context.Background(), &server.GetHistoryRequest{Depositor: alice.Hex(), Limit: 5, BeforeSequence: 9})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].Sequence != 7 {
		t.Errorf("page: %+v", page)
	}
	if h.log.depositor != alice || h.log.limit != 5 || h.log.before != 9 {
		t.Errorf("log called with (%s, %d, %d)", h.log.depositor.Hex(), h.log.limit, h.log.before)
	}

	_, err = h.client.GetHistory(context.Background(), &server.GetHistoryRequest{Depositor: alice.Hex(), Limit: -1})
	wantCode(t, err, codes.InvalidArgument)
}

func TestGetHistory_NoDatabase(t *testing.T) {
	h := newHarness(t, harnessOpts{noLog: true})
	_, err := h.client.GetHistory(context.Background(), &server.GetHistoryRequest{Depositor: alice.Hex()})
	wantCode(t, err, codes.Unavailable)
}

// ============================================================================
// Rate limiting, health
// ============================================================================

func TestRateLimit_PerCaller(t *testing.T) {
	h := newHarness(t, harnessOpts{rateLimit: 1})
	aliceCtx := h.as(t, alice)
	bobCtx := h.as(t, bob)
	req := &server.GetUserPositionRequest{Depositor: alice.Hex()}

	if _, err := h.client.GetUserPosition(aliceCtx, req); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := h.client.GetUserPosition(aliceCtx, req)
	wantCode(t, err, codes.ResourceExhausted)

	// Public methods are keyed by peer. Depositor methods are keyed by
	// token subject, so bob starts with a full bucket.
	if _, err := h.client.Deposit(bobCtx, &server.DepositRequest{Asset: usdt0.Hex(), Amount: "1"}); err != nil {
		t.Errorf("bob's first call: %v", err)
	}

	if got := testutil.ToFloat64(h.metrics.RateLimited.WithLabelValues("GetUserPosition")); got != 1 {
		t.Errorf("rate limited metric: got %v, want 1", got)
	}
}

func TestRateLimiter_Buckets(t *testing.T) {
	rl := server.NewRateLimiter(60, 2, nil)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("a") {
		t.Error("third call should be limited")
	}
	if !rl.Allow("b") {
		t.Error("other caller should have its own bucket")
	}

	disabled := server.NewRateLimiter(0, 0, nil)
	if disabled != nil || !disabled.Allow("a") {
		t.Error("zero rate should disable limiting")
	}
}

func TestGRPCHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	resp, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: "autovault.v1.VaultService"})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status: %v", resp.GetStatus())
	}
}

// ============================================================================
// Authenticator
// ============================================================================

func TestAuthenticator_Verify(t *testing.T) {
	auth := server.NewAuthenticator(testSecret, testIssuer, owner)

	tok, _ := auth.Issue(owner.Hex(), []string{"read", server.AdminScope}, time.Hour)
	caller, err := auth.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if caller.Depositor != owner || !caller.Admin {
		t.Errorf("caller: %+v", caller)
	}

	expired, _ := auth.Issue(alice.Hex(), nil, -time.Minute)
	if _, err := auth.Verify(expired); err == nil {
		t.Error("expired token accepted")
	}

	notAddr, _ := auth.Issue("alice", nil, time.Hour)
	if _, err := auth.Verify(notAddr); err == nil {
		t.Error("non-address subject accepted")
	}

	otherIssuer := server.NewAuthenticator(testSecret, "someone-else", common.Address{})
	foreign, _ := otherIssuer.Issue(alice.Hex(), nil, time.Hour)
	if _, err := auth.Verify(foreign); err == nil {
		t.Error("token from another issuer accepted")
	}

	if server.NewAuthenticator("  ", "", common.Address{}) != nil {
		t.Error("empty secret should yield a nil authenticator")
	}
}

func TestAuthenticator_SignsQueuedCommands(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	var _ ingestion.CommandVerifier = h.auth
	d := ingestion.NewDispatcher(h.engine, zerolog.Nop()).WithVerifier(h.auth)

	bobToken, _ := h.auth.Issue(bob.Hex(), nil, time.Hour)
	aliceToken, _ := h.auth.Issue(alice.Hex(), nil, time.Hour)

	var acks, terms int
	command := func(key, token string) ingestion.RawMessage {
		data, _ := json.Marshal(map[string]string{
			"idempotency_key": key, "depositor": alice.Hex(), "asset": usdt0.Hex(), "amount": "100",
		})
		return ingestion.RawMessage{
			OpType:   event.OpTypeDeposit,
			Data:     data,
			Token:    token,
			AckFunc:  func() { acks++ },
			TermFunc: func() { terms++ },
		}
	}

	// bob cannot queue a deposit for alice
	d.Handle(context.Background(), command("q1", bobToken))
	if terms != 1 || acks != 0 {
		t.Fatalf("acks=%d terms=%d, want the foreign command terminated", acks, terms)
	}

	d.Handle(context.Background(), command("q2", aliceToken))
	if acks != 1 {
		t.Fatalf("acks=%d, want alice's command applied", acks)
	}
	if got := h.engine.GetUserPosition(alice).ShareBalance.Uint64(); got != 100 {
		t.Errorf("alice shares = %d, want 100", got)
	}

	if got, err := h.auth.VerifyDepositor(bobToken); err != nil || got != bob {
		t.Errorf("VerifyDepositor = %s, %v; want bob", got.Hex(), err)
	}
}

// ============================================================================
// HTTP gateway
// ============================================================================

func newGateway(t *testing.T, h *harness) http.Handler {
	t.Helper()
	health := observability.NewHealthChecker()
	health.SetReady(true)
	handler, err := server.NewHTTPHandler(h.conn, health)
	if err != nil {
		t.Fatalf("NewHTTPHandler: %v", err)
	}
	return handler
}

func doJSON(t *testing.T, handler http.Handler, method, path, body, token string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestGateway_Routes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	gw := newGateway(t, h)
	aliceTok := h.token(t, alice)

	var best server.FindBestMarketResponse
	if code := doJSON(t, gw, "GET", "/v1/markets/best", "", "", &best); code != http.StatusOK {
		t.Fatalf("GET best: %d", code)
	}
	if best.Asset != whype.Hex() {
		t.Errorf("best: %+v", best)
	}

	var md server.GetMarketDataResponse
	if code := doJSON(t, gw, "GET", "/v1/markets/"+usdt0.Hex(), "", "", &md); code != http.StatusOK || md.LTV != 80 {
		t.Errorf("GET market: %d %+v", code, md)
	}

	var apy server.GetSupplyAPYResponse
	if code := doJSON(t, gw, "GET", "/v1/markets/"+usdt0.Hex()+"/apy", "", "", &apy); code != http.StatusOK || apy.APY != 4 {
		t.Errorf("GET apy: %d %+v", code, apy)
	}

	var assets server.ListSupportedAssetsResponse
	if code := doJSON(t, gw, "GET", "/v1/assets", "", "", &assets); code != http.StatusOK || len(assets.Assets) != 3 {
		t.Errorf("GET assets: %d %+v", code, assets)
	}

	var dep server.OperationResponse
	body := `{"idempotency_key":"http-1","asset":"` + usdt0.Hex() + `","amount":"250"}`
	if code := doJSON(t, gw, "POST", "/v1/deposit", body, aliceTok, &dep); code != http.StatusOK {
		t.Fatalf("POST deposit: %d", code)
	}
	if dep.ShareBalance != "250" || dep.Depositor != alice.Hex() {
		t.Errorf("deposit: %+v", dep)
	}

	var pos server.GetUserPositionResponse
	if code := doJSON(t, gw, "GET", "/v1/positions/"+alice.Hex(), "", "", &pos); code != http.StatusOK || pos.ShareBalance != "250" {
		t.Errorf("GET position: %d %+v", code, pos)
	}

	var page query.HistoryPage
	if code := doJSON(t, gw, "GET", "/v1/positions/"+alice.Hex()+"/history?limit=3&before_sequence=4", "", "", &page); code != http.StatusOK {
		t.Errorf("GET history: %d", code)
	}
	if h.log.limit != 3 || h.log.before != 4 {
		t.Errorf("history params: limit=%d before=%d", h.log.limit, h.log.before)
	}
}

func TestGateway_Errors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	gw := newGateway(t, h)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		want   int
	}{
		{"no token", "POST", "/v1/deposit", `{"asset":"` + usdt0.Hex() + `","amount":"1"}`, "", http.StatusUnauthorized},
		{"bad address", "GET", "/v1/positions/0x12", "", "", http.StatusBadRequest},
		{"unknown market", "GET", "/v1/markets/" + unknown.Hex(), "", "", http.StatusNotFound},
		{"unknown field", "POST", "/v1/withdraw", `{"amount":"1","asset":"x"}`, h.token(t, alice), http.StatusBadRequest},
		{"bad limit", "GET", "/v1/positions/" + alice.Hex() + "/history?limit=ten", "", "", http.StatusBadRequest},
		{"admin without scope", "POST", "/v1/admin/pause", "", h.token(t, owner), http.StatusForbidden},
		{"insufficient shares", "POST", "/v1/withdraw", `{"amount":"1"}`, h.token(t, alice), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := doJSON(t, gw, tt.method, tt.path, tt.body, tt.token, nil); code != tt.want {
				t.Errorf("got %d, want %d", code, tt.want)
			}
		})
	}
}

func TestGateway_AdminToggle(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	gw := newGateway(t, h)
	adminTok := h.token(t, owner, server.AdminScope)

	var resp server.OperationResponse
	code := doJSON(t, gw, "POST", "/v1/admin/markets/"+usdt0.Hex()+"/enabled", `{"enabled":false}`, adminTok, &resp)
	if code != http.StatusOK {
		t.Fatalf("toggle: %d", code)
	}
	if enabled, _ := h.engine.Catalog().IsEnabled(usdt0); enabled {
		t.Error("USDT0 should be disabled")
	}
}

func TestGateway_Health(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	gw := newGateway(t, h)

	for _, path := range []string{"/healthz", "/readyz"} {
		if code := doJSON(t, gw, "GET", path, "", "", nil); code != http.StatusOK {
			t.Errorf("%s: %d", path, code)
		}
	}
}
