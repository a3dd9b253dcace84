package server

// Messages of autovault.v1.VaultService. Addresses are 0x-prefixed hex,
// amounts and share balances are base-10 strings in the asset's smallest unit.

type AssetInfo struct {
	Asset          string `json:"asset"`
	Symbol         string `json:"symbol"`
	ExternalMarket string `json:"external_market"`
	Enabled        bool   `json:"enabled"`
}

type ListSupportedAssetsRequest struct{}

type ListSupportedAssetsResponse struct {
	Assets []AssetInfo `json:"assets"`
}

type FindBestMarketRequest struct{}

type FindBestMarketResponse struct {
	// Found is false when no market yields; Asset is then the zero address.
	Found  bool   `json:"found"`
	Asset  string `json:"asset"`
	Symbol string `json:"symbol,omitempty"`
	APY    uint64 `json:"apy"`
}

type DisplayMarketsRequest struct{}

// DisplayMarketsResponse holds parallel slices in catalog order.
type DisplayMarketsResponse struct {
	Assets  []string `json:"assets"`
	Symbols []string `json:"symbols"`
	APYs    []uint64 `json:"apys"`
	LTVs    []uint64 `json:"ltvs"`
}

type GetMarketDataRequest struct {
	Asset string `json:"asset"`
}

type GetMarketDataResponse struct {
	Asset          string `json:"asset"`
	Symbol         string `json:"symbol"`
	ExternalMarket string `json:"external_market"`
	SupplyAPY      uint64 `json:"supply_apy"`
	LTV            uint64 `json:"ltv"`
	IsActive       bool   `json:"is_active"`
}

type GetSupplyAPYRequest struct {
	Asset string `json:"asset"`
}

type GetSupplyAPYResponse struct {
	Asset string `json:"asset"`
	APY   uint64 `json:"apy"`
}

type GetUserPositionRequest struct {
	Depositor string `json:"depositor"`
}

type GetUserPositionResponse struct {
	Depositor    string `json:"depositor"`
	ShareBalance string `json:"share_balance"`
	ActiveMarket string `json:"active_market"`
	Empty        bool   `json:"empty"`
	TotalShares  string `json:"total_shares"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type GetBorrowLimitRequest struct {
	Depositor string `json:"depositor"`
}

type GetBorrowLimitResponse struct {
	Depositor        string `json:"depositor"`
	Limit            string `json:"limit"`
	LTV              uint64 `json:"ltv"`
	CollateralMarket string `json:"collateral_market"`
}

// The depositor of Deposit, Withdraw and Borrow is the authenticated caller.

type DepositRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
}

type WithdrawRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Amount         string `json:"amount"`
}

type BorrowRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Asset          string `json:"asset"`
	Amount         string `json:"amount"`
}

// OperationResponse is the receipt of every mutating call.
type OperationResponse struct {
	Sequence     int64  `json:"sequence"`
	OpType       string `json:"op_type"`
	Depositor    string `json:"depositor,omitempty"`
	Asset        string `json:"asset,omitempty"`
	Amount       string `json:"amount,omitempty"`
	TxHash       string `json:"tx_hash,omitempty"`
	ShareBalance string `json:"share_balance,omitempty"`
	ActiveMarket string `json:"active_market,omitempty"`
	TotalShares  string `json:"total_shares"`
	StateHash    string `json:"state_hash"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

type GetHistoryRequest struct {
	Depositor      string `json:"depositor"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence int64  `json:"before_sequence,omitempty"`
}

// --- Admin ---

type SetMarketEnabledRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	Asset          string `json:"asset"`
	Enabled        bool   `json:"enabled"`
}

type PauseRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type VerifyIntegrityRequest struct{}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
}
