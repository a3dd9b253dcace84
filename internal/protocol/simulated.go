package protocol

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// SimMarket is one reserve in the simulated book.
type SimMarket struct {
	APY    uint64
	LTV    uint64
	Active bool
}

// SimCustodian is the account the simulated book credits with every supplied
// position, standing in for the operator key of a live deployment.
var SimCustodian = common.HexToAddress("0x000000000000000000000000000000000000a17a")

// Call records one write made against the simulated protocol.
type Call struct {
	Kind    string // supply | withdraw | borrow
	Asset   common.Address
	Amount  *uint256.Int
	Account common.Address // supply source, or withdraw/borrow recipient
	TxHash  common.Hash
}

type ledgerBook map[common.Address]map[common.Address]*uint256.Int

func (b ledgerBook) get(asset, account common.Address) *uint256.Int {
	if v, ok := b[asset][account]; ok {
		return v.Clone()
	}
	return new(uint256.Int)
}

func (b ledgerBook) add(asset, account common.Address, amount *uint256.Int) {
	byAccount, ok := b[asset]
	if !ok {
		byAccount = make(map[common.Address]*uint256.Int)
		b[asset] = byAccount
	}
	bal, ok := byAccount[account]
	if !ok {
		bal = new(uint256.Int)
		byAccount[account] = bal
	}
	bal.Add(bal, amount)
}

// sub reports false and leaves the book untouched when the balance is short.
func (b ledgerBook) sub(asset, account common.Address, amount *uint256.Int) bool {
	bal, ok := b[asset][account]
	if !ok || bal.Lt(amount) {
		return amount.IsZero()
	}
	bal.Sub(bal, amount)
	return true
}

// Simulated is an in-memory lending book. It backs AUTOVAULT_PROTOCOL=sim and
// the package tests of every consumer. Token wallets and pool positions are
// tracked per account: supplies move tokens from the depositor's wallet into
// SimCustodian's position, withdrawals and borrows pay the recipient's
// wallet. With the faucet on (the default) a wallet short of a supply is
// topped up first. Safe for concurrent use.
type Simulated struct {
	mu        sync.Mutex
	markets   map[common.Address]*SimMarket
	wallets   ledgerBook
	positions ledgerBook
	debt      ledgerBook
	faucet    bool
	calls     []Call
	failures  map[string]error
	nonce     uint64
}

func NewSimulated() *Simulated {
	return &Simulated{
		markets:   make(map[common.Address]*SimMarket),
		wallets:   make(ledgerBook),
		positions: make(ledgerBook),
		debt:      make(ledgerBook),
		faucet:    true,
		failures:  make(map[string]error),
	}
}

// SetMarket lists or updates a reserve.
func (s *Simulated) SetMarket(asset common.Address, apy, ltv uint64, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[asset] = &SimMarket{APY: apy, LTV: ltv, Active: active}
}

// SetFaucet toggles topping up wallets that are short of a supply. With the
// faucet off a short wallet makes the supply revert.
func (s *Simulated) SetFaucet(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faucet = on
}

// Fund credits account's token wallet.
func (s *Simulated) Fund(account, asset common.Address, amount *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets.add(asset, account, amount)
}

// FailNext makes the next call of the given kind return err. Kinds are
// supply, withdraw, borrow, apy, ltv, active.
func (s *Simulated) FailNext(kind string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[kind] = err
}

// Calls returns a copy of every successful write in order.
func (s *Simulated) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Supplied returns the custodian's position in asset.
func (s *Simulated) Supplied(asset common.Address) *uint256.Int {
	return s.PositionOf(SimCustodian, asset)
}

// PositionOf returns the pool position (aToken balance) held by account.
func (s *Simulated) PositionOf(account, asset common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions.get(asset, account)
}

// WalletOf returns account's token wallet balance.
func (s *Simulated) WalletOf(account, asset common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets.get(asset, account)
}

// DebtOf returns the variable debt owed by account.
func (s *Simulated) DebtOf(account, asset common.Address) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debt.get(asset, account)
}

func (s *Simulated) takeFailure(kind string) error {
	if err, ok := s.failures[kind]; ok {
		delete(s.failures, kind)
		return err
	}
	return nil
}

func (s *Simulated) market(asset common.Address) (*SimMarket, error) {
	m, ok := s.markets[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, asset.Hex())
	}
	return m, nil
}

func (s *Simulated) record(kind string, asset common.Address, amount *uint256.Int, account common.Address) common.Hash {
	s.nonce++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.nonce)
	hash := crypto.Keccak256Hash([]byte(kind), asset.Bytes(), amount.Bytes(), account.Bytes(), buf[:])
	s.calls = append(s.calls, Call{Kind: kind, Asset: asset, Amount: amount.Clone(), Account: account, TxHash: hash})
	return hash
}

func (s *Simulated) Supply(ctx context.Context, asset common.Address, amount *uint256.Int, from common.Address) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("supply"); err != nil {
		return common.Hash{}, err
	}
	m, err := s.market(asset)
	if err != nil {
		return common.Hash{}, err
	}
	if !m.Active {
		return common.Hash{}, fmt.Errorf("%w: reserve %s inactive", ErrTxReverted, asset.Hex())
	}
	if held := s.wallets.get(asset, from); held.Lt(amount) {
		if !s.faucet {
			return common.Hash{}, fmt.Errorf("%w: %s holds %s, transfer needs %s",
				ErrTxReverted, from.Hex(), held.Dec(), amount.Dec())
		}
		s.wallets.add(asset, from, new(uint256.Int).Sub(amount, held))
	}
	s.wallets.sub(asset, from, amount)
	s.positions.add(asset, SimCustodian, amount)
	return s.record("supply", asset, amount, from), nil
}

func (s *Simulated) Withdraw(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("withdraw"); err != nil {
		return common.Hash{}, err
	}
	if _, err := s.market(asset); err != nil {
		return common.Hash{}, err
	}
	if !s.positions.sub(asset, SimCustodian, amount) {
		return common.Hash{}, fmt.Errorf("%w: insufficient position in %s", ErrTxReverted, asset.Hex())
	}
	s.wallets.add(asset, to, amount)
	return s.record("withdraw", asset, amount, to), nil
}

func (s *Simulated) Borrow(ctx context.Context, asset common.Address, amount *uint256.Int, to common.Address) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("borrow"); err != nil {
		return common.Hash{}, err
	}
	if _, err := s.market(asset); err != nil {
		return common.Hash{}, err
	}
	s.debt.add(asset, SimCustodian, amount)
	s.wallets.add(asset, to, amount)
	return s.record("borrow", asset, amount, to), nil
}

func (s *Simulated) GetSupplyAPY(ctx context.Context, asset common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("apy"); err != nil {
		return 0, err
	}
	m, err := s.market(asset)
	if err != nil {
		return 0, err
	}
	return m.APY, nil
}

func (s *Simulated) GetLTV(ctx context.Context, asset common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ltv"); err != nil {
		return 0, err
	}
	m, err := s.market(asset)
	if err != nil {
		return 0, err
	}
	return m.LTV, nil
}

func (s *Simulated) IsMarketActive(ctx context.Context, asset common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("active"); err != nil {
		return false, err
	}
	m, err := s.market(asset)
	if err != nil {
		return false, err
	}
	return m.Active, nil
}
