package market

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Asset identifies a fungible token accepted by the vault (its EVM token address).
type Asset = common.Address

// NoMarket is the sentinel "no asset" value: an empty position's active market
// and the result of FindBestMarket when nothing yields.
var NoMarket = Asset{}

// Listing is one catalog entry. Immutable once the catalog is built.
type Listing struct {
	Asset          Asset
	Symbol         string
	ExternalMarket common.Address // lending pool that holds this asset's reserve
}

// Catalog is the fixed, ordered list of supported assets (the Market Descriptor Store).
// The asset set never changes after construction; only the per-asset operator
// enabled flag can be toggled.
type Catalog struct {
	listings []Listing
	index    map[Asset]int

	mu      sync.RWMutex
	enabled []bool
}

// NewCatalog builds a catalog preserving the given registration order.
func NewCatalog(listings []Listing) (*Catalog, error) {
	if len(listings) == 0 {
		return nil, fmt.Errorf("catalog: at least one asset required")
	}

	c := &Catalog{
		listings: make([]Listing, len(listings)),
		index:    make(map[Asset]int, len(listings)),
		enabled:  make([]bool, len(listings)),
	}

	for i, l := range listings {
		if l.Asset == NoMarket {
			return nil, fmt.Errorf("catalog: entry %d (%s) has zero address", i, l.Symbol)
		}
		if _, dup := c.index[l.Asset]; dup {
			return nil, fmt.Errorf("catalog: duplicate asset %s", l.Asset.Hex())
		}
		c.listings[i] = l
		c.index[l.Asset] = i
		c.enabled[i] = true
	}

	return c, nil
}

// ListSupportedAssets returns the full catalog in registration order.
func (c *Catalog) ListSupportedAssets() []Asset {
	out := make([]Asset, len(c.listings))
	for i, l := range c.listings {
		out[i] = l.Asset
	}
	return out
}

// Listings returns a copy of all catalog entries in order.
func (c *Catalog) Listings() []Listing {
	out := make([]Listing, len(c.listings))
	copy(out, c.listings)
	return out
}

func (c *Catalog) IsSupported(asset Asset) bool {
	_, ok := c.index[asset]
	return ok
}

// Require returns ErrUnknownAsset if asset is outside the catalog.
func (c *Catalog) Require(asset Asset) error {
	if !c.IsSupported(asset) {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return nil
}

// Listing looks up a catalog entry.
func (c *Catalog) Listing(asset Asset) (Listing, error) {
	i, ok := c.index[asset]
	if !ok {
		return Listing{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	return c.listings[i], nil
}

// Symbol returns the configured ticker, or the hex address for unknown assets.
func (c *Catalog) Symbol(asset Asset) string {
	if i, ok := c.index[asset]; ok {
		return c.listings[i].Symbol
	}
	return asset.Hex()
}

// Len returns the catalog size.
func (c *Catalog) Len() int {
	return len(c.listings)
}

// IsEnabled reports the operator flag for asset.
func (c *Catalog) IsEnabled(asset Asset) (bool, error) {
	i, ok := c.index[asset]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled[i], nil
}

// SetEnabled toggles the operator flag. A disabled asset stays in the
// catalog but reports inactive.
func (c *Catalog) SetEnabled(asset Asset, enabled bool) error {
	i, ok := c.index[asset]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	c.mu.Lock()
	c.enabled[i] = enabled
	c.mu.Unlock()
	return nil
}

// EnabledFlags returns a copy of the operator flags in catalog order (for snapshots).
func (c *Catalog) EnabledFlags() map[Asset]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Asset]bool, len(c.listings))
	for i, l := range c.listings {
		out[l.Asset] = c.enabled[i]
	}
	return out
}

// --- Configuration ---

// HyperEVM mainnet addresses used when no catalog file is configured.
const (
	HyperLendPool         = "0x00A89d7a5A02160f20150EbEA7a2b5E4879A1A8b"
	HyperLendDataProvider = "0x5481bf8d3946E6A3168640c1D7523eB59F055a29"
)

// DefaultListings returns the built-in catalog: USDT0, WHYPE, wstHYPE.
func DefaultListings(pool common.Address) []Listing {
	return []Listing{
		{Asset: common.HexToAddress("0xB8CE59FC3717ada4C02eaDF9682A9e934F625ebb"), Symbol: "USDT0", ExternalMarket: pool},
		{Asset: common.HexToAddress("0x5555555555555555555555555555555555555555"), Symbol: "WHYPE", ExternalMarket: pool},
		{Asset: common.HexToAddress("0x94e8396e0869c9F2200760aF0621aFd240E1CF38"), Symbol: "wstHYPE", ExternalMarket: pool},
	}
}

// CatalogFile is the YAML layout of a catalog file:
//
//	assets:
//	  - symbol: USDT0
//	    address: "0xB8CE59FC3717ada4C02eaDF9682A9e934F625ebb"
//	  - symbol: WHYPE
//	    address: "0x5555555555555555555555555555555555555555"
//	    market: "0x..."     # optional, defaults to the vault's pool
//	    enabled: false      # optional, defaults to true
type CatalogFile struct {
	Assets []CatalogFileEntry `yaml:"assets"`
}

type CatalogFileEntry struct {
	Symbol  string `yaml:"symbol"`
	Address string `yaml:"address"`
	Market  string `yaml:"market"`
	Enabled *bool  `yaml:"enabled"`
}

// LoadCatalogFile reads a YAML catalog. Entries without a market use defaultMarket.
func LoadCatalogFile(path string, defaultMarket common.Address) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer file.Close()

	var cf CatalogFile
	if err := yaml.NewDecoder(file).Decode(&cf); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return cf.Build(defaultMarket)
}

// Build validates the file entries and constructs the catalog.
func (cf CatalogFile) Build(defaultMarket common.Address) (*Catalog, error) {
	listings := make([]Listing, 0, len(cf.Assets))
	for i, e := range cf.Assets {
		addr := strings.TrimSpace(e.Address)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("catalog: entry %d (%s): invalid address %q", i, e.Symbol, e.Address)
		}
		mkt := defaultMarket
		if m := strings.TrimSpace(e.Market); m != "" {
			if !common.IsHexAddress(m) {
				return nil, fmt.Errorf("catalog: entry %d (%s): invalid market %q", i, e.Symbol, e.Market)
			}
			mkt = common.HexToAddress(m)
		}
		listings = append(listings, Listing{
			Asset:          common.HexToAddress(addr),
			Symbol:         strings.TrimSpace(e.Symbol),
			ExternalMarket: mkt,
		})
	}

	c, err := NewCatalog(listings)
	if err != nil {
		return nil, err
	}
	for _, e := range cf.Assets {
		if e.Enabled != nil && !*e.Enabled {
			_ = c.SetEnabled(common.HexToAddress(strings.TrimSpace(e.Address)), false)
		}
	}
	return c, nil
}
