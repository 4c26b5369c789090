package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/interest-protocol/interest-borrow/native/market"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	ListenAddress string    `toml:"ListenAddress"`
	DataDir       string    `toml:"DataDir"`
	Environment   string    `toml:"Environment"`
	ModuleAddress string    `toml:"ModuleAddress"`
	RateLimit     RateLimit `toml:"RateLimit"`
	Oracle        Oracle    `toml:"Oracle"`
	Markets       []Market  `toml:"Markets"`
}

// RateLimit bounds request rates per client on the HTTP surface.
type RateLimit struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// Oracle configures the price feed aggregation.
type Oracle struct {
	MaxAgeSeconds uint64   `toml:"MaxAgeSeconds"`
	Priority      []string `toml:"Priority"`
}

// Market declares one lending market the daemon serves.
type Market struct {
	ID                    string `toml:"ID"`
	Kind                  string `toml:"Kind"`
	CollateralAsset       string `toml:"CollateralAsset"`
	CollateralDecimals    uint8  `toml:"CollateralDecimals"`
	DebtAsset             string `toml:"DebtAsset"`
	RewardAsset           string `toml:"RewardAsset"`
	StakingPool           string `toml:"StakingPool"`
	InterestRatePerSecond string `toml:"InterestRatePerSecond"`
	MaxLTVBps             uint64 `toml:"MaxLTVBps"`
	LiquidationFeeBps     uint64 `toml:"LiquidationFeeBps"`
	ProtocolShareBps      uint64 `toml:"ProtocolShareBps"`
	MaxBorrowAmount       string `toml:"MaxBorrowAmount"`
	Treasury              string `toml:"Treasury"`
}

// Load reads the configuration at the supplied path, creating a default
// file when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./borrow-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 25
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 50
	}
	if c.Oracle.MaxAgeSeconds == 0 {
		c.Oracle.MaxAgeSeconds = 60
	}
	if c.Oracle.Priority == nil {
		c.Oracle.Priority = []string{}
	}
}

// Validate rejects configurations the engine would refuse at init time so
// operators see every problem before the daemon binds its listener.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ModuleAddress) != "" {
		if _, err := ParseAddress(c.ModuleAddress); err != nil {
			return fmt.Errorf("config: module address: %w", err)
		}
	}
	seen := make(map[string]bool, len(c.Markets))
	for i := range c.Markets {
		m := &c.Markets[i]
		id := strings.TrimSpace(m.ID)
		if id == "" {
			return fmt.Errorf("config: market %d: ID required", i)
		}
		if seen[id] {
			return fmt.Errorf("config: market %s declared twice", id)
		}
		seen[id] = true
		if _, err := parseKind(m.Kind); err != nil {
			return fmt.Errorf("config: market %s: %w", id, err)
		}
		if strings.TrimSpace(m.CollateralAsset) == "" || strings.TrimSpace(m.DebtAsset) == "" {
			return fmt.Errorf("config: market %s: collateral and debt assets required", id)
		}
		if m.MaxLTVBps == 0 || m.MaxLTVBps > 9_000 {
			return fmt.Errorf("config: market %s: MaxLTVBps %d outside (0, 9000]", id, m.MaxLTVBps)
		}
		if m.LiquidationFeeBps > 2_000 {
			return fmt.Errorf("config: market %s: LiquidationFeeBps %d above 2000", id, m.LiquidationFeeBps)
		}
		if m.ProtocolShareBps > 10_000 {
			return fmt.Errorf("config: market %s: ProtocolShareBps %d above 10000", id, m.ProtocolShareBps)
		}
		if _, err := parseAmount(m.InterestRatePerSecond); err != nil {
			return fmt.Errorf("config: market %s: InterestRatePerSecond: %w", id, err)
		}
		if _, err := parseAmount(m.MaxBorrowAmount); err != nil {
			return fmt.Errorf("config: market %s: MaxBorrowAmount: %w", id, err)
		}
		if strings.TrimSpace(m.Treasury) != "" {
			if _, err := ParseAddress(m.Treasury); err != nil {
				return fmt.Errorf("config: market %s: treasury: %w", id, err)
			}
		}
	}
	return nil
}

// ToMarket converts a market declaration into the engine's record shape.
func (m Market) ToMarket() (*market.Market, error) {
	kind, err := parseKind(m.Kind)
	if err != nil {
		return nil, err
	}
	rate, err := parseAmount(m.InterestRatePerSecond)
	if err != nil {
		return nil, err
	}
	maxBorrow, err := parseAmount(m.MaxBorrowAmount)
	if err != nil {
		return nil, err
	}
	out := &market.Market{
		ID:                    strings.TrimSpace(m.ID),
		Kind:                  kind,
		CollateralAsset:       strings.ToUpper(strings.TrimSpace(m.CollateralAsset)),
		CollateralDecimals:    m.CollateralDecimals,
		DebtAsset:             strings.ToUpper(strings.TrimSpace(m.DebtAsset)),
		RewardAsset:           strings.ToUpper(strings.TrimSpace(m.RewardAsset)),
		StakingPool:           strings.TrimSpace(m.StakingPool),
		InterestRatePerSecond: rate,
		MaxLTVBps:             m.MaxLTVBps,
		LiquidationFeeBps:     m.LiquidationFeeBps,
		ProtocolShareBps:      m.ProtocolShareBps,
		MaxBorrowAmount:       maxBorrow,
	}
	if strings.TrimSpace(m.Treasury) != "" {
		treasury, err := ParseAddress(m.Treasury)
		if err != nil {
			return nil, err
		}
		out.Treasury = treasury
	}
	out.EnsureDefaults()
	return out, nil
}

func parseKind(raw string) (market.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "collateral", "":
		return market.KindCollateral, nil
	case "native":
		return market.KindNative, nil
	case "staked":
		return market.KindStaked, nil
	case "synthetic":
		return market.KindSynthetic, nil
	}
	return 0, fmt.Errorf("unknown market kind %q", raw)
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

// ParseAddress decodes a 0x-prefixed 20-byte hex address.
func ParseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q", raw)
	}
	if len(decoded) != len(addr) {
		return addr, fmt.Errorf("address %q must be 20 bytes", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8080",
		DataDir:       "./borrow-data",
		Environment:   "local",
		RateLimit:     RateLimit{RequestsPerSecond: 25, Burst: 50},
		Oracle:        Oracle{MaxAgeSeconds: 60, Priority: []string{"manual"}},
		Markets: []Market{{
			ID:                 "btc-iusd",
			Kind:               "collateral",
			CollateralAsset:    "BTC",
			CollateralDecimals: 18,
			DebtAsset:          "IUSD",
			MaxLTVBps:          5_000,
			LiquidationFeeBps:  1_000,
			ProtocolShareBps:   1_000,
		}},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
