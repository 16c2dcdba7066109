package lending

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config captures the TOML risk configuration for the bank.
type Config struct {
	LiquidationThresholdBps uint64         `toml:"LiquidationThresholdBps"`
	LiquidationBonusBps     uint64         `toml:"LiquidationBonusBps"`
	MaxBorrowPerWindowWei   string         `toml:"MaxBorrowPerWindowWei"`
	RateLimitWindowSeconds  uint64         `toml:"RateLimitWindowSeconds"`
	MinHoldTimeSeconds      uint64         `toml:"MinHoldTimeSeconds"`
	StalenessPeriodSeconds  uint32         `toml:"StalenessPeriodSeconds"`
	TwapPeriodSeconds       uint32         `toml:"TwapPeriodSeconds"`
	MaxUtilizationBps       uint64         `toml:"MaxUtilizationBps"`
	DefaultCardinalityNext  uint16         `toml:"DefaultCardinalityNext"`
	ReserveFactorBps        uint64         `toml:"ReserveFactorBps"`
	Interest                InterestConfig `toml:"interest"`
}

// InterestConfig holds the kinked curve inputs as decimals.
type InterestConfig struct {
	BaseRate float64 `toml:"BaseRate"`
	Slope1   float64 `toml:"Slope1"`
	Slope2   float64 `toml:"Slope2"`
	Kink     float64 `toml:"Kink"`
}

// LoadConfig decodes a TOML file. Fields left unset fall back to the defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("bank config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes TOML from a string.
func ParseConfig(data string) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("bank config: decode: %w", err)
	}
	return cfg, nil
}

// Params merges the configuration over DefaultParams and validates the result.
func (c Config) Params() (Params, error) {
	p := DefaultParams()
	if c.LiquidationThresholdBps != 0 {
		p.LiquidationThresholdBps = c.LiquidationThresholdBps
	}
	if c.LiquidationBonusBps != 0 {
		p.LiquidationBonusBps = c.LiquidationBonusBps
	}
	if trimmed := strings.TrimSpace(c.MaxBorrowPerWindowWei); trimmed != "" {
		v, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			return Params{}, fmt.Errorf("bank config: invalid MaxBorrowPerWindowWei %q", c.MaxBorrowPerWindowWei)
		}
		p.MaxBorrowPerWindow = v
	}
	if c.RateLimitWindowSeconds != 0 {
		p.RateLimitWindow = c.RateLimitWindowSeconds
	}
	if c.MinHoldTimeSeconds != 0 {
		p.MinHoldTime = c.MinHoldTimeSeconds
	}
	if c.StalenessPeriodSeconds != 0 {
		p.StalenessPeriod = c.StalenessPeriodSeconds
	}
	if c.TwapPeriodSeconds != 0 {
		p.TwapPeriod = c.TwapPeriodSeconds
	}
	if c.MaxUtilizationBps != 0 {
		p.MaxUtilizationBps = c.MaxUtilizationBps
	}
	if c.DefaultCardinalityNext != 0 {
		p.DefaultCardinalityNext = c.DefaultCardinalityNext
	}
	if c.ReserveFactorBps != 0 {
		p.ReserveFactorBps = c.ReserveFactorBps
	}
	if err := p.Validate(); err != nil {
		return Params{}, err
	}
	return p, nil
}

// InterestModel returns the configured curve or DefaultInterestModel when the
// section is empty.
func (c Config) InterestModel() *InterestModel {
	i := c.Interest
	if i.BaseRate == 0 && i.Slope1 == 0 && i.Slope2 == 0 && i.Kink == 0 {
		return DefaultInterestModel.Clone()
	}
	return NewInterestModel(i.BaseRate, i.Slope1, i.Slope2, i.Kink)
}
