package oracle

import (
	"fmt"
	"math/big"
)

var wadScale = big.NewInt(1_000_000_000_000_000_000)

// Source adapts a PriceOracle into the fixed-point quote shape the market
// engine consumes: USD per whole unit, scaled to 18 decimals, truncated.
type Source struct {
	oracle PriceOracle
}

// NewSource wraps the supplied oracle.
func NewSource(oracle PriceOracle) *Source {
	return &Source{oracle: oracle}
}

// QuoteUSD resolves the asset's USD price as an 18-decimal integer.
func (s *Source) QuoteUSD(asset string) (*big.Int, error) {
	if s == nil || s.oracle == nil {
		return nil, fmt.Errorf("oracle source not configured")
	}
	quote, err := s.oracle.GetPrice(asset)
	if err != nil {
		return nil, err
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("oracle source: invalid price for %s", asset)
	}
	scaled := new(big.Rat).Mul(quote.Rate, new(big.Rat).SetInt(wadScale))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom()), nil
}
