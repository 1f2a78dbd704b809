package backoff

import "time"

// Calculator binds a Strategy to a fixed set of Params.
type Calculator struct {
	strategy Strategy
	params   Params
}

// NewCalculator returns a calculator. A nil strategy falls back to
// ExponentialJitterStrategy.
func NewCalculator(strategy Strategy, params Params) *Calculator {
	if strategy == nil {
		strategy = ExponentialJitterStrategy{}
	}
	return &Calculator{strategy: strategy, params: params}
}

// Next returns the delay before retry number attempt.
func (c *Calculator) Next(attempt int) time.Duration {
	return c.strategy.Delay(attempt, c.params)
}

// Strategy returns the configured strategy.
func (c *Calculator) Strategy() Strategy {
	return c.strategy
}

// Params returns the configured parameters.
func (c *Calculator) Params() Params {
	return c.params
}
