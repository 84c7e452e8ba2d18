// Package backoff provides retry-delay strategies.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes how long to wait before a given retry attempt.
type Strategy interface {
	Backoff(attempt int) time.Duration
}

// StrategyFunc adapts a function to a Strategy.
type StrategyFunc func(attempt int) time.Duration

// Backoff implements Strategy.
func (t StrategyFunc) Backoff(attempt int) time.Duration {
	return t(attempt)
}

// Constant always returns d regardless of the attempt.
func Constant(d time.Duration) Strategy {
	return StrategyFunc(func(attempt int) time.Duration {
		return d
	})
}

// Option consumes a strategy and returns a new strategy.
type Option func(Strategy) Strategy

// Jitter adds up to multiplier*delay of additional random delay.
func Jitter(multiplier float64) Option {
	return func(s Strategy) Strategy {
		return StrategyFunc(func(attempt int) time.Duration {
			x := s.Backoff(attempt)
			d := int64(float64(x) * multiplier)
			if d <= 0 {
				return x
			}

			return x + time.Duration(rand.Int63n(d))
		})
	}
}

// New builds a Strategy from a base and options.
func New(s Strategy, options ...Option) Strategy {
	for _, opt := range options {
		s = opt(s)
	}

	return s
}
