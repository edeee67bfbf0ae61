package risk

import "github.com/ducminhle1904/signal-risk-engine/internal/safety"

// Gate admits or denies new exposure. The circuit breaker implements it.
type Gate interface {
	Admit() safety.Admission
	ReleaseTrial()
}

// VolatilitySource reports recent realized volatility per token.
type VolatilitySource interface {
	Volatility(token string) float64
}

// SuccessSource reports the trailing win rate, NaN when there is no history.
type SuccessSource interface {
	SuccessRate() float64
}
