package safety

import "github.com/ducminhle1904/signal-risk-engine/internal/config"

// BreakerConfigFrom maps engine configuration onto the circuit breaker.
func BreakerConfigFrom(cfg *config.Config) CircuitBreakerConfig {
	r := cfg.Risk
	return CircuitBreakerConfig{
		MaxDailyLoss:              r.MaxDailyLoss,
		FailureThreshold:          r.MaxConsecutiveFailures,
		SuccessThreshold:          r.HalfOpenSuccessThreshold,
		HalfOpenMaxTrials:         r.HalfOpenMaxTrials,
		DailyResetReopensAutoTrip: r.DailyResetReopensAutoTrip,
		ResetTokenHash:            r.ResetTokenHash,
		Location:                  r.Location(),
	}
}

// ValidatorConfigFrom maps engine configuration onto the signal validator.
func ValidatorConfigFrom(cfg *config.Config) ValidatorConfig {
	return ValidatorConfig{
		MaxAge:          cfg.Signals.MaxAge,
		MaxClockSkew:    cfg.Signals.MaxClockSkew,
		AllowZeroVolume: cfg.Signals.AllowZeroVolume,
	}
}
