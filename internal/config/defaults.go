package config

import "time"

// Default returns the configuration used for a small paper-trading account.
func Default() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		LogDir:      "logs",

		Risk: RiskConfig{
			MaxDailyLoss:             15.0,
			DailyLossWarning:         7.5,
			MaxConsecutiveFailures:   5,
			HalfOpenSuccessThreshold: 3,
			HalfOpenMaxTrials:        1,
			DayBoundaryTimezone:      "UTC",
			VolatilityThreshold:      0.15,
			CalmVolatility:           0.05,
			DefaultVolatility:        0.05,
			LiquidationBuffer:        0.02,
			MinLiquidationDistance:   0.03, // caps entry leverage at 31, above the EXTREME tier
			MaxPositionDuration:      24 * time.Hour,
			StopLossPercent:          0.10,
			TrailingStop:             false,
			TrailingDistance:         0.05,
			TakeProfitPercent:        0.20,
			PartialTakeProfit:        true,
			PartialPercent:           0.50,
			PartialLevel:             0.15,
			SuccessWindow:            20,
		},

		Trading: TradingConfig{
			InitialBalance: 50.0,
			MinLeverage:    2,
			MaxLeverage:    50,
			TierLeverage: TierLeverage{
				Low:     5,
				Medium:  10,
				High:    20,
				Extreme: 30,
			},
			ConfidenceFactors: map[string]float64{
				"LOW":     0.75,
				"MEDIUM":  1.0,
				"HIGH":    1.25,
				"EXTREME": 1.5,
			},
			Phases: []Phase{
				{Name: "seed", MaxBalance: 250, Fraction: 0.20},
				{Name: "growth", MaxBalance: 2500, Fraction: 0.15},
				{Name: "mature", MaxBalance: 0, Fraction: 0.10},
			},
			MaxPositionFraction:    0.50,
			MinPositionSize:        5.0,
			MaxConcurrentPositions: 3,
			ExecutionTimeout:       30 * time.Second,
			MonitorInterval:        5 * time.Second,
			OrderTTL:               30 * time.Second,
			PaperTrading:           true,
		},

		Cache: CacheConfig{
			TTL:                 60 * time.Second,
			MaxEntries:          10000,
			SweepInterval:       30 * time.Second,
			PriceBucketDecimals: 3,
		},

		Signals: SignalConfig{
			MaxAge:         time.Hour,
			MaxClockSkew:   30 * time.Second,
			PerSourceRate:  10,
			PerSourceBurst: 20,
		},

		Storage: StorageConfig{
			StateDir:       "state",
			RetryAttempts:  3,
			RetryBaseDelay: 200 * time.Millisecond,
			QueueSize:      1024,
		},

		API: APIConfig{
			ListenAddr: ":8090",
		},

		Notifications: NotificationsConfig{
			MinLevel:   "warning",
			RateLimit:  2 * time.Second,
			BufferSize: 256,
		},
	}
}
