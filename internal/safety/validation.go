package safety

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ducminhle1904/signal-risk-engine/internal/errors"
	"github.com/ducminhle1904/signal-risk-engine/pkg/types"
)

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	Valid   bool
	Message string
	Code    string
}

func invalid(code, format string, args ...interface{}) ValidationResult {
	return ValidationResult{Valid: false, Message: fmt.Sprintf(format, args...), Code: code}
}

var valid = ValidationResult{Valid: true}

// ValidatorConfig holds signal acceptance rules.
type ValidatorConfig struct {
	MaxAge          time.Duration // Older signals are stale
	MaxClockSkew    time.Duration // Tolerated future timestamps
	AllowZeroVolume bool
	Clock           func() time.Time
}

// Validator normalizes raw signals and rejects malformed ones. It has no side
// effects beyond logging.
type Validator struct {
	config ValidatorConfig
	log    zerolog.Logger
}

// NewValidator creates a new validator instance
func NewValidator(config ValidatorConfig, log zerolog.Logger) *Validator {
	if config.MaxAge <= 0 {
		config.MaxAge = time.Hour
	}
	if config.MaxClockSkew < 0 {
		config.MaxClockSkew = 0
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Validator{config: config, log: log}
}

// ValidateSignal returns a validated, immutable Signal or a VALIDATION error.
func (v *Validator) ValidateSignal(raw types.RawSignal) (types.Signal, error) {
	token := strings.ToUpper(strings.TrimSpace(raw.Token))
	source := strings.TrimSpace(raw.Source)

	checks := []func() ValidationResult{
		func() ValidationResult { return v.ValidateToken(token) },
		func() ValidationResult { return v.ValidateStringNotEmpty(source, "source") },
		func() ValidationResult { return v.ValidatePrice(raw.Price, token) },
		func() ValidationResult { return v.ValidateVolume(raw.Volume, token) },
		func() ValidationResult { return v.ValidateTimestamp(raw.Timestamp) },
	}
	for _, check := range checks {
		if res := check(); !res.Valid {
			return types.Signal{}, v.reject(raw, res)
		}
	}

	confidence, err := types.ParseConfidence(raw.Confidence)
	if err != nil {
		return types.Signal{}, v.reject(raw, invalid("CONFIDENCE_UNKNOWN", "%v", err))
	}

	side, res := v.ValidateSide(raw.Side, raw.Metadata)
	if !res.Valid {
		return types.Signal{}, v.reject(raw, res)
	}

	var metadata map[string]string
	if len(raw.Metadata) > 0 {
		metadata = make(map[string]string, len(raw.Metadata))
		for k, val := range raw.Metadata {
			metadata[k] = val
		}
	}

	return types.Signal{
		ID:         uuid.NewString(),
		Token:      token,
		Source:     source,
		Confidence: confidence,
		Side:       side,
		Price:      raw.Price,
		Volume:     raw.Volume,
		Timestamp:  raw.Timestamp,
		Metadata:   metadata,
	}, nil
}

func (v *Validator) reject(raw types.RawSignal, res ValidationResult) error {
	v.log.Info().
		Str("token", raw.Token).
		Str("source", raw.Source).
		Str("code", res.Code).
		Msg(res.Message)
	return errors.NewValidationError("validator", res.Code, res.Message)
}

// ValidateToken checks the token identifier: a ticker or a mint address.
func (v *Validator) ValidateToken(token string) ValidationResult {
	if token == "" {
		return invalid("TOKEN_EMPTY", "token cannot be empty")
	}
	if len(token) > 64 {
		return invalid("TOKEN_TOO_LONG", "token '%s' too long: maximum 64 characters allowed", token)
	}
	for _, char := range token {
		if !((char >= 'A' && char <= 'Z') || (char >= 'a' && char <= 'z') || (char >= '0' && char <= '9') ||
			char == '-' || char == '_' || char == '/' || char == '.') {
			return invalid("TOKEN_INVALID_CHARS", "token '%s' contains invalid characters", token)
		}
	}
	return valid
}

// ValidatePrice validates a signal price
func (v *Validator) ValidatePrice(price float64, token string) ValidationResult {
	if math.IsNaN(price) {
		return invalid("INVALID_PRICE_NAN", "invalid price for %s: price is NaN", token)
	}
	if math.IsInf(price, 0) {
		return invalid("INVALID_PRICE_INF", "invalid price for %s: price is infinite", token)
	}
	if price <= 0 {
		return invalid("INVALID_PRICE_NEGATIVE", "invalid price %.8f for %s: price must be positive", price, token)
	}
	if price > 1e10 {
		return invalid("PRICE_OUT_OF_BOUNDS", "suspicious price %.8f for %s: exceeds reasonable bounds", price, token)
	}
	if price < 1e-12 {
		return invalid("PRICE_TOO_SMALL", "suspicious price %.14f for %s: below reasonable bounds", price, token)
	}
	return valid
}

// ValidateVolume rejects negative and non-finite volume, and zero volume
// unless explicitly allowed.
func (v *Validator) ValidateVolume(volume float64, token string) ValidationResult {
	if math.IsNaN(volume) || math.IsInf(volume, 0) {
		return invalid("INVALID_VOLUME_NAN", "invalid volume for %s: volume is not finite", token)
	}
	if volume < 0 {
		return invalid("INVALID_VOLUME_NEGATIVE", "invalid volume %.8f for %s: volume must not be negative", volume, token)
	}
	if volume == 0 && !v.config.AllowZeroVolume {
		return invalid("INVALID_VOLUME_ZERO", "invalid volume for %s: volume must be positive", token)
	}
	return valid
}

// ValidateTimestamp rejects stale signals and signals from the future.
func (v *Validator) ValidateTimestamp(timestamp time.Time) ValidationResult {
	if timestamp.IsZero() {
		return invalid("TIMESTAMP_MISSING", "signal timestamp is required")
	}
	now := v.config.Clock()
	if age := now.Sub(timestamp); age > v.config.MaxAge {
		return invalid("TIMESTAMP_STALE", "signal is %s old, maximum age is %s", age.Round(time.Second), v.config.MaxAge)
	}
	if ahead := timestamp.Sub(now); ahead > v.config.MaxClockSkew {
		return invalid("TIMESTAMP_FUTURE", "signal timestamp is %s in the future", ahead.Round(time.Second))
	}
	return valid
}

// ValidateSide resolves the position side from the explicit field or the
// "side" metadata key. Missing means long.
func (v *Validator) ValidateSide(side string, metadata map[string]string) (types.Side, ValidationResult) {
	if side == "" && metadata != nil {
		side = metadata["side"]
	}
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case "", "LONG", "BUY":
		return types.SideLong, valid
	case "SHORT", "SELL":
		return types.SideShort, valid
	default:
		return "", invalid("SIDE_UNKNOWN", "unknown side %q", side)
	}
}

// ValidateStringNotEmpty validates that a required string field is set
func (v *Validator) ValidateStringNotEmpty(value, fieldName string) ValidationResult {
	if strings.TrimSpace(value) == "" {
		return invalid(strings.ToUpper(fieldName)+"_EMPTY", "%s cannot be empty", fieldName)
	}
	return valid
}
