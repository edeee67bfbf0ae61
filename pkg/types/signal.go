package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Confidence is the ordered confidence tier attached to a signal.
type Confidence int

const (
	ConfidenceLow Confidence = iota + 1
	ConfidenceMedium
	ConfidenceHigh
	ConfidenceExtreme
)

var confidenceNames = map[Confidence]string{
	ConfidenceLow:     "LOW",
	ConfidenceMedium:  "MEDIUM",
	ConfidenceHigh:    "HIGH",
	ConfidenceExtreme: "EXTREME",
}

func (c Confidence) String() string {
	if name, ok := confidenceNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether c is one of the recognized tiers.
func (c Confidence) Valid() bool {
	_, ok := confidenceNames[c]
	return ok
}

// ParseConfidence accepts tier names in any case ("high", "HIGH", "High").
func ParseConfidence(s string) (Confidence, error) {
	needle := strings.ToUpper(strings.TrimSpace(s))
	for c, name := range confidenceNames {
		if name == needle {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown confidence tier %q", s)
}

// MarshalText keeps the tier readable in JSON and YAML. The zero value is
// written as an empty string; any other unknown tier is an error.
func (c Confidence) MarshalText() ([]byte, error) {
	if c == 0 {
		return []byte{}, nil
	}
	if !c.Valid() {
		return nil, fmt.Errorf("unknown confidence tier %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Confidence) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*c = 0
		return nil
	}
	parsed, err := ParseConfidence(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// RawSignal is a signal as delivered by an upstream source, before validation.
type RawSignal struct {
	Token      string            `json:"token"`
	Source     string            `json:"source"`
	Confidence string            `json:"confidence"`
	Side       string            `json:"side,omitempty"`
	Price      float64           `json:"price"`
	Volume     float64           `json:"volume"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Signal is a validated, immutable trading signal.
type Signal struct {
	ID         string            `json:"id"`
	Token      string            `json:"token"`
	Source     string            `json:"source"`
	Confidence Confidence        `json:"confidence"`
	Side       Side              `json:"side"`
	Price      float64           `json:"price"`
	Volume     float64           `json:"volume"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Age returns how old the signal is relative to now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// IsFresh reports whether the signal is younger than maxAge.
func (s Signal) IsFresh(now time.Time, maxAge time.Duration) bool {
	return s.Age(now) <= maxAge
}

// Fingerprint groups semantically equivalent signals: same token, same price
// bucket, same tier, same side. Source and exact price are not part of it.
func (s Signal) Fingerprint(bucketDecimals int) string {
	side := s.Side
	if side == "" {
		side = SideLong
	}
	return fmt.Sprintf("%s|%s|%s|%s", strings.ToUpper(s.Token), PriceBucket(s.Price, bucketDecimals), s.Confidence, side)
}

// PriceBucket rounds price to the given number of significant decimals of
// its own magnitude, so 0.00012345 and 64123.4 bucket equally coarsely.
func PriceBucket(price float64, decimals int) string {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return "0"
	}
	if decimals < 0 {
		decimals = 0
	}
	exp := math.Floor(math.Log10(price))
	scale := math.Pow(10, float64(decimals)-exp)
	rounded := math.Round(price*scale) / scale
	prec := decimals - int(exp)
	if prec < 0 {
		prec = 0
	}
	return fmt.Sprintf("%.*f", prec, rounded)
}
