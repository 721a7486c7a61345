// Package policy decides whether a recognized person opens the door.
package policy

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/gatekeeper/internal/types"
)

// Check is a bitmask of the conditions a person must satisfy.
type Check uint8

const (
	CheckStatus Check = 1 << iota
	CheckTemperature
	CheckMask

	CheckNone Check = 0
	CheckAll        = CheckStatus | CheckTemperature | CheckMask
)

func (c Check) String() string {
	if c == CheckNone {
		return "none"
	}
	var parts []string
	if c&CheckStatus != 0 {
		parts = append(parts, "status")
	}
	if c&CheckTemperature != 0 {
		parts = append(parts, "temperature")
	}
	if c&CheckMask != 0 {
		parts = append(parts, "mask")
	}
	return strings.Join(parts, ",")
}

// ParseChecks turns names like ["status", "mask"] into a Check mask.
func ParseChecks(names []string) (Check, error) {
	var c Check
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "status":
			c |= CheckStatus
		case "temperature":
			c |= CheckTemperature
		case "mask":
			c |= CheckMask
		case "", "none":
		default:
			return 0, fmt.Errorf("unknown check %q: expected status, temperature or mask", n)
		}
	}
	return c, nil
}

// Mode selects how the combined check result maps to the relay.
type Mode int

const (
	// AllPass opens when every enabled check passes.
	AllPass Mode = iota
	// AnyNotPass opens when at least one enabled check fails (alarm wiring).
	AnyNotPass
)

func (m Mode) String() string {
	if m == AnyNotPass {
		return "any-not-pass"
	}
	return "all-pass"
}

// ParseMode accepts "all-pass" or "any-not-pass".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all-pass", "allpass":
		return AllPass, nil
	case "any-not-pass", "anynotpass":
		return AnyNotPass, nil
	}
	return AllPass, fmt.Errorf("unknown mode %q: expected all-pass or any-not-pass", s)
}

// Policy is the access configuration read at decision time.
type Policy struct {
	Checks Check
	Mode   Mode

	// TemperatureEnabled gates CheckTemperature. When enabled, a missing
	// reading fails the check.
	TemperatureEnabled bool
	TemperatureMax     float64

	AntiSpoofing     bool
	AntiSpoofScore   float64
	MaskScore        float64
	MatchThreshold   float64
	StrangerAttempts int

	HoldDuration time.Duration
}

// Default is the policy used when the configuration does not say otherwise.
func Default() Policy {
	return Policy{
		Checks:           CheckStatus,
		Mode:             AllPass,
		TemperatureMax:   37.3,
		AntiSpoofing:     true,
		AntiSpoofScore:   0.5,
		MaskScore:        0.5,
		MatchThreshold:   0.75,
		StrangerAttempts: 5,
		HoldDuration:     3 * time.Second,
	}
}

// Validate reports the first out-of-range field.
func (p Policy) Validate() error {
	if p.Checks&^CheckAll != 0 {
		return fmt.Errorf("checks %#x contains unknown bits", uint8(p.Checks))
	}
	if p.Mode != AllPass && p.Mode != AnyNotPass {
		return fmt.Errorf("unknown mode %d", p.Mode)
	}
	for name, v := range map[string]float64{
		"anti_spoof_score": p.AntiSpoofScore,
		"mask_score":       p.MaskScore,
		"match_threshold":  p.MatchThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0.0 and 1.0, got %f", name, v)
		}
	}
	if p.StrangerAttempts < 1 {
		return fmt.Errorf("stranger_attempts must be >= 1, got %d", p.StrangerAttempts)
	}
	if p.HoldDuration <= 0 {
		return fmt.Errorf("hold_duration must be > 0, got %s", p.HoldDuration)
	}
	return nil
}

// Passes reports whether every enabled check passes for person.
// A disabled check never blocks.
func Passes(person types.PersonData, p Policy) bool {
	allPass := true
	if p.Checks&CheckStatus != 0 {
		allPass = allPass && person.IsStatusNormal()
	}
	if p.TemperatureEnabled && p.Checks&CheckTemperature != 0 {
		allPass = allPass && person.IsTemperatureNormal()
	}
	if p.Checks&CheckMask != 0 {
		allPass = allPass && person.HasMask
	}
	return allPass
}

// Evaluate maps a person and a policy to a verdict. It has no side effects.
func Evaluate(person types.PersonData, p Policy) types.AccessVerdict {
	allPass := Passes(person, p)
	open := allPass
	if p.Mode == AnyNotPass {
		open = !allPass
	}
	return types.AccessVerdict{Open: open, AllPass: allPass, Identity: person.Identity}
}

// Store holds the live policy. Readers always see a complete Policy; an
// Update takes effect from the next Current call.
type Store struct {
	p atomic.Pointer[Policy]
}

// NewStore returns a Store holding p.
func NewStore(p Policy) *Store {
	s := &Store{}
	s.Update(p)
	return s
}

// Current returns the policy in force.
func (s *Store) Current() Policy {
	return *s.p.Load()
}

// Update replaces the policy.
func (s *Store) Update(p Policy) {
	s.p.Store(&p)
}
