package relay

import (
	"fmt"
	"strings"
	"sync"
)

// Level is the electrical level of the relay line.
type Level int

const (
	Low Level = iota
	High
)

// Opposite returns the other level.
func (l Level) Opposite() Level {
	if l == Low {
		return High
	}
	return Low
}

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// ParseLevel accepts "low" or "high".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "":
		return Low, nil
	case "high":
		return High, nil
	}
	return Low, fmt.Errorf("unknown relay level %q: expected low or high", s)
}

// Line drives one physical relay output. Set is fire-and-forget from the
// actuator's point of view: a failed write is logged, never retried.
type Line interface {
	Set(level Level) error
}

// MemoryLine is a Line that only remembers what it was told. The replay
// command uses it as a dry-run relay.
type MemoryLine struct {
	mu      sync.Mutex
	current Level
	history []Level
	Err     error
}

// Set records level.
func (m *MemoryLine) Set(level Level) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.current = level
	m.history = append(m.history, level)
	return nil
}

// Level returns the last level set.
func (m *MemoryLine) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns every level set so far.
func (m *MemoryLine) History() []Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Level(nil), m.history...)
}

// Transitions counts how many times the line changed to level.
func (m *MemoryLine) Transitions(level Level) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for i, l := range m.history {
		if l == level && (i == 0 || m.history[i-1] != level) {
			n++
		}
	}
	return n
}
