package export

import (
	"context"
	"fmt"
	"strings"
)

// Mode configures strategy selection.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeManaged Mode = "managed"
	ModeLegacy  Mode = "legacy"
)

// ParseMode parses an export mode; the empty string means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeManaged, ModeLegacy:
		return m, nil
	default:
		return "", fmt.Errorf("unknown export mode: %q", s)
	}
}

// Selector chooses between the managed and legacy strategies. Capable is
// consulted on every export so a capability change takes effect without a
// restart.
type Selector struct {
	Managed Strategy
	Legacy  Strategy
	Capable func() bool
}

// NewSelector builds a Selector for mode. In auto mode probe decides; a nil
// probe means managed storage is never used.
func NewSelector(mode Mode, managed, legacy Strategy, probe func() bool) *Selector {
	s := &Selector{Managed: managed, Legacy: legacy}
	switch mode {
	case ModeManaged:
		s.Capable = func() bool { return true }
	case ModeLegacy:
		s.Capable = func() bool { return false }
	default:
		s.Capable = probe
	}
	return s
}

// Select returns the strategy to use right now.
func (s *Selector) Select() Strategy {
	if s.Managed != nil && s.Capable != nil && s.Capable() {
		return s.Managed
	}
	return s.Legacy
}

// Export runs the selected strategy.
func (s *Selector) Export(ctx context.Context, src Source) (Handle, error) {
	st := s.Select()
	if st == nil {
		return Handle{}, ErrNoStrategy
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	return st.Export(ctx, src)
}

// Current reports which strategy the next export would use.
func (s *Selector) Current() Kind {
	switch st := s.Select(); {
	case st == nil:
		return KindNone
	case st == s.Managed:
		return KindManaged
	default:
		return KindLegacy
	}
}
