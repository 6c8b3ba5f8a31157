package sync

import (
	"fmt"
	"strings"
)

// Mode selects the repository engine's operating mode. It is a closed enum:
// free-form mode strings from the CLI are parsed once and rejected up front.
type Mode int

const (
	// ModeAcquire clones missing entries only.
	ModeAcquire Mode = iota
	// ModeRefresh additionally pulls entries that are already present up to
	// the latest upstream state.
	ModeRefresh
)

// String returns the mode's CLI spelling.
func (m Mode) String() string {
	switch m {
	case ModeAcquire:
		return "acquire"
	case ModeRefresh:
		return "refresh"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a CLI mode string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "acquire":
		return ModeAcquire, nil
	case "refresh":
		return ModeRefresh, nil
	default:
		return ModeAcquire, fmt.Errorf("invalid mode %q (expected acquire or refresh)", s)
	}
}
