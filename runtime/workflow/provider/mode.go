package provider

import (
	"fmt"

	"github.com/weftlab/weft/runtime/workflow/recorder"
)

type (
	// Mode selects how agent steps reach their provider. A scaffold runs in
	// exactly one mode for its whole lifetime; sessions never mix modes.
	Mode string
)

const (
	// ModeLive calls the configured provider and records every stream.
	ModeLive Mode = "live"
	// ModePlayback replays recorded streams and never performs live calls.
	ModePlayback Mode = "playback"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLive, ModePlayback:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown provider mode %q (want %q or %q)", s, ModeLive, ModePlayback)
	}
}

// ForMode adapts a live provider to the scaffold's mode. In live mode the
// provider is wrapped so every stream is recorded; in playback mode the live
// provider is only consulted for its identity and all responses come from the
// recorder.
func ForMode(mode Mode, live Provider, store recorder.Store) (Provider, error) {
	switch mode {
	case ModeLive:
		return NewRecording(live, store), nil
	case ModePlayback:
		return NewPlayback(live.Name(), live.Model(), store), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", mode)
	}
}
