package cli

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestVerboseFlagEnablesDebugLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	verbose = true
	defer func() { verbose = false }()

	cmd := NewRootCmd()
	cmd.PersistentPreRun(cmd, nil)

	if got := zerolog.GlobalLevel(); got != zerolog.DebugLevel {
		t.Errorf("global level = %v, want %v", got, zerolog.DebugLevel)
	}
}
