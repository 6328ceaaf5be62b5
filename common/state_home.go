package common

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// GetStateHome returns the directory for runtime state such as log
// files, creating it when missing. MODELGATE_STATE_HOME overrides the
// XDG default.
func GetStateHome() (string, error) {
	stateHome := os.Getenv("MODELGATE_STATE_HOME")
	if stateHome == "" {
		stateHome = filepath.Join(xdg.StateHome, "modelgate")
	}
	if err := os.MkdirAll(stateHome, 0755); err != nil {
		return "", err
	}
	return stateHome, nil
}
