package adaptive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Override is the persistent auto-apply switch: when Disabled, the
// update worker never writes a new snapshot even on a clean
// (anomaly-free) diff — it downgrades the decision to "blocked" and logs
// Reason; the Result itself carries no anomaly for it.
type Override struct {
	Disabled bool      `json:"disabled"`
	Reason   string    `json:"reason"`
	SetAt    time.Time `json:"set_at"`
}

func overridePath(archiveRoot string) string {
	return filepath.Join(archiveRoot, "override.json")
}

// LoadOverride reads override.json under archiveRoot. A missing file means
// auto-apply is enabled (the zero Override value).
func LoadOverride(archiveRoot string) (Override, error) {
	b, err := os.ReadFile(overridePath(archiveRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return Override{}, nil
		}
		return Override{}, fmt.Errorf("adaptive: read override: %w", err)
	}
	var o Override
	if err := json.Unmarshal(b, &o); err != nil {
		return Override{}, fmt.Errorf("adaptive: parse override: %w", err)
	}
	return o, nil
}

// SetOverride writes override.json. Disabling auto-apply requires a
// non-empty reason so a later reader can see why it was turned off.
func SetOverride(archiveRoot string, disabled bool, reason string) error {
	if disabled && reason == "" {
		return fmt.Errorf("adaptive: disabling auto-apply requires a reason")
	}
	o := Override{Disabled: disabled, Reason: reason, SetAt: time.Now()}
	b, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("adaptive: marshal override: %w", err)
	}
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return fmt.Errorf("adaptive: create archive root: %w", err)
	}
	return os.WriteFile(overridePath(archiveRoot), b, 0o644)
}
