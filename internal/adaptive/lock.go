package adaptive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// lockInfo is written into the archive lock file body so a lock left by a
// crashed update job is diagnosable rather than a silent hang.
type lockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// acquireLock attempts a non-blocking lock at <archiveRoot>/.lock. On an
// already-held lock it returns ok=false and no error — callers surface
// that as decision "skipped" rather than waiting or failing.
func acquireLock(archiveRoot string) (release func(), ok bool, err error) {
	if err := os.MkdirAll(archiveRoot, 0o755); err != nil {
		return nil, false, fmt.Errorf("adaptive: create archive root: %w", err)
	}
	path := filepath.Join(archiveRoot, ".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("adaptive: acquire lock: %w", err)
	}

	hostname, _ := os.Hostname()
	info := lockInfo{PID: os.Getpid(), Hostname: hostname, AcquiredAt: time.Now()}
	b, _ := json.Marshal(info)
	f.Write(b)
	f.Close()

	return func() { os.Remove(path) }, true, nil
}
