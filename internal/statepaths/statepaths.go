// Package statepaths builds and creates the on-disk paths preset
// save/load uses: every instance's state lives under
// "<dir>/effect-<id>[/<relative>]", with parent directories created on
// demand, plus a strftime-formatted name for daily backup directories
// (the package names such a directory; it does not copy anything).
package statepaths

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lestrrat-go/strftime"
)

// PluginStateDir returns "<dir>/effect-<id>" without creating it.
func PluginStateDir(dir string, instanceID int32) string {
	return filepath.Join(dir, fmt.Sprintf("effect-%d", instanceID))
}

// MakePluginStatePath returns "<dir>/effect-<id>[/<relative>]", creating
// every missing parent directory along the way (relative == "." means
// the effect directory itself).
func MakePluginStatePath(dir string, instanceID int32, relative string) (string, error) {
	base := PluginStateDir(dir, instanceID)
	full := base
	if relative != "." && relative != "" {
		full = filepath.Join(base, relative)
	}

	mkdirTarget := full
	if relative != "." && relative != "" {
		mkdirTarget = filepath.Dir(full)
	}
	if err := os.MkdirAll(mkdirTarget, 0o755); err != nil {
		return "", fmt.Errorf("statepaths: %w", err)
	}
	return full, nil
}

// RemovePluginState recursively deletes an instance's state directory.
func RemovePluginState(dir string, instanceID int32) error {
	return os.RemoveAll(PluginStateDir(dir, instanceID))
}

// BackupPattern is the strftime pattern rotated backup directories are
// named with: one directory per calendar day.
const BackupPattern = "backup-%Y%m%d"

// TimestampedBackupDir formats BackupPattern under root for the given
// instant, for a daily rotated copy of saved preset state. Callers pass
// the instant in; this package never calls time.Now() itself.
func TimestampedBackupDir(root string, when time.Time) (string, error) {
	name, err := strftime.Format(BackupPattern, when)
	if err != nil {
		return "", fmt.Errorf("statepaths: %w", err)
	}
	return filepath.Join(root, name), nil
}
