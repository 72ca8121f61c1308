// Package licensing defines the seam add() consults before instantiating
// a plugin. It deliberately does not implement SHA-1 or any other
// keyed-license hashing internals; it only defines the interface and
// ships two trivial implementations.
package licensing

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// Checker decides whether a plugin URI is licensed to run. Licensed
// returns the licensee string (for logging) and whether the check
// passed; add() maps a false result to errtag.InstanceUnlicensed.
type Checker interface {
	Licensed(uri string) (licensee string, ok bool)
}

// AllowAll licenses every plugin, for development and the fake/portaudio
// standalone backends where no keyed-license infrastructure exists.
type AllowAll struct{}

func (AllowAll) Licensed(uri string) (string, bool) { return "unrestricted", true }

// KeyedFileChecker fails closed: a plugin is licensed only if a file
// named by the SHA-1 hex digest of its URI exists under dir. It does not
// compute that digest itself; callers supply the hash function to
// NewKeyedFileChecker, and with a nil hash function no plugin is
// licensed.
type KeyedFileChecker struct {
	dir      string
	hashFunc func(uri string) string
	log      *log.Logger
}

// NewKeyedFileChecker reads a MOD_KEYS_PATH-shaped dir (must already
// exist) and wraps it with hashFunc, the externally supplied
// URI-to-key-filename digest.
func NewKeyedFileChecker(dir string, hashFunc func(uri string) string, logger *log.Logger) (*KeyedFileChecker, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("licensing: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("licensing: %s is not a directory", dir)
	}
	return &KeyedFileChecker{dir: dir, hashFunc: hashFunc, log: logger}, nil
}

func (c *KeyedFileChecker) Licensed(uri string) (string, bool) {
	if c.hashFunc == nil {
		return "", false
	}
	key := c.hashFunc(uri)
	path := filepath.Join(c.dir, key)
	if _, err := os.Stat(path); err != nil {
		c.log.Debug("no license key file for plugin", "uri", uri, "path", path)
		return "", false
	}
	return key, true
}
