package credstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmcleod/gatekeeper/internal/util"
)

const (
	keyFileSeedBytes = 32
	wrappingPurpose  = "gatekeeper:credstore:wrap:v1"
)

// LoadWrappingKey derives the 32-byte wrapping key for a PersistentStore from
// the seed stored at path. A missing file is created with a random seed and
// 0600 permissions.
func LoadWrappingKey(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		seed, err = util.RandomBytes(keyFileSeedBytes)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating key directory: %w", err)
		}
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return nil, fmt.Errorf("writing key file: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	defer util.WipeBytes(seed)
	return util.DeriveKey(seed, nil, wrappingPurpose)
}
