package dunecache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrRelativeCacheRoot is a UserError: DUNE_CACHE_ROOT was set to a
// non-absolute path (spec.md §6).
var ErrRelativeCacheRoot = errors.New("dunecache: DUNE_CACHE_ROOT must be an absolute path")

// DefaultRoot resolves the store root the way a front-end normally would:
// DUNE_CACHE_ROOT if set (which must be absolute), else
// $XDG_CACHE_HOME/dune/db, falling back to the platform default for
// XDG_CACHE_HOME (~/.cache on Unix) when that is also unset.
func DefaultRoot() (string, error) {
	if root, ok := os.LookupEnv("DUNE_CACHE_ROOT"); ok {
		if !filepath.IsAbs(root) {
			return "", fmt.Errorf("%w: got %q", ErrRelativeCacheRoot, root)
		}
		return root, nil
	}

	if xdg, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && xdg != "" {
		return filepath.Join(xdg, "dune", "db"), nil
	}

	cacheHome, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve default cache root: %w", err)
	}
	return filepath.Join(cacheHome, "dune", "db"), nil
}
