package state

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// MigrateLegacy adopts a database left behind by an earlier deployment
// layout. When path doesn't exist yet and one of the legacy candidates
// does, the first match is copied into place along with its -wal and -shm
// sidecars. An existing database at path is never touched.
func MigrateLegacy(path string, legacy []string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking database %q: %w", path, err)
	}

	for _, old := range legacy {
		if old == "" {
			continue
		}
		if _, err := os.Stat(old); err != nil {
			continue
		}

		log.WithFields(log.Fields{
			"from": old,
			"to":   path,
		}).Info("migrating legacy database")

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
		if err := copyFile(old, path); err != nil {
			return err
		}
		for _, suffix := range []string{"-wal", "-shm"} {
			if _, err := os.Stat(old + suffix); err != nil {
				continue
			}
			if err := copyFile(old+suffix, path+suffix); err != nil {
				return err
			}
		}
		log.Info("legacy database migration completed")
		return nil
	}
	return nil
}

func copyFile(src, dst string) error {
	var in, err = os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %q: %w", dst, err)
	}
	defer out.Close()

	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %q to %q: %w", src, dst, err)
	}
	if err = out.Sync(); err != nil {
		return fmt.Errorf("syncing %q: %w", dst, err)
	}
	return nil
}
