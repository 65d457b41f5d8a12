package publisher

import (
	"os"
	"path/filepath"
	"time"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

// discoverRecorderFiles returns every regular file under root/daily whose
// mtime is after cutoff.
func discoverRecorderFiles(root string, cutoff time.Time) ([]string, error) {
	dailyRoot := filepath.Join(root, "daily")
	var files []string
	err := filepath.Walk(dailyRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().After(cutoff) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "discover recorder files")
	}
	return files, nil
}

// copyFile copies src to dst atomically (write-temp-then-rename), the
// same discipline the recorder uses for its own writes.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "read source file for sync")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create sync destination directory")
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "write synced file")
	}
	if err := os.Rename(tmp, dst); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "rename synced file into place")
	}
	return nil
}

// copyTree mirrors every regular file under src into dst, preserving the
// relative directory structure.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}
