package infrastructure

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/downlink-go/internal/domain"
)

const maxNameAttempts = 10000

// PlaceFile moves a finished artifact into dir under name, appending " (N)" before the
// extension when the name is taken. It returns the final path.
func PlaceFile(tempPath, dir, name string) (string, error) {
	name = sanitizeFileName(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create %s: %v", domain.ErrDestination, dir, err)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; n < maxNameAttempts; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		target := filepath.Join(dir, candidate)

		// O_EXCL reserves the name so concurrent placements cannot collide
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrDestination, err)
		}
		f.Close()

		if err := moveFile(tempPath, target); err != nil {
			os.Remove(target)
			return "", fmt.Errorf("%w: %v", domain.ErrDestination, err)
		}
		return target, nil
	}
	return "", fmt.Errorf("%w: no free name for %s in %s", domain.ErrDestination, name, dir)
}

// moveFile renames src over dst, copying across filesystems when rename fails
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}

func sanitizeFileName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return "download"
	}
	return name
}
