package devserver

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"chat-client/internal/models"
)

// DiskFiles stores uploads in a directory.
type DiskFiles struct {
	dir string
}

func NewDiskFiles(dir string) (*DiskFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskFiles{dir: dir}, nil
}

// Save keeps name when it is free and otherwise prefixes a short unique id.
func (d *DiskFiles) Save(name string, r io.Reader) (string, int64, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}

	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		name = strings.SplitN(uuid.NewString(), "-", 2)[0] + "-" + name
		f, err = os.OpenFile(filepath.Join(d.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		return "", 0, err
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	return name, n, nil
}

func (d *DiskFiles) Path(stored string) (string, error) {
	path := filepath.Join(d.dir, filepath.Base(stored))
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file %s: %w", stored, models.ErrNotFound)
		}
		return "", err
	}
	return path, nil
}
