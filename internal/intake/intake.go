package intake

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"mime/multipart"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const maxNameAttempts = 5

// ErrInvalidName is returned for names that could escape the uploads directory.
var ErrInvalidName = errors.New("invalid upload name")

// Store keeps uploaded profile images in one flat directory.
type Store struct {
	absBasePath string
	now         func() time.Time
}

// New creates the directory if needed and checks that it is writable.
func New(dir string) (*Store, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %q: %w", absPath, err)
	}

	probe := filepath.Join(absPath, ".write_test_"+strconv.FormatInt(time.Now().UnixNano(), 10))
	f, err := os.Create(probe)
	if err != nil {
		return nil, fmt.Errorf("upload dir %q is not writable: %w", absPath, err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	return &Store{absBasePath: absPath, now: time.Now}, nil
}

// Dir returns the absolute uploads directory.
func (s *Store) Dir() string { return s.absBasePath }

// Save stores a multipart file under a generated name and returns that name.
func (s *Store) Save(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()
	return s.Put(src, header.Filename)
}

// Put writes r under a fresh generated name. Files are created exclusively, so two
// uploads can never share a name even when the timestamp and random part repeat.
func (s *Store) Put(r io.Reader, originalName string) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		name, err := GenerateName(s.now(), originalName)
		if err != nil {
			return "", err
		}
		dst := filepath.Join(s.absBasePath, name)
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			_ = f.Close()
			_ = os.Remove(dst)
			return "", fmt.Errorf("write %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			_ = os.Remove(dst)
			return "", fmt.Errorf("close %s: %w", name, err)
		}
		return name, nil
	}
	return "", fmt.Errorf("no free upload name after %d attempts", maxNameAttempts)
}

// Open returns the stored file for reading.
func (s *Store) Open(name string) (*os.File, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (s *Store) Remove(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (s *Store) path(name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.absBasePath, name), nil
}

// GenerateName builds "<unix-millis>-<random>" plus the original extension.
func GenerateName(now time.Time, originalName string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000_000))
	if err != nil {
		return "", fmt.Errorf("random name: %w", err)
	}
	return fmt.Sprintf("%d-%d%s", now.UnixMilli(), n.Int64(), cleanExt(originalName)), nil
}

// cleanExt keeps a short alphanumeric extension and drops anything else.
func cleanExt(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

// ValidName accepts plain file names made of safe characters.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') &&
			(r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}
