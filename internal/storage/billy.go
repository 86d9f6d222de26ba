package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/segget/internal/utils"
)

// BillyDirectory implements Directory over a go-billy filesystem. Metadata
// operations are serialized because memfs is not safe for concurrent use.
type BillyDirectory struct {
	mu          sync.Mutex
	fs          billy.Filesystem
	maxVariants int
}

func NewBillyDirectory(bfs billy.Filesystem) *BillyDirectory {
	return &BillyDirectory{fs: bfs, maxVariants: utils.MaxAutoRenameVariants}
}

// NewOSDirectory roots a Directory at a local path.
func NewOSDirectory(root string) *BillyDirectory {
	return NewBillyDirectory(osfs.New(root))
}

func NewMemDirectory() *BillyDirectory {
	return NewBillyDirectory(memfs.New())
}

// SetMaxVariants overrides the auto-rename bound.
func (d *BillyDirectory) SetMaxVariants(n int) {
	d.maxVariants = n
}

func (d *BillyDirectory) Open(name string) (Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dir := path.Dir(name); dir != "." && dir != "/" {
		if err := d.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, &utils.StorageError{Op: "mkdir", Name: dir, Err: err}
		}
	}
	f, err := d.fs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &utils.StorageError{Op: "open", Name: name, Err: err}
	}
	return &billyStore{file: f, dir: d, name: name}, nil
}

func (d *BillyDirectory) CreateAutoRenamed(base, ext string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dir := path.Dir(base)
	entries, err := d.readDir(dir)
	if err != nil {
		return "", err
	}
	if dir != "." && dir != "/" {
		if err := d.fs.MkdirAll(dir, 0o755); err != nil {
			return "", &utils.StorageError{Op: "mkdir", Name: dir, Err: err}
		}
	}
	for i := 0; i <= d.maxVariants; i++ {
		candidate := variantName(base, ext, i)
		if findIgnoreCase(entries, path.Base(candidate)) != nil {
			continue
		}
		f, err := d.fs.OpenFile(candidate, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return "", &utils.StorageError{Op: "create", Name: candidate, Err: err}
		}
		if err := f.Close(); err != nil {
			return "", &utils.StorageError{Op: "close", Name: candidate, Err: err}
		}
		log.Debug().Str("op", "storage/billy").Str("name", candidate).Msg("Created auto-renamed file")
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNamesExhausted, variantName(base, ext, 0))
}

func (d *BillyDirectory) FindFile(name string) (fs.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, err := d.readDir(path.Dir(name))
	if err != nil {
		return nil, err
	}
	if fi := findIgnoreCase(entries, path.Base(name)); fi != nil {
		return fi, nil
	}
	return nil, fs.ErrNotExist
}

func (d *BillyDirectory) Stat(name string) (fs.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fi, err := d.fs.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fs.ErrNotExist
	}
	if err != nil {
		return nil, &utils.StorageError{Op: "stat", Name: name, Err: err}
	}
	return fi, nil
}

func (d *BillyDirectory) Delete(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &utils.StorageError{Op: "delete", Name: name, Err: err}
	}
	return nil
}

func (d *BillyDirectory) Rename(from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fs.Rename(from, to); err != nil {
		return &utils.StorageError{Op: "rename", Name: from, Err: err}
	}
	return nil
}

// readDir treats a missing directory as empty.
func (d *BillyDirectory) readDir(dir string) ([]fs.FileInfo, error) {
	entries, err := d.fs.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &utils.StorageError{Op: "readdir", Name: dir, Err: err}
	}
	return entries, nil
}

func variantName(base, ext string, i int) string {
	name := base
	if i > 0 {
		name = fmt.Sprintf("%s (%d)", base, i)
	}
	if ext != "" {
		name += "." + ext
	}
	return name
}

func findIgnoreCase(entries []fs.FileInfo, name string) fs.FileInfo {
	for _, fi := range entries {
		if strings.EqualFold(fi.Name(), name) {
			return fi
		}
	}
	return nil
}

type billyStore struct {
	file   billy.File
	dir    *BillyDirectory
	name   string
	closed bool
}

func (s *billyStore) Name() string { return s.name }

func (s *billyStore) Read(p []byte) (int, error) {
	n, err := s.file.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &utils.StorageError{Op: "read", Name: s.name, Err: err}
	}
	return n, err
}

func (s *billyStore) Write(p []byte) (int, error) {
	n, err := s.file.Write(p)
	if err != nil {
		return n, &utils.StorageError{Op: "write", Name: s.name, Err: err}
	}
	return n, nil
}

func (s *billyStore) Seek(offset int64, whence int) (int64, error) {
	pos, err := s.file.Seek(offset, whence)
	if err != nil {
		return pos, &utils.StorageError{Op: "seek", Name: s.name, Err: err}
	}
	return pos, nil
}

func (s *billyStore) Truncate(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return &utils.StorageError{Op: "truncate", Name: s.name, Err: err}
	}
	return nil
}

func (s *billyStore) Size() (int64, error) {
	fi, err := s.dir.Stat(s.name)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (s *billyStore) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Close(); err != nil {
		return &utils.StorageError{Op: "close", Name: s.name, Err: err}
	}
	return nil
}
