package transfer

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alexjbarnes/device-sync/internal/protocol"
	"golang.org/x/text/unicode/norm"
)

const (
	downloadDirPerm  = fs.FileMode(0o755)
	downloadFilePerm = fs.FileMode(0o644)

	partialSuffix = ".partial"

	// maxNameAttempts bounds the "name (n).ext" search in Commit.
	maxNameAttempts = 10000
)

// Sink receives the bytes of one inbound file. Commit makes the file
// visible under its final name and returns that path. Abort discards
// everything written so far. Exactly one of them is called.
type Sink interface {
	io.Writer
	Commit() (string, error)
	Abort() error
}

// SinkOpener creates the output sink for a new transfer.
type SinkOpener interface {
	Open(meta protocol.FileMetadata) (Sink, error)
}

// Store writes inbound files into a download directory. Data lands in a
// hidden .partial file and is renamed into place on Commit, so a
// half-received file is never visible under its real name.
type Store struct {
	dir string

	// mu serializes the pick-a-free-name-and-rename step of Commit.
	mu sync.Mutex
}

// NewStore creates a Store rooted at dir, creating the directory if it
// does not exist. dir must be absolute.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("download directory must not be empty")
	}

	if err := os.MkdirAll(dir, downloadDirPerm); err != nil {
		return nil, fmt.Errorf("creating download directory %s: %w", dir, err)
	}

	return &Store{dir: filepath.Clean(dir)}, nil
}

// Dir returns the download directory.
func (s *Store) Dir() string {
	return s.dir
}

// Open starts a new partial file for meta.
func (s *Store) Open(meta protocol.FileMetadata) (Sink, error) {
	name, err := safeFileName(meta.FileName)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp(s.dir, "."+name+".*"+partialSuffix)
	if err != nil {
		return nil, fmt.Errorf("creating partial file for %s: %w", name, err)
	}

	return &fileSink{store: s, f: f, name: name}, nil
}

type fileSink struct {
	store *Store
	f     *os.File
	name  string
	done  bool
}

func (k *fileSink) Write(p []byte) (int, error) {
	return k.f.Write(p)
}

func (k *fileSink) Commit() (string, error) {
	if k.done {
		return "", fmt.Errorf("sink for %s already finished", k.name)
	}

	k.done = true
	tmp := k.f.Name()

	if err := k.f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("closing %s: %w", tmp, err)
	}

	if err := os.Chmod(tmp, downloadFilePerm); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("setting mode on %s: %w", tmp, err)
	}

	s := k.store
	s.mu.Lock()
	defer s.mu.Unlock()

	final, err := s.freePath(k.name)
	if err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("renaming %s to %s: %w", tmp, final, err)
	}

	return final, nil
}

func (k *fileSink) Abort() error {
	if k.done {
		return nil
	}

	k.done = true
	tmp := k.f.Name()
	_ = k.f.Close()

	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", tmp, err)
	}

	return nil
}

// freePath returns the first path in the download directory for name
// that does not exist yet: "a.txt", then "a (1).txt", "a (2).txt"...
func (s *Store) freePath(name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := range maxNameAttempts {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}

		p := filepath.Join(s.dir, candidate)
		if !within(s.dir, p) {
			return "", fmt.Errorf("path traversal blocked: %q resolves outside download dir", candidate)
		}

		if _, err := os.Lstat(p); os.IsNotExist(err) {
			return p, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
	}

	return "", fmt.Errorf("no free file name for %s", name)
}

// within reports whether p names an entry below dir. It holds for
// dir "/" too, where dir plus a separator would be "//".
func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}

	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}

	return true
}

// safeFileName reduces a peer-supplied file name to a single NFC
// normalized path element. Directory parts are dropped, so "../x" and
// "a\\b\\x" both become "x".
func safeFileName(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("file name contains null byte: %q", name)
	}

	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.ReplaceAll(name, "\u00A0", " ")

	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}

	name = strings.TrimSpace(norm.NFC.String(name))

	switch name {
	case "", ".", "..":
		return "", fmt.Errorf("invalid file name %q", name)
	}

	return name, nil
}
