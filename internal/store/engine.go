package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// PayloadEngine stores raw object payloads, addressed by account and the
// payload's SHA-256 hexadecimal hash. The metadata database owns names;
// the engine only owns bytes.
type PayloadEngine interface {
	// Put stores a payload under the given account and hash.
	Put(account string, hashHex string, data []byte) error

	// Get retrieves the payload stored under the given account and hash.
	Get(account string, hashHex string) ([]byte, error)

	// Link ensures the payload identified by hashHex is also present
	// under dstAccount, reusing storage where possible.
	Link(srcAccount string, hashHex string, dstAccount string) error
}

// FileEngine is a PayloadEngine backed by the local filesystem. Each
// account gets its own subdirectory; within it, payloads are addressed by
// their full SHA-256 hash, with the first two characters used as a
// subdirectory prefix. Identical payloads are deduplicated by hard link.
type FileEngine struct {
	dataDir string
}

// NewFileEngine creates a FileEngine rooted at dataDir.
func NewFileEngine(dataDir string) *FileEngine {
	return &FileEngine{dataDir: dataDir}
}

func (e *FileEngine) payloadPath(account string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("invalid hash length: %d", len(hashHex))
	}
	return filepath.Join(e.dataDir, account, hashHex[:2], hashHex), nil
}

// linkExisting tries to hard-link any existing copy of the payload into
// place. It reports whether a link was made.
func (e *FileEngine) linkExisting(path string, hashHex string, size int64) bool {
	pattern := filepath.Join(e.dataDir, "*", hashHex[:2], hashHex)
	matches, _ := filepath.Glob(pattern)
	for _, existing := range matches {
		if existing == path {
			continue
		}
		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if size >= 0 && info.Size() != size {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false
		}
		if err := os.Link(existing, path); err == nil {
			return true
		}
	}
	return false
}

func (e *FileEngine) Put(account string, hashHex string, data []byte) error {
	path, err := e.payloadPath(account, hashHex)
	if err != nil {
		return err
	}

	if e.linkExisting(path, hashHex, int64(len(data))) {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (e *FileEngine) Get(account string, hashHex string) ([]byte, error) {
	path, err := e.payloadPath(account, hashHex)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (e *FileEngine) Link(srcAccount string, hashHex string, dstAccount string) error {
	srcPath, err := e.payloadPath(srcAccount, hashHex)
	if err != nil {
		return err
	}
	dstPath, err := e.payloadPath(dstAccount, hashHex)
	if err != nil {
		return err
	}

	if srcPath == dstPath {
		return nil
	}

	// Already present at the destination.
	if _, err := os.Stat(dstPath); err == nil {
		return nil
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("source is not a regular file: %s", srcPath)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return err
	}

	if err := os.Link(srcPath, dstPath); err == nil {
		return nil
	}

	// Cross-device or link-refusing filesystem; fall back to a copy.
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return os.WriteFile(dstPath, data, 0o644)
}
