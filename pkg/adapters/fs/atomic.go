package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// TempFilePrefix is the prefix used for temporary atomic write files.
	TempFilePrefix = "loamdb-tmp-"
)

// writeFileAtomic writes data to a file atomically by writing to a temp file
// and then renaming it to the target filename.
func writeFileAtomic(filename string, data []byte, perm os.FileMode) error {
	p, err := prepareWrite(filename, data, perm)
	if err != nil {
		return err
	}
	if err := p.commit(); err != nil {
		p.abort()
		return err
	}
	return nil
}

// pendingWrite is a synced temp file waiting to replace its target.
// The previous target content is kept so the rename can be undone.
type pendingWrite struct {
	target  string
	temp    string
	prior   []byte
	existed bool
	done    bool
}

// prepareWrite stages data next to filename without touching the target.
func prepareWrite(filename string, data []byte, perm os.FileMode) (*pendingWrite, error) {
	p := &pendingWrite{target: filename}
	if err := p.capturePrior(); err != nil {
		return nil, err
	}

	dir := filepath.Dir(filename)

	// Create a temporary file in the same directory to ensure atomic rename
	tmpFile, err := os.CreateTemp(dir, TempFilePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	p.temp = tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		p.abort()
		return nil, fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		p.abort()
		return nil, fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		p.abort()
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(p.temp, perm); err != nil {
		p.abort()
		return nil, fmt.Errorf("failed to chmod temp file: %w", err)
	}
	return p, nil
}

func (p *pendingWrite) capturePrior() error {
	prior, err := os.ReadFile(p.target)
	switch {
	case err == nil:
		p.prior, p.existed = prior, true
	case errors.Is(err, os.ErrNotExist):
	default:
		return fmt.Errorf("failed to read %s: %w", p.target, err)
	}
	return nil
}

func (p *pendingWrite) commit() error {
	if err := os.Rename(p.temp, p.target); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", p.target, err)
	}
	p.done = true
	return nil
}

// abort drops the temp file of a write that was never committed.
func (p *pendingWrite) abort() {
	if p.temp != "" && !p.done {
		_ = os.Remove(p.temp)
	}
}

// undo puts the previous content back after a committed write.
func (p *pendingWrite) undo() error {
	if !p.done {
		p.abort()
		return nil
	}
	if !p.existed {
		if err := os.Remove(p.target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	return writeFileAtomic(p.target, p.prior, 0644)
}

// commitAll renames every prepared write into place. If one fails, the ones
// already applied are undone so the set lands entirely or not at all.
func commitAll(writes []*pendingWrite) error {
	for i, p := range writes {
		if err := p.commit(); err != nil {
			var undoErrs []error
			for j := i - 1; j >= 0; j-- {
				if uerr := writes[j].undo(); uerr != nil {
					undoErrs = append(undoErrs, uerr)
				}
			}
			abortAll(writes[i:])
			if len(undoErrs) > 0 {
				return errors.Join(append([]error{err}, undoErrs...)...)
			}
			return err
		}
	}
	return nil
}

func abortAll(writes []*pendingWrite) {
	for _, p := range writes {
		p.abort()
	}
}

func isTempFile(name string) bool {
	return strings.HasPrefix(filepath.Base(name), TempFilePrefix)
}
