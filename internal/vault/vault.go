// Package vault provides filesystem access to the managed note collection.
//
// A Vault resolves file identities (slash-separated paths relative to the
// vault root) to markdown note content and supplies the stable content hash
// used for change detection. The Watcher translates filesystem events into
// index queue operations.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// NoteExtension is the file suffix recognized as a note.
const NoteExtension = ".md"

// Vault is a local filesystem note collection rooted at a single directory.
type Vault struct {
	root string
}

// New creates a Vault over root. The directory must exist.
func New(root string) (*Vault, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", root)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Vault{root: abs}, nil
}

// Root returns the absolute vault root directory.
func (v *Vault) Root() string {
	return v.root
}

// ReadText returns the content of the note with the given identity.
func (v *Vault) ReadText(identity string) (string, error) {
	content, err := os.ReadFile(filepath.Join(v.root, filepath.FromSlash(identity)))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", identity, err)
	}
	return string(content), nil
}

// List returns the identities of all notes under the given scope prefix
// (the whole vault when scope is empty), sorted ascending. Hidden
// directories are skipped.
func (v *Vault) List(scope string) ([]string, error) {
	identities := make([]string, 0)

	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != v.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, NoteExtension) {
			return nil
		}

		identity, err := v.Identity(path)
		if err != nil {
			return nil
		}
		if scope != "" && !strings.HasPrefix(identity, scope) {
			return nil
		}
		identities = append(identities, identity)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk vault: %w", err)
	}

	sort.Strings(identities)
	return identities, nil
}

// TotalFiles counts the notes under scope; used for completeness reporting.
func (v *Vault) TotalFiles(scope string) (int, error) {
	identities, err := v.List(scope)
	if err != nil {
		return 0, err
	}
	return len(identities), nil
}

// Identity converts an absolute path inside the vault into a file identity.
func (v *Vault) Identity(path string) (string, error) {
	rel, err := filepath.Rel(v.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside the vault", path)
	}
	return filepath.ToSlash(rel), nil
}

// ContentHash returns the stable hex-encoded SHA-256 hash of text.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
