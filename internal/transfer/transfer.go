// Package transfer abstracts the external file-transfer tool. All remote
// access goes through the Transfer interface; repoyard never opens its own
// network connections.
package transfer

import (
	"fmt"
	"path"
	"strings"
)

// Entry is one item of a remote or local directory listing.
type Entry struct {
	Name  string `json:"Name"`
	IsDir bool   `json:"IsDir"`
}

// Loc addresses a file or directory either on a named remote or, with an
// empty Remote, on the local filesystem.
type Loc struct {
	Remote string
	Path   string
}

// Spec renders the location in the tool's remote:path notation.
func (l Loc) Spec() string {
	if l.Remote == "" {
		return l.Path
	}
	return l.Remote + ":" + l.Path
}

// Local returns a Loc addressing a local path.
func Local(p string) Loc { return Loc{Path: p} }

// Join returns a Loc for a path beneath this one.
func (l Loc) Join(elem ...string) Loc {
	l.Path = path.Join(append([]string{l.Path}, elem...)...)
	return l
}

// CopyOptions tune a Copy invocation.
type CopyOptions struct {
	// Exclude patterns, passed through to the tool.
	Exclude []string
	// ExcludeFile is a file of exclude patterns, if non-empty.
	ExcludeFile string
}

// Transfer is the set of operations repoyard needs from the external tool.
// Copy mirrors src to dst, deleting extraneous files at the destination.
type Transfer interface {
	// List enumerates the direct children of a directory. A missing
	// directory yields (nil, nil), matching the tool's behavior.
	List(loc Loc) ([]Entry, error)

	// Copy mirrors src into dst, deleting files at dst that are absent
	// from src.
	Copy(src, dst Loc, opts CopyOptions) error

	// Purge removes a directory tree.
	Purge(loc Loc) error

	// Delete removes a single file.
	Delete(loc Loc) error

	// Move renames src to dst, creating parent directories as needed.
	Move(src, dst Loc) error

	// Read returns the contents of a small file. A missing file yields
	// (nil, false, nil).
	Read(loc Loc) ([]byte, bool, error)

	// Write replaces the contents of a small file, creating it and any
	// parent directories as needed.
	Write(loc Loc, data []byte) error
}

// ToolError reports a non-zero exit from the external tool, with its
// captured diagnostic output. It is propagated, never retried.
type ToolError struct {
	Op       string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("transfer tool %s failed (exit %d)", e.Op, e.ExitCode)
	if out := strings.TrimSpace(e.Stderr); out != "" {
		msg += ": " + out
	}
	return msg
}

// Exists reports whether a path exists and whether it is a directory, by
// listing its parent. The tool has no cheaper existence primitive.
func Exists(t Transfer, loc Loc) (exists, isDir bool, err error) {
	parent := path.Dir(loc.Path)
	if parent == "." || parent == loc.Path {
		parent = ""
	}
	entries, err := t.List(Loc{Remote: loc.Remote, Path: parent})
	if err != nil {
		return false, false, fmt.Errorf("listing %s: %w", Loc{Remote: loc.Remote, Path: parent}.Spec(), err)
	}
	name := path.Base(loc.Path)
	for _, e := range entries {
		if e.Name == name {
			return true, e.IsDir, nil
		}
	}
	return false, false, nil
}
