package transfer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Tool runs an rclone-compatible transfer tool as a subprocess. Only a
// handful of operations are used; repoyard depends on their success or
// failure and, for listings, on the {name, is-directory} entries.
type Tool struct {
	// Binary is the tool executable, typically "rclone".
	Binary string
	// ConfigPath is passed as --config so repoyard's remotes never mix
	// with the user's own tool configuration.
	ConfigPath string
}

// NewTool returns a Tool for the given binary and tool config file.
func NewTool(binary, configPath string) *Tool {
	if binary == "" {
		binary = "rclone"
	}
	return &Tool{Binary: binary, ConfigPath: configPath}
}

var _ Transfer = (*Tool)(nil)

func (t *Tool) baseArgs(op string) []string {
	return []string{op, "--config", t.ConfigPath}
}

func (t *Tool) run(op string, stdin []byte, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.Command(t.Binary, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	if runErr == nil {
		return outBuf.Bytes(), errBuf.Bytes(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return outBuf.Bytes(), errBuf.Bytes(), &ToolError{
			Op:       op,
			Args:     args,
			ExitCode: exitErr.ExitCode(),
			Stdout:   outBuf.String(),
			Stderr:   errBuf.String(),
		}
	}
	return nil, nil, fmt.Errorf("running %s %s: %w", t.Binary, op, runErr)
}

// List enumerates the direct children of a directory via "lsjson". A
// listing failure is treated as a missing directory, matching the tool's
// behavior on nonexistent paths.
func (t *Tool) List(loc Loc) ([]Entry, error) {
	args := append(t.baseArgs("lsjson"), loc.Spec())
	out, _, err := t.run("lsjson", nil, args...)
	if err != nil {
		var terr *ToolError
		if errors.As(err, &terr) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, fmt.Errorf("parsing lsjson output: %w", err)
	}
	return entries, nil
}

// Copy mirrors src into dst with "sync", deleting extraneous files at dst.
func (t *Tool) Copy(src, dst Loc, opts CopyOptions) error {
	args := t.baseArgs("sync")
	args = append(args, src.Spec(), dst.Spec())
	for _, pattern := range opts.Exclude {
		args = append(args, "--exclude", pattern)
	}
	if opts.ExcludeFile != "" {
		args = append(args, "--exclude-from", opts.ExcludeFile)
	}
	_, _, err := t.run("sync", nil, args...)
	return err
}

// Purge removes a directory tree.
func (t *Tool) Purge(loc Loc) error {
	args := append(t.baseArgs("purge"), loc.Spec())
	_, _, err := t.run("purge", nil, args...)
	return err
}

// Delete removes a single file via "deletefile".
func (t *Tool) Delete(loc Loc) error {
	args := append(t.baseArgs("deletefile"), loc.Spec())
	_, _, err := t.run("deletefile", nil, args...)
	return err
}

// Move renames src to dst with "moveto".
func (t *Tool) Move(src, dst Loc) error {
	args := append(t.baseArgs("moveto"), src.Spec(), dst.Spec())
	_, _, err := t.run("moveto", nil, args...)
	return err
}

// Read returns the contents of a small file via "cat". Existence is checked
// first so a missing file is distinguishable from a tool failure.
func (t *Tool) Read(loc Loc) ([]byte, bool, error) {
	exists, isDir, err := Exists(t, loc)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	if isDir {
		return nil, false, fmt.Errorf("reading %s: is a directory", loc.Spec())
	}
	args := append(t.baseArgs("cat"), loc.Spec())
	out, _, err := t.run("cat", nil, args...)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Write replaces the contents of a small file via "rcat".
func (t *Tool) Write(loc Loc, data []byte) error {
	args := append(t.baseArgs("rcat"), loc.Spec())
	_, _, err := t.run("rcat", data, args...)
	return err
}

// TrimmedOutput returns the tool's stderr with surrounding whitespace
// removed, for log lines.
func (e *ToolError) TrimmedOutput() string {
	return strings.TrimSpace(e.Stderr + "\n" + e.Stdout)
}
