// Package testutil provides shared fakes for tests.
package testutil

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"repoyard/internal/transfer"
)

// FakeTransfer implements transfer.Transfer with remote trees held in
// memory, keyed by "remote:path" specs. Local-side paths use the real
// filesystem, so tests can drive whole syncs through temp directories.
type FakeTransfer struct {
	mu    sync.Mutex
	files map[string][]byte

	// Ops records every invocation as "op spec [spec]", in order.
	Ops []string

	// FailOn maps an op name (List, Copy, Purge, Delete, Move, Read,
	// Write) to an error returned instead of performing it.
	FailOn map[string]error
}

// NewFakeTransfer returns an empty fake.
func NewFakeTransfer() *FakeTransfer {
	return &FakeTransfer{files: map[string][]byte{}}
}

// SetRemote seeds a remote file.
func (f *FakeTransfer) SetRemote(loc transfer.Loc, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[loc.Spec()] = data
}

// RemoteFiles returns the specs of all remote files, sorted.
func (f *FakeTransfer) RemoteFiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	specs := make([]string, 0, len(f.files))
	for s := range f.files {
		specs = append(specs, s)
	}
	sort.Strings(specs)
	return specs
}

// RemoteFile returns the contents of one remote file.
func (f *FakeTransfer) RemoteFile(loc transfer.Loc) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[loc.Spec()]
	return data, ok
}

func (f *FakeTransfer) record(op string, locs ...transfer.Loc) error {
	specs := make([]string, len(locs))
	for i, l := range locs {
		specs[i] = l.Spec()
	}
	f.Ops = append(f.Ops, op+" "+strings.Join(specs, " "))
	if err := f.FailOn[op]; err != nil {
		return err
	}
	return nil
}

func (f *FakeTransfer) List(loc transfer.Loc) ([]transfer.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("List", loc); err != nil {
		return nil, err
	}

	if loc.Remote == "" {
		entries, err := os.ReadDir(loc.Path)
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		out := make([]transfer.Entry, 0, len(entries))
		for _, e := range entries {
			out = append(out, transfer.Entry{Name: e.Name(), IsDir: e.IsDir()})
		}
		return out, nil
	}

	prefix := loc.Spec() + "/"
	seen := map[string]bool{}
	var out []transfer.Entry
	for spec := range f.files {
		if !strings.HasPrefix(spec, prefix) {
			continue
		}
		rest := strings.TrimPrefix(spec, prefix)
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, transfer.Entry{Name: name, IsDir: isDir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeTransfer) Copy(src, dst transfer.Loc, opts transfer.CopyOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Copy", src, dst); err != nil {
		return err
	}

	switch {
	case src.Remote == "" && dst.Remote != "":
		return f.copyUp(src.Path, dst.Spec(), opts)
	case src.Remote != "" && dst.Remote == "":
		return f.copyDown(src.Spec(), dst.Path)
	default:
		return fmt.Errorf("fake transfer: unsupported copy %s -> %s", src.Spec(), dst.Spec())
	}
}

func (f *FakeTransfer) copyUp(srcDir, dstSpec string, opts transfer.CopyOptions) error {
	want := map[string]bool{}
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, opts.Exclude) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		f.files[dstSpec+"/"+rel] = data
		want[dstSpec+"/"+rel] = true
		return nil
	})
	if err != nil {
		return err
	}
	// Mirror semantics: drop destination files absent from the source.
	for spec := range f.files {
		if strings.HasPrefix(spec, dstSpec+"/") && !want[spec] {
			delete(f.files, spec)
		}
	}
	return nil
}

func (f *FakeTransfer) copyDown(srcSpec, dstDir string) error {
	want := map[string]bool{}
	for spec, data := range f.files {
		if !strings.HasPrefix(spec, srcSpec+"/") {
			continue
		}
		rel := strings.TrimPrefix(spec, srcSpec+"/")
		p := filepath.Join(dstDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return err
		}
		want[p] = true
	}
	// Drop local files the remote no longer has.
	return filepath.WalkDir(dstDir, func(p string, d fs.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil || d.IsDir() {
			return err
		}
		if !want[p] {
			return os.Remove(p)
		}
		return nil
	})
}

func excluded(rel string, patterns []string) bool {
	for _, pat := range patterns {
		if prefix, ok := strings.CutSuffix(pat, "/**"); ok {
			if rel == prefix || strings.HasPrefix(rel, prefix+"/") || strings.Contains(rel, "/"+prefix+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
		if ok, _ := path.Match(pat, path.Base(rel)); ok {
			return true
		}
	}
	return false
}

func (f *FakeTransfer) Purge(loc transfer.Loc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Purge", loc); err != nil {
		return err
	}
	if loc.Remote == "" {
		return os.RemoveAll(loc.Path)
	}
	spec := loc.Spec()
	for s := range f.files {
		if s == spec || strings.HasPrefix(s, spec+"/") {
			delete(f.files, s)
		}
	}
	return nil
}

func (f *FakeTransfer) Delete(loc transfer.Loc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Delete", loc); err != nil {
		return err
	}
	if loc.Remote == "" {
		return os.Remove(loc.Path)
	}
	delete(f.files, loc.Spec())
	return nil
}

func (f *FakeTransfer) Move(src, dst transfer.Loc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Move", src, dst); err != nil {
		return err
	}
	if src.Remote == "" || dst.Remote == "" {
		return fmt.Errorf("fake transfer: unsupported move %s -> %s", src.Spec(), dst.Spec())
	}
	srcSpec, dstSpec := src.Spec(), dst.Spec()
	// Moving over an existing destination replaces it.
	for s := range f.files {
		if s == dstSpec || strings.HasPrefix(s, dstSpec+"/") {
			delete(f.files, s)
		}
	}
	for s, data := range f.files {
		switch {
		case s == srcSpec:
			f.files[dstSpec] = data
			delete(f.files, s)
		case strings.HasPrefix(s, srcSpec+"/"):
			f.files[dstSpec+strings.TrimPrefix(s, srcSpec)] = data
			delete(f.files, s)
		}
	}
	return nil
}

func (f *FakeTransfer) Read(loc transfer.Loc) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Read", loc); err != nil {
		return nil, false, err
	}
	if loc.Remote == "" {
		data, err := os.ReadFile(loc.Path)
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return data, err == nil, err
	}
	data, ok := f.files[loc.Spec()]
	if !ok {
		return nil, false, nil
	}
	return data, true, nil
}

func (f *FakeTransfer) Write(loc transfer.Loc, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Write", loc); err != nil {
		return err
	}
	if loc.Remote == "" {
		if err := os.MkdirAll(filepath.Dir(loc.Path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(loc.Path, data, 0o644)
	}
	f.files[loc.Spec()] = append([]byte(nil), data...)
	return nil
}
