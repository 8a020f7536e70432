package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// partialSuffix marks files the downloader is still writing.
const partialSuffix = ".partial"

// manager is the concrete implementation of the Manager interface.
type manager struct {
	// root is the absolute storage root.
	root string

	// indexPath and lockPath live directly under root.
	indexPath string
	lockPath  string

	// logger receives diagnostic messages. Never nil.
	logger Logger

	// lockTimeout bounds how long mutations wait for the lock.
	lockTimeout time.Duration

	// hashPolicy controls content hashing on Register and Verify.
	hashPolicy HashPolicy

	// sem serializes mutations within this process. A channel rather than a
	// sync.Mutex so the wait can honor the lock timeout and ctx.
	sem chan struct{}

	// mu guards index.
	mu sync.RWMutex

	// index is the most recently loaded or written index.
	index *Index
}

// Root returns the absolute storage root.
func (m *manager) Root() string {
	return m.root
}

// ModelDir returns the absolute directory for modelID.
func (m *manager) ModelDir(modelID string) (string, error) {
	if err := ValidateModelID(modelID); err != nil {
		return "", newError("path", modelID, err)
	}
	return m.modelDir(modelID), nil
}

func (m *manager) modelDir(modelID string) string {
	return filepath.Join(m.root, filepath.FromSlash(modelID))
}

// Register records files already written under the model directory.
func (m *manager) Register(ctx context.Context, modelID string, files []SourceFile, opts ...MutateOption) (ModelInfo, error) {
	const op = "register"

	info, err := m.buildInfo(ctx, modelID, files)
	if err != nil {
		return ModelInfo{}, newError(op, modelID, err)
	}

	var replaced bool
	err = m.mutate(ctx, op, modelID, opts, func(idx *Index, cfg *mutateConfig) error {
		if _, exists := idx.Get(modelID); exists && !cfg.overwrite {
			return wrapf(ErrModelAlreadyExists, "%s", modelID)
		}
		// A Remove holding the lock before us may have deleted the directory.
		if err := requireDir(m.modelDir(modelID)); err != nil {
			return err
		}
		info.RegisteredAt = time.Now().UTC()
		replaced = idx.Insert(info)
		return nil
	}, nil)
	if err != nil {
		return ModelInfo{}, err
	}

	if replaced {
		m.logger.Info("replaced existing model registration", "model", modelID, "files", len(info.Files))
	} else {
		m.logger.Info("registered model", "model", modelID, "files", len(info.Files), "bytes", info.TotalSize())
	}
	return info.clone(), nil
}

// TryRegister is Register with NoWait().
func (m *manager) TryRegister(ctx context.Context, modelID string, files []SourceFile, opts ...MutateOption) (ModelInfo, error) {
	return m.Register(ctx, modelID, files, append(opts, NoWait())...)
}

// buildInfo validates the reported files and stats them on disk.
// Runs before the lock is taken; the downloader owns the model directory.
func (m *manager) buildInfo(ctx context.Context, modelID string, files []SourceFile) (ModelInfo, error) {
	if err := ValidateModelID(modelID); err != nil {
		return ModelInfo{}, err
	}

	// Validate paths, sizes and uniqueness before touching the disk.
	reported := make([]ModelFile, 0, len(files))
	for _, sf := range files {
		mf, err := NewModelFile(sf.Path, sf.Size, sf.SHA256)
		if err != nil {
			return ModelInfo{}, err
		}
		reported = append(reported, mf)
	}
	if _, err := NewModelInfo(modelID, reported); err != nil {
		return ModelInfo{}, err
	}

	dir := m.modelDir(modelID)
	if err := requireDir(dir); err != nil {
		return ModelInfo{}, err
	}

	recorded := make([]ModelFile, 0, len(reported))
	for _, want := range reported {
		if err := ctx.Err(); err != nil {
			return ModelInfo{}, err
		}

		full := filepath.Join(dir, filepath.FromSlash(want.Path))
		st, err := os.Stat(full)
		if errors.Is(err, fs.ErrNotExist) {
			return ModelInfo{}, wrapf(ErrIncompleteDownload, "%s: file missing", want.Path)
		}
		if err != nil {
			return ModelInfo{}, wrapf(ErrStorageUnavailable, "%s: %v", want.Path, err)
		}
		if !st.Mode().IsRegular() {
			return ModelInfo{}, wrapf(ErrIncompleteDownload, "%s: not a regular file", want.Path)
		}
		if want.Size > 0 && st.Size() != want.Size {
			return ModelInfo{}, wrapf(ErrIncompleteDownload, "%s: expected %d bytes, found %d", want.Path, want.Size, st.Size())
		}

		hash := want.SHA256
		if m.hashPolicy == HashRecord || m.hashPolicy == HashStrict {
			actual, err := hashFile(full)
			if err != nil {
				return ModelInfo{}, wrapf(ErrStorageUnavailable, "%s: %v", want.Path, err)
			}
			if hash != "" && hash != actual {
				return ModelInfo{}, wrapf(ErrIncompleteDownload, "%s: sha256 %s, expected %s", want.Path, actual, hash)
			}
			hash = actual
		}

		recorded = append(recorded, ModelFile{Path: want.Path, Size: st.Size(), SHA256: hash})
	}

	return NewModelInfo(modelID, recorded)
}

// Scan lists regular files under the model directory.
func (m *manager) Scan(modelID string) ([]SourceFile, error) {
	const op = "scan"
	if err := ValidateModelID(modelID); err != nil {
		return nil, newError(op, modelID, err)
	}

	dir := m.modelDir(modelID)
	if err := requireDir(dir); err != nil {
		return nil, newError(op, modelID, err)
	}

	var files []SourceFile
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), partialSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, SourceFile{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, newError(op, modelID, wrapf(ErrStorageUnavailable, "%v", err))
	}
	return files, nil
}

// Lookup returns a registered model from the in-memory index.
func (m *manager) Lookup(modelID string) (ModelInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.index.Get(modelID)
	if !ok {
		return ModelInfo{}, newError("lookup", modelID, ErrNotFound)
	}
	return info, nil
}

// Verify compares every recorded file with the disk.
func (m *manager) Verify(ctx context.Context, modelID string, opts ...VerifyOption) ([]Mismatch, error) {
	const op = "verify"

	cfg := &verifyConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	info, err := m.Lookup(modelID)
	if err != nil {
		return nil, err
	}

	checkHash := cfg.content || m.hashPolicy == HashStrict
	dir := m.modelDir(modelID)

	var mismatches []Mismatch
	for _, f := range info.Files {
		if err := ctx.Err(); err != nil {
			return nil, newError(op, modelID, err)
		}

		full := filepath.Join(dir, filepath.FromSlash(f.Path))
		st, err := os.Stat(full)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			mismatches = append(mismatches, Mismatch{Path: f.Path, Problem: ProblemMissing})
			continue
		case err != nil:
			return nil, newError(op, modelID, wrapf(ErrStorageUnavailable, "%s: %v", f.Path, err))
		case !st.Mode().IsRegular():
			mismatches = append(mismatches, Mismatch{Path: f.Path, Problem: ProblemNotRegular})
			continue
		}

		if st.Size() != f.Size {
			mismatches = append(mismatches, Mismatch{
				Path:     f.Path,
				Problem:  ProblemSize,
				Expected: strconv.FormatInt(f.Size, 10),
				Actual:   strconv.FormatInt(st.Size(), 10),
			})
			continue
		}

		if checkHash && f.SHA256 != "" {
			actual, err := hashFile(full)
			if err != nil {
				return nil, newError(op, modelID, wrapf(ErrStorageUnavailable, "%s: %v", f.Path, err))
			}
			if actual != f.SHA256 {
				mismatches = append(mismatches, Mismatch{Path: f.Path, Problem: ProblemHash, Expected: f.SHA256, Actual: actual})
			}
		}
	}

	if len(mismatches) > 0 {
		m.logger.Warn("model failed verification", "model", modelID, "mismatches", len(mismatches))
	}
	return mismatches, nil
}

// List returns all registered models sorted by id.
func (m *manager) List() []ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.List()
}

// Remove deletes the index entry, persists, then deletes the directory,
// all under the lock so a concurrent Register cannot land in between.
// A crash between the two steps leaves a stray directory, which
// re-registration with overwrite can adopt, never a dangling entry.
func (m *manager) Remove(ctx context.Context, modelID string, opts ...MutateOption) error {
	const op = "remove"
	if err := ValidateModelID(modelID); err != nil {
		return newError(op, modelID, err)
	}

	err := m.mutate(ctx, op, modelID, opts, func(idx *Index, _ *mutateConfig) error {
		_, err := idx.Remove(modelID)
		return err
	}, func() error {
		return removeModelDir(m.root, modelID)
	})
	if err != nil {
		return err
	}

	m.logger.Info("removed model", "model", modelID)
	return nil
}

// TryRemove is Remove with NoWait().
func (m *manager) TryRemove(ctx context.Context, modelID string, opts ...MutateOption) error {
	return m.Remove(ctx, modelID, append(opts, NoWait())...)
}

// Reload re-reads the index file into memory.
func (m *manager) Reload() error {
	idx, err := LoadIndex(m.indexPath)
	if err != nil {
		return newError("reload", "", err)
	}

	m.mu.Lock()
	m.index = idx
	m.mu.Unlock()
	return nil
}

// mutate runs fn against a fresh copy of the on-disk index while holding the
// in-process semaphore and the file lock, then saves and publishes it.
// Re-reading under the lock keeps concurrent processes from overwriting
// each other's entries. committed, if non-nil, runs after the save with the
// lock still held. Once the lock is held ctx is no longer consulted.
func (m *manager) mutate(ctx context.Context, op, modelID string, opts []MutateOption, fn func(*Index, *mutateConfig) error, committed func() error) error {
	cfg := &mutateConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	release, err := m.acquire(ctx, cfg.noWait)
	if err != nil {
		return newError(op, modelID, err)
	}
	defer release()

	idx, err := LoadIndex(m.indexPath)
	if err != nil {
		return newError(op, modelID, err)
	}

	if err := fn(idx, cfg); err != nil {
		return newError(op, modelID, err)
	}

	if err := idx.Save(m.indexPath); err != nil {
		return newError(op, modelID, err)
	}

	m.mu.Lock()
	m.index = idx
	m.mu.Unlock()

	if committed != nil {
		if err := committed(); err != nil {
			return newError(op, modelID, err)
		}
	}
	return nil
}

// acquire takes the in-process semaphore and then the file lock, sharing a
// single deadline. The returned func releases both.
func (m *manager) acquire(ctx context.Context, noWait bool) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := m.lockTimeout
	if noWait {
		timeout = 0
	}
	deadline := time.Now().Add(timeout)

	if noWait || timeout == 0 {
		select {
		case m.sem <- struct{}{}:
		default:
			return nil, wrapf(ErrIndexLocked, "mutation in progress in this process")
		}
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case m.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, wrapf(ErrIndexLocked, "timeout after %v", timeout)
		}
	}

	lock := newFileLock(m.lockPath)
	if err := lock.Lock(ctx, time.Until(deadline)); err != nil {
		<-m.sem
		return nil, err
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			m.logger.Warn("failed to release index lock", "path", m.lockPath, "error", err)
		}
		<-m.sem
	}, nil
}

// reconcile restores the invariant that every index entry has a directory.
// Entries without one are dropped and the drop is persisted when the lock
// is available. Directories without an entry are left alone.
func (m *manager) reconcile(ctx context.Context) error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return newError("open", "", wrapf(ErrStorageUnavailable, "reading %s: %v", m.root, err))
	}

	m.mu.RLock()
	registered := m.index.List()
	m.mu.RUnlock()

	m.logUntracked(entries, registered)

	missing := m.missingDirs(registered)
	if len(missing) == 0 {
		return nil
	}

	m.mu.Lock()
	for _, id := range missing {
		m.logger.Warn("dropping index entry whose directory is missing", "model", id, "dir", m.modelDir(id))
		m.index.Remove(id)
	}
	m.mu.Unlock()

	err = m.mutate(ctx, "open", "", nil, func(idx *Index, _ *mutateConfig) error {
		for _, id := range m.missingDirs(idx.List()) {
			idx.Remove(id)
		}
		return nil
	}, nil)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrIndexLocked):
		m.logger.Warn("index locked; reconciliation not persisted", "dropped", len(missing))
		return nil
	default:
		return err
	}
}

// missingDirs returns the ids whose model directory does not exist.
func (m *manager) missingDirs(models []ModelInfo) []string {
	var missing []string
	for _, info := range models {
		st, err := os.Stat(m.modelDir(info.ModelID))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			missing = append(missing, info.ModelID)
		case err != nil:
			m.logger.Warn("cannot stat model directory", "model", info.ModelID, "error", err)
		case !st.IsDir():
			missing = append(missing, info.ModelID)
		}
	}
	return missing
}

// logUntracked reports top-level directories that hold no registered model.
func (m *manager) logUntracked(entries []os.DirEntry, registered []ModelInfo) {
	tops := make(map[string]struct{}, len(registered))
	for _, info := range registered {
		top, _, _ := strings.Cut(info.ModelID, "/")
		tops[top] = struct{}{}
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, ok := tops[e.Name()]; !ok {
			m.logger.Debug("untracked model directory", "dir", filepath.Join(m.root, e.Name()))
		}
	}
}

// requireDir fails with ErrIncompleteDownload unless dir is a directory.
func requireDir(dir string) error {
	st, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return wrapf(ErrIncompleteDownload, "no directory at %s", dir)
	case err != nil:
		return wrapf(ErrStorageUnavailable, "%s: %v", dir, err)
	case !st.IsDir():
		return wrapf(ErrIncompleteDownload, "%s is not a directory", dir)
	}
	return nil
}

// hashFile returns the lowercase hex SHA-256 of the file at path.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
