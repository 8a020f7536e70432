package models

import (
	"context"
	"errors"
	"path/filepath"
)

// Manager provides programmatic access to the local model registry.
// All methods are safe for concurrent use. Mutations are also serialized
// across processes through an advisory lock file.
// For CLI integration, use NewCommand instead.
type Manager interface {
	// Root returns the absolute storage root.
	Root() string

	// ModelDir returns the absolute directory for modelID.
	// Returns ErrInvalidModelID if the id is malformed.
	ModelDir(modelID string) (string, error)

	// Register records files already written under ModelDir(modelID).
	// Returns ErrModelAlreadyExists unless WithOverwrite() is specified,
	// ErrIncompleteDownload if a file is missing or has the wrong size, and
	// ErrIndexLocked if the lock cannot be acquired in time.
	Register(ctx context.Context, modelID string, files []SourceFile, opts ...MutateOption) (ModelInfo, error)

	// TryRegister is Register with NoWait().
	TryRegister(ctx context.Context, modelID string, files []SourceFile, opts ...MutateOption) (ModelInfo, error)

	// Scan lists the regular files currently under ModelDir(modelID),
	// skipping in-progress downloads, for use with Register.
	Scan(modelID string) ([]SourceFile, error)

	// Lookup returns a registered model from the in-memory index.
	// Returns ErrNotFound if the model is not registered.
	Lookup(modelID string) (ModelInfo, error)

	// Verify re-stats every file of a registered model and reports the
	// files whose on-disk state disagrees with the index. An empty result
	// means the model is intact. The index is never modified.
	Verify(ctx context.Context, modelID string, opts ...VerifyOption) ([]Mismatch, error)

	// List returns all registered models sorted by id.
	List() []ModelInfo

	// Remove deletes a model from the index, then deletes its directory.
	// Returns ErrNotFound if the model is not registered.
	Remove(ctx context.Context, modelID string, opts ...MutateOption) error

	// TryRemove is Remove with NoWait().
	TryRemove(ctx context.Context, modelID string, opts ...MutateOption) error

	// Reload re-reads the index file, picking up other processes' changes.
	Reload() error
}

// Ensure manager implements Manager interface.
var _ Manager = (*manager)(nil)

// Open creates the storage root if needed, loads the index and reconciles it
// with the model directories on disk.
// Returns ErrStorageUnavailable if the root cannot be created or read and
// ErrCorruptIndex if the index file cannot be parsed; the Manager must not
// be used in either case.
func Open(cfg Config, opts ...ManagerOption) (Manager, error) {
	if cfg.AppName == "" {
		return nil, errors.New("models: AppName is required")
	}

	// Apply options
	mcfg := newManagerConfig()
	for _, opt := range opts {
		opt(mcfg)
	}

	root, err := resolveRoot(cfg)
	if err != nil {
		return nil, newError("open", "", err)
	}
	if err := ensureDir(root); err != nil {
		return nil, newError("open", "", err)
	}

	m := &manager{
		root:        root,
		indexPath:   filepath.Join(root, IndexFileName),
		lockPath:    filepath.Join(root, LockFileName),
		logger:      mcfg.logger,
		lockTimeout: mcfg.lockTimeout,
		hashPolicy:  mcfg.hashPolicy,
		sem:         make(chan struct{}, 1),
	}

	idx, err := LoadIndex(m.indexPath)
	if err != nil {
		return nil, newError("open", "", err)
	}
	m.index = idx

	if err := m.reconcile(context.Background()); err != nil {
		return nil, err
	}

	m.logger.Debug("model registry opened", "root", root, "models", len(m.List()))
	return m, nil
}
