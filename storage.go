package models

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Hooks for fault injection in tests.
var (
	renameFile = os.Rename
	syncDir    = syncDirectory
)

// envVarName constructs an environment variable name from the app name.
// Converts appName to uppercase and appends "_MODELS_DIR".
// Example: envVarName("si") returns "SI_MODELS_DIR".
func envVarName(appName string) string {
	return strings.ToUpper(appName) + "_MODELS_DIR"
}

// resolveRoot picks the storage root and makes it absolute.
// Priority: env var > Config.DataDir > platform default
func resolveRoot(cfg Config) (string, error) {
	var dir string
	if envDir := os.Getenv(envVarName(cfg.AppName)); envDir != "" {
		dir = envDir
	} else if cfg.DataDir != "" {
		dir = cfg.DataDir
	} else {
		defaultDir, err := getDefaultDataDir(cfg.AppName)
		if err != nil {
			return "", fmt.Errorf("%w: failed to get default data dir: %v", ErrStorageUnavailable, err)
		}
		dir = defaultDir
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return abs, nil
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: failed to create directory %s: %v", ErrStorageUnavailable, path, err)
	}
	return nil
}

// atomicWriteFile writes data to path using write-then-rename.
// The temporary file lives in the same directory so the rename never
// crosses a filesystem boundary. Data is fsynced before the rename.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := ensureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %v", ErrStorageUnavailable, err)
	}
	tmpPath := tmp.Name()

	// Any early return below must not leave the temp file behind.
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to write temp file: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to sync temp file: %v", ErrStorageUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close temp file: %v", ErrStorageUnavailable, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("%w: failed to set permissions: %v", ErrStorageUnavailable, err)
	}

	if err := renameFile(tmpPath, path); err != nil {
		return fmt.Errorf("%w: failed to rename temp file: %v", ErrStorageUnavailable, err)
	}
	committed = true

	// The rename is durable only once the directory entry is flushed.
	// Failure here does not undo the write, so it is not reported.
	_ = syncDir(dir)
	return nil
}

// syncDirectory fsyncs a directory. Not supported on every platform.
func syncDirectory(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// removeModelDir removes a model's directory and prunes parent directories
// of nested ids ("org/name") that became empty, stopping at root.
// Anything at the model path that is not a directory is left in place.
func removeModelDir(root, modelID string) error {
	dir := filepath.Join(root, filepath.FromSlash(modelID))
	st, err := os.Lstat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: failed to stat model directory: %v", ErrStorageUnavailable, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrStorageUnavailable, dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: failed to remove model directory: %v", ErrStorageUnavailable, err)
	}

	for parent := filepath.Dir(dir); parent != root && strings.HasPrefix(parent, root); parent = filepath.Dir(parent) {
		// os.Remove refuses non-empty directories, which ends the walk.
		if err := os.Remove(parent); err != nil {
			break
		}
	}
	return nil
}
