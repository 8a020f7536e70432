package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"
	"path/filepath"
)

// fileFetcher streams one remote file into the model directory.
// Data lands in "<path>.partial" and is renamed into place only after the
// size (and hash, when known) checks out, so a crashed download never
// leaves a file that looks complete.
type fileFetcher struct {
	// hub serves the file bodies.
	hub *HubClient

	// modelID and revision select what to fetch.
	modelID  string
	revision string

	// dir is the model directory.
	dir string
}

// fetch downloads rf and returns the number of bytes written.
// onProgress receives byte deltas as they are read from the network.
func (f *fileFetcher) fetch(ctx context.Context, rf RemoteFile, onProgress func(delta int64)) (int64, error) {
	fullPath := filepath.Join(f.dir, filepath.FromSlash(rf.Path))
	if err := ensureDir(filepath.Dir(fullPath)); err != nil {
		return 0, err
	}

	body, announced, err := f.hub.Open(ctx, f.modelID, f.revision, rf.Path)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	expected := rf.Size
	if expected == 0 && announced > 0 {
		expected = announced
	}

	partPath := fullPath + partialSuffix
	out, err := os.Create(partPath)
	if err != nil {
		return 0, wrapf(ErrStorageUnavailable, "creating %s: %v", rf.Path, err)
	}

	committed := false
	defer func() {
		if !committed {
			out.Close()
			os.Remove(partPath)
		}
	}()

	var h hash.Hash
	var w io.Writer = out
	if rf.SHA256 != "" {
		h = sha256.New()
		w = io.MultiWriter(out, h)
	}

	var r io.Reader = body
	if onProgress != nil {
		r = &progressReader{reader: body, onProgress: onProgress}
	}

	var written int64
	if expected > 0 {
		// Copy exact number of bytes
		written, err = io.CopyN(w, r, expected)
	} else {
		written, err = io.Copy(w, r)
	}
	if err != nil {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return written, wrapf(ErrNetworkError, "%s: body ended after %d of %d bytes", rf.Path, written, expected)
		}
		return written, wrapf(ErrNetworkError, "reading %s: %v", rf.Path, err)
	}

	if h != nil {
		if actual := hex.EncodeToString(h.Sum(nil)); actual != rf.SHA256 {
			return written, wrapf(ErrIncompleteDownload, "%s: sha256 %s, expected %s", rf.Path, actual, rf.SHA256)
		}
	}

	if err := out.Sync(); err != nil {
		return written, wrapf(ErrStorageUnavailable, "syncing %s: %v", rf.Path, err)
	}
	if err := out.Close(); err != nil {
		return written, wrapf(ErrStorageUnavailable, "closing %s: %v", rf.Path, err)
	}
	if err := renameFile(partPath, fullPath); err != nil {
		return written, wrapf(ErrStorageUnavailable, "renaming %s: %v", rf.Path, err)
	}
	committed = true

	return written, nil
}

// existingMatches reports whether a complete copy of rf is already on disk.
// The size must match, and so must the content hash when the hub gave one.
func (f *fileFetcher) existingMatches(rf RemoteFile) bool {
	full := filepath.Join(f.dir, filepath.FromSlash(rf.Path))
	st, err := os.Stat(full)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	if rf.Size <= 0 || st.Size() != rf.Size {
		return false
	}
	if rf.SHA256 == "" {
		return true
	}
	actual, err := hashFile(full)
	return err == nil && actual == rf.SHA256
}

// progressReader wraps an io.Reader and reports progress as bytes are read.
type progressReader struct {
	reader     io.Reader
	onProgress func(delta int64)
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 && pr.onProgress != nil {
		pr.onProgress(int64(n))
	}
	return
}
