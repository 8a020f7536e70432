package models

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// progressInterval is how often Pull reports progress while files download.
const progressInterval = 500 * time.Millisecond

// Downloader fetches models from a hub into the storage root and registers
// them with a Manager once every file is on disk.
type Downloader struct {
	// hub lists and serves remote files.
	hub *HubClient

	// mgr owns the index and the storage root.
	mgr Manager

	// logger receives diagnostic messages. Never nil.
	logger Logger

	// initialBackoff is the wait before the first retry; doubled up to maxBackoff.
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewDownloader creates a Downloader. Only WithLogger is honored from opts.
func NewDownloader(hub *HubClient, mgr Manager, opts ...ManagerOption) *Downloader {
	cfg := newManagerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Downloader{
		hub:            hub,
		mgr:            mgr,
		logger:         cfg.logger,
		initialBackoff: InitialBackoff,
		maxBackoff:     MaxBackoff,
	}
}

// Pull downloads modelID from the hub and registers it.
// Returns ErrModelAlreadyExists if the model is registered and WithForce()
// is not given, ErrModelNotFound if the hub does not know it and
// ErrIndexLocked if another pull of the same model is running.
func (d *Downloader) Pull(ctx context.Context, modelID string, opts ...PullOption) (ModelInfo, error) {
	const op = "pull"

	cfg := newPullConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	dir, err := d.mgr.ModelDir(modelID)
	if err != nil {
		return ModelInfo{}, err
	}

	if !cfg.force {
		if _, err := d.mgr.Lookup(modelID); err == nil {
			return ModelInfo{}, newError(op, modelID, wrapf(ErrModelAlreadyExists, "use force to download again"))
		}
	}

	// One pull per model across processes; the index lock only covers the
	// final Register.
	pullLock := newFileLock(d.pullLockPath(modelID))
	if err := pullLock.Lock(ctx, 0); err != nil {
		return ModelInfo{}, newError(op, modelID, wrapf(ErrIndexLocked, "another process is pulling this model"))
	}
	defer pullLock.Unlock()

	report := func(p PullProgress) {
		if cfg.progressFn != nil {
			cfg.progressFn(p)
		}
	}

	report(PullProgress{Phase: "listing"})

	var remote []RemoteFile
	err = d.retry(ctx, modelID, func() error {
		var err error
		remote, err = d.hub.ModelFiles(ctx, modelID, cfg.revision)
		return err
	})
	if err != nil {
		return ModelInfo{}, newError(op, modelID, err)
	}

	files, err := validateRemote(modelID, remote)
	if err != nil {
		return ModelInfo{}, newError(op, modelID, err)
	}

	if err := ensureDir(dir); err != nil {
		return ModelInfo{}, newError(op, modelID, err)
	}

	var bytesTotal int64
	for _, rf := range files {
		bytesTotal += rf.Size
	}

	fetcher := &fileFetcher{hub: d.hub, modelID: modelID, revision: cfg.revision, dir: dir}

	var (
		mu        sync.Mutex
		completed int
		bytesDone int64
		inFlight  atomic.Int64
	)
	snapshot := func(phase, current string) PullProgress {
		return PullProgress{
			Phase:           phase,
			FilesTotal:      len(files),
			FilesCompleted:  completed,
			BytesTotal:      bytesTotal,
			BytesCompleted:  bytesDone,
			BytesInProgress: inFlight.Load(),
			CurrentFile:     current,
		}
	}
	fileDone := func(path string, n int64) {
		mu.Lock()
		defer mu.Unlock()
		completed++
		bytesDone += n
		report(snapshot("files", path))
	}

	report(snapshot("files", ""))

	// Report periodically so long files still show movement.
	stopTicker := func() {}
	if cfg.progressFn != nil {
		ticker := time.NewTicker(progressInterval)
		tickerDone := make(chan struct{})
		tickerExited := make(chan struct{})
		stopTicker = sync.OnceFunc(func() {
			ticker.Stop()
			close(tickerDone)
			<-tickerExited
		})
		defer stopTicker()
		go func() {
			defer close(tickerExited)
			for {
				select {
				case <-ticker.C:
					mu.Lock()
					report(snapshot("files", ""))
					mu.Unlock()
				case <-tickerDone:
					return
				}
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)
	for _, rf := range files {
		rf := rf
		g.Go(func() error {
			if fetcher.existingMatches(rf) {
				d.logger.Debug("file already present", "model", modelID, "file", rf.Path)
				fileDone(rf.Path, rf.Size)
				return nil
			}

			var n, read int64
			err := d.retry(gctx, modelID, func() error {
				inFlight.Add(-read)
				read = 0
				var err error
				n, err = fetcher.fetch(gctx, rf, func(delta int64) {
					read += delta
					inFlight.Add(delta)
				})
				return err
			})
			inFlight.Add(-read)
			if err != nil {
				return err
			}
			d.logger.Debug("file downloaded", "model", modelID, "file", rf.Path, "size", n)
			fileDone(rf.Path, n)
			return nil
		})
	}
	err = g.Wait()
	stopTicker()
	if err != nil {
		return ModelInfo{}, newError(op, modelID, err)
	}

	mu.Lock()
	report(snapshot("registering", ""))
	mu.Unlock()

	sources := make([]SourceFile, 0, len(files))
	for _, rf := range files {
		sources = append(sources, SourceFile{Path: rf.Path, Size: rf.Size, SHA256: rf.SHA256})
	}
	return d.mgr.Register(ctx, modelID, sources, WithOverwrite())
}

// pullLockPath returns the per-model pull lock, kept at the root as a
// hidden file so it never shows up among the model's files.
func (d *Downloader) pullLockPath(modelID string) string {
	return filepath.Join(d.mgr.Root(), ".pull-"+strings.ReplaceAll(modelID, "/", "--")+".lock")
}

// retry runs fn until it succeeds, fails with a non-transient error or
// MaxRetries retries are spent. Only ErrNetworkError is transient.
func (d *Downloader) retry(ctx context.Context, modelID string, fn func() error) error {
	backoff := d.initialBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrNetworkError) || attempt >= MaxRetries {
			return err
		}

		d.logger.Warn("retrying after network error", "model", modelID, "attempt", attempt+1, "backoff", backoff, "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
	}
}

// validateRemote turns the hub listing into clean relative paths.
// Any path that would escape the model directory fails the whole pull.
func validateRemote(modelID string, remote []RemoteFile) ([]RemoteFile, error) {
	out := make([]RemoteFile, 0, len(remote))
	seen := make([]ModelFile, 0, len(remote))
	for _, rf := range remote {
		mf, err := NewModelFile(rf.Path, rf.Size, rf.SHA256)
		if err != nil {
			return nil, wrapf(ErrHubError, "hub listed unusable file: %v", err)
		}
		seen = append(seen, mf)
		out = append(out, RemoteFile{Path: mf.Path, Size: mf.Size, SHA256: mf.SHA256})
	}
	if _, err := NewModelInfo(modelID, seen); err != nil {
		return nil, wrapf(ErrHubError, "hub listing: %v", err)
	}
	return out, nil
}
