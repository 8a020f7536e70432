// Package models keeps a local registry of downloaded ML models.
//
// Every model lives in its own directory under a storage root, and a single
// JSON index (model_index.json) records which models are present and which
// files, with which sizes, make up each one. The index is the source of
// truth: a model is usable only once it is registered, and a registered
// model can be checked against the disk at any time with Verify.
//
// The package serves two primary use cases:
//
//  1. Programmatic API via the Manager interface - Applications call Open to
//     get a Manager, then Register, Lookup, Verify, List and Remove models.
//     Downloader fetches models from a Hugging Face compatible hub and
//     registers them once all files are on disk.
//
//  2. Embeddable CLI via NewCommand - Parent CLI tools can attach a complete
//     "model" subcommand tree to their Cobra root command.
//
// # Concurrency
//
// The Manager is safe for concurrent use. Reads are served from memory.
// Register and Remove take an in-process semaphore and an advisory lock on
// model_index.lock, re-read the index, apply the change and write the new
// index with write-then-rename, so other processes sharing the root never
// observe a partially written file and never lose each other's updates.
//
// # Storage
//
// Models are stored in platform-appropriate directories:
//   - Linux: $XDG_DATA_HOME/<app>/models/ or ~/.local/share/<app>/models/
//   - macOS: ~/Library/Application Support/<app>/models/
//   - Windows: %APPDATA%\<app>\models\
//
// The storage location can be overridden via Config.DataDir or the
// <APPNAME>_MODELS_DIR environment variable.
package models
