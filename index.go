package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// IndexFileName is the name of the index file under the storage root.
const IndexFileName = "model_index.json"

// indexVersion is written into every saved index.
const indexVersion = 1

// Index is the in-memory catalog of registered models, keyed by model id.
// It knows how to load and save itself but never touches model directories.
// An Index is not safe for concurrent use; Manager guards it.
type Index struct {
	models map[string]ModelInfo
}

// indexFile is the on-disk representation of an Index.
type indexFile struct {
	Version int         `json:"version"`
	Models  []ModelInfo `json:"models"`
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{models: make(map[string]ModelInfo)}
}

// LoadIndex reads the index file at path.
// Returns an empty index if the file does not exist. Returns ErrCorruptIndex
// if the file exists but cannot be parsed; the file is not modified.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewIndex(), nil
	}
	if err != nil {
		return nil, wrapf(ErrStorageUnavailable, "reading %s: %v", path, err)
	}

	var f indexFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, wrapf(ErrCorruptIndex, "%s: %v", path, err)
	}

	idx := NewIndex()
	for _, info := range f.Models {
		if _, dup := idx.models[info.ModelID]; dup {
			return nil, wrapf(ErrCorruptIndex, "%s: model %q listed twice", path, info.ModelID)
		}
		idx.models[info.ModelID] = info
	}
	return idx, nil
}

// Save atomically writes the index to path.
// A crash at any point leaves either the previous file or the new one.
// Entries that LoadIndex would reject are refused and nothing is written.
func (idx *Index) Save(path string) error {
	entries := idx.List()
	for _, info := range entries {
		if _, err := NewModelInfo(info.ModelID, info.Files); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(indexFile{Version: indexVersion, Models: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal index: %v", ErrStorageUnavailable, err)
	}
	return atomicWriteFile(path, append(data, '\n'), 0o644)
}

// Insert adds info, replacing any entry with the same id.
// Reports whether an entry was replaced.
func (idx *Index) Insert(info ModelInfo) (replaced bool) {
	_, replaced = idx.models[info.ModelID]
	idx.models[info.ModelID] = info.clone()
	return replaced
}

// Remove deletes the entry for modelID and returns it.
// Returns ErrNotFound if there is no such entry.
func (idx *Index) Remove(modelID string) (ModelInfo, error) {
	info, ok := idx.models[modelID]
	if !ok {
		return ModelInfo{}, wrapf(ErrNotFound, "%s", modelID)
	}
	delete(idx.models, modelID)
	return info, nil
}

// Get returns a copy of the entry for modelID.
func (idx *Index) Get(modelID string) (ModelInfo, bool) {
	info, ok := idx.models[modelID]
	if !ok {
		return ModelInfo{}, false
	}
	return info.clone(), true
}

// List returns copies of all entries sorted by model id.
func (idx *Index) List() []ModelInfo {
	out := make([]ModelInfo, 0, len(idx.models))
	for _, info := range idx.models {
		out = append(out, info.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	return len(idx.models)
}

// Clone returns a deep copy of the index.
func (idx *Index) Clone() *Index {
	c := &Index{models: make(map[string]ModelInfo, len(idx.models))}
	for id, info := range idx.models {
		c.models[id] = info.clone()
	}
	return c
}
