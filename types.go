package models

import (
	"encoding/json"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Config configures the models module.
type Config struct {
	// AppName determines the storage directory name and the environment
	// override variable.
	// Example: "si" → ~/.local/share/si/models/ on Linux, SI_MODELS_DIR
	AppName string

	// DataDir overrides the default storage root.
	// If empty, uses platform-appropriate default.
	// Can also be set via environment variable: <APPNAME>_MODELS_DIR
	DataDir string

	// HubURL is the model hub used by the download command.
	// If empty, DefaultHubURL is used.
	HubURL string

	// HubToken is sent as a bearer token to the hub. Optional.
	HubToken string

	// Concurrency is the default number of parallel file downloads.
	// Zero means DefaultConcurrency.
	Concurrency int
}

// ModelFile describes one file belonging to a model.
type ModelFile struct {
	// Path is the slash-separated path relative to the model directory.
	Path string `json:"path"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// SHA256 is the optional lowercase hex content hash.
	SHA256 string `json:"sha256,omitempty"`
}

// NewModelFile validates and constructs a ModelFile.
// Returns ErrInvalidPath if p is empty, absolute or escapes the model
// directory, and ErrInvalidSize if size is negative.
func NewModelFile(p string, size int64, sha256 string) (ModelFile, error) {
	clean, err := cleanRelPath(p)
	if err != nil {
		return ModelFile{}, err
	}
	if size < 0 {
		return ModelFile{}, wrapf(ErrInvalidSize, "%s: %d", p, size)
	}
	return ModelFile{Path: clean, Size: size, SHA256: strings.ToLower(sha256)}, nil
}

// UnmarshalJSON decodes a ModelFile and re-applies NewModelFile validation.
func (f *ModelFile) UnmarshalJSON(data []byte) error {
	type raw ModelFile
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	mf, err := NewModelFile(r.Path, r.Size, r.SHA256)
	if err != nil {
		return err
	}
	*f = mf
	return nil
}

// cleanRelPath normalizes p to a clean slash path and rejects anything that
// would resolve outside the directory it is joined to.
func cleanRelPath(p string) (string, error) {
	if p == "" {
		return "", wrapf(ErrInvalidPath, "empty path")
	}
	slashed := filepath.ToSlash(p)
	if path.IsAbs(slashed) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", wrapf(ErrInvalidPath, "%s: absolute path", p)
	}
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return "", wrapf(ErrInvalidPath, "%s: parent directory traversal", p)
		}
	}
	clean := path.Clean(slashed)
	if clean == "." {
		return "", wrapf(ErrInvalidPath, "%s: refers to the model directory itself", p)
	}
	return clean, nil
}

// ModelInfo describes one registered model and its files.
type ModelInfo struct {
	// ModelID identifies the model, e.g. "openai/clip-vit-base-patch32".
	// It doubles as the storage subdirectory.
	ModelID string `json:"model_id"`

	// Files lists the model's files in insertion order.
	Files []ModelFile `json:"files"`

	// RegisteredAt is when the model was registered.
	RegisteredAt time.Time `json:"registered_at"`
}

// NewModelInfo validates and constructs a ModelInfo.
// Every file goes through NewModelFile again, so struct literals get the
// same checks as decoded ones. Returns ErrInvalidModelID for a malformed id,
// ErrInvalidPath or ErrInvalidSize for a bad file and ErrDuplicateFile if
// two files share a path.
func NewModelInfo(modelID string, files []ModelFile) (ModelInfo, error) {
	if err := ValidateModelID(modelID); err != nil {
		return ModelInfo{}, err
	}

	seen := make(map[string]struct{}, len(files))
	out := make([]ModelFile, 0, len(files))
	for _, f := range files {
		mf, err := NewModelFile(f.Path, f.Size, f.SHA256)
		if err != nil {
			return ModelInfo{}, err
		}
		if _, dup := seen[mf.Path]; dup {
			return ModelInfo{}, wrapf(ErrDuplicateFile, "%s: %s", modelID, mf.Path)
		}
		seen[mf.Path] = struct{}{}
		out = append(out, mf)
	}

	return ModelInfo{ModelID: modelID, Files: out}, nil
}

// UnmarshalJSON decodes a ModelInfo and re-applies NewModelInfo validation.
func (m *ModelInfo) UnmarshalJSON(data []byte) error {
	type raw ModelInfo
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	info, err := NewModelInfo(r.ModelID, r.Files)
	if err != nil {
		return err
	}
	info.RegisteredAt = r.RegisteredAt
	*m = info
	return nil
}

// TotalSize returns the sum of all file sizes in bytes.
func (m ModelInfo) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// clone returns a copy that shares no memory with m.
func (m ModelInfo) clone() ModelInfo {
	files := make([]ModelFile, len(m.Files))
	copy(files, m.Files)
	m.Files = files
	return m
}

// ValidateModelID reports whether id can be used as a model identifier and
// storage subdirectory. Hub-style ids ("org/name") are accepted; each
// segment must be non-empty and must not be "." or "..". The first segment
// must not name the index or lock file, compared case-insensitively.
func ValidateModelID(id string) error {
	if id == "" {
		return wrapf(ErrInvalidModelID, "empty model id")
	}
	if strings.ContainsAny(id, "\\\x00") {
		return wrapf(ErrInvalidModelID, "%q: contains a forbidden character", id)
	}
	if strings.HasPrefix(id, ".") {
		return wrapf(ErrInvalidModelID, "%q: must not start with '.'", id)
	}
	segs := strings.Split(id, "/")
	for _, seg := range segs {
		if seg == "" || seg == "." || seg == ".." {
			return wrapf(ErrInvalidModelID, "%q: invalid path segment", id)
		}
	}
	if strings.EqualFold(segs[0], IndexFileName) || strings.EqualFold(segs[0], LockFileName) {
		return wrapf(ErrInvalidModelID, "%q: reserved name", id)
	}
	return nil
}

// SourceFile is a file the download collaborator has written under the
// model directory and asks Register to record.
type SourceFile struct {
	// Path is the path relative to the model directory.
	Path string

	// Size is the expected size in bytes. Zero means "record whatever is on disk".
	Size int64

	// SHA256 is the expected content hash, if known.
	SHA256 string
}

// Problem classifies a Verify mismatch.
type Problem string

const (
	// ProblemMissing means the file does not exist.
	ProblemMissing Problem = "missing"
	// ProblemNotRegular means the path exists but is not a regular file.
	ProblemNotRegular Problem = "not_regular"
	// ProblemSize means the on-disk size differs from the recorded size.
	ProblemSize Problem = "size"
	// ProblemHash means the content hash differs from the recorded hash.
	ProblemHash Problem = "hash"
)

// Mismatch describes one file whose on-disk state disagrees with the index.
type Mismatch struct {
	Path     string  `json:"path"`
	Problem  Problem `json:"problem"`
	Expected string  `json:"expected,omitempty"`
	Actual   string  `json:"actual,omitempty"`
}

// RemoteFile describes a file listed by the hub for a model.
type RemoteFile struct {
	// Path is the path relative to the model repository root.
	Path string

	// Size is the file size in bytes, or 0 if the hub did not report it.
	Size int64

	// SHA256 is the LFS content hash, if the hub reported one.
	SHA256 string
}

// PullProgress reports download progress during a pull operation.
type PullProgress struct {
	// Phase indicates the current phase: "listing", "files", or "registering".
	Phase string

	// FilesTotal is the total number of files to fetch.
	FilesTotal int

	// FilesCompleted is the number of files fetched so far.
	FilesCompleted int

	// BytesTotal is the total bytes to fetch, as reported by the hub.
	BytesTotal int64

	// BytesCompleted is the size of the files finished so far, including
	// files that were already present.
	BytesCompleted int64

	// BytesInProgress is the bytes read so far for files still downloading.
	BytesInProgress int64

	// CurrentFile is the file that just finished, if any.
	CurrentFile string
}
