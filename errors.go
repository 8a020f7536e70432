package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrInvalidPath indicates a file path is absolute or escapes the model directory.
	ErrInvalidPath = errors.New("models: invalid file path")

	// ErrInvalidSize indicates a negative file size.
	ErrInvalidSize = errors.New("models: invalid file size")

	// ErrInvalidModelID indicates an empty or malformed model identifier.
	ErrInvalidModelID = errors.New("models: invalid model id")

	// ErrDuplicateFile indicates the same path appears twice in one model.
	ErrDuplicateFile = errors.New("models: duplicate file path")

	// ErrCorruptIndex indicates the index file exists but cannot be parsed.
	// The file is left on disk untouched for inspection.
	ErrCorruptIndex = errors.New("models: corrupt model index")

	// ErrStorageUnavailable indicates the storage root cannot be created, read or written.
	ErrStorageUnavailable = errors.New("models: storage unavailable")

	// ErrModelAlreadyExists indicates a model is already registered.
	// Returned by Register when WithOverwrite() is not specified.
	ErrModelAlreadyExists = errors.New("models: model already registered")

	// ErrIncompleteDownload indicates a registered file is missing or has the wrong size.
	ErrIncompleteDownload = errors.New("models: incomplete download")

	// ErrNotFound indicates the model is not present in the local index.
	ErrNotFound = errors.New("models: model not found")

	// ErrIndexLocked indicates the index lock could not be acquired in time.
	ErrIndexLocked = errors.New("models: index is locked by another process")

	// ErrModelNotFound indicates the model does not exist on the remote hub.
	ErrModelNotFound = errors.New("models: model not found on hub")

	// ErrNetworkError indicates a network or connection failure.
	ErrNetworkError = errors.New("models: network error")

	// ErrHubError indicates the hub returned an unexpected status or unparseable data.
	ErrHubError = errors.New("models: invalid hub response")
)

// Kind is a stable, machine-readable error category.
type Kind string

// Error kinds, one per sentinel.
const (
	KindInvalidPath        Kind = "invalid_path"
	KindInvalidSize        Kind = "invalid_size"
	KindInvalidModelID     Kind = "invalid_model_id"
	KindDuplicateFile      Kind = "duplicate_file"
	KindCorruptIndex       Kind = "corrupt_index"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindModelAlreadyExists Kind = "model_already_exists"
	KindIncompleteDownload Kind = "incomplete_download"
	KindNotFound           Kind = "not_found"
	KindIndexLocked        Kind = "index_locked"
	KindModelNotFound      Kind = "model_not_found"
	KindNetworkError       Kind = "network_error"
	KindHubError           Kind = "hub_error"
	KindUnknown            Kind = "unknown"
)

var kindSentinels = map[Kind]error{
	KindInvalidPath:        ErrInvalidPath,
	KindInvalidSize:        ErrInvalidSize,
	KindInvalidModelID:     ErrInvalidModelID,
	KindDuplicateFile:      ErrDuplicateFile,
	KindCorruptIndex:       ErrCorruptIndex,
	KindStorageUnavailable: ErrStorageUnavailable,
	KindModelAlreadyExists: ErrModelAlreadyExists,
	KindIncompleteDownload: ErrIncompleteDownload,
	KindNotFound:           ErrNotFound,
	KindIndexLocked:        ErrIndexLocked,
	KindModelNotFound:      ErrModelNotFound,
	KindNetworkError:       ErrNetworkError,
	KindHubError:           ErrHubError,
}

// Error is returned by Manager operations. It carries the operation, the
// offending model identifier and a stable Kind so callers can format
// actionable messages without parsing strings.
type Error struct {
	// Op is the operation that failed, e.g. "register".
	Op string

	// Kind is the error category.
	Kind Kind

	// ModelID is the model the operation was about. May be empty for Open.
	ModelID string

	// Err is the underlying cause. May be nil.
	Err error
}

func (e *Error) Error() string {
	msg := "models: " + e.Op
	if e.ModelID != "" {
		msg += " " + e.ModelID
	}
	msg += ": " + string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// newError builds an *Error, deriving Kind from the sentinel wrapped by cause.
func newError(op, modelID string, cause error) *Error {
	return &Error{Op: op, Kind: KindOf(cause), ModelID: modelID, Err: cause}
}

// wrapf wraps a sentinel with extra context, keeping errors.Is intact.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// KindOf returns the Kind of err, or KindUnknown if err does not wrap any
// sentinel from this package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
