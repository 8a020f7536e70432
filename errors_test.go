package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrInvalidPath", ErrInvalidPath, "models: invalid file path"},
		{"ErrInvalidModelID", ErrInvalidModelID, "models: invalid model id"},
		{"ErrDuplicateFile", ErrDuplicateFile, "models: duplicate file path"},
		{"ErrCorruptIndex", ErrCorruptIndex, "models: corrupt model index"},
		{"ErrModelAlreadyExists", ErrModelAlreadyExists, "models: model already registered"},
		{"ErrIncompleteDownload", ErrIncompleteDownload, "models: incomplete download"},
		{"ErrNotFound", ErrNotFound, "models: model not found"},
		{"ErrIndexLocked", ErrIndexLocked, "models: index is locked by another process"},
		{"ErrNetworkError", ErrNetworkError, "models: network error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.wantMsg {
				t.Errorf("got %q, want %q", tt.err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestErrorKindMatchesSentinel(t *testing.T) {
	for kind, sentinel := range kindSentinels {
		t.Run(string(kind), func(t *testing.T) {
			err := newError("register", "m", wrapf(sentinel, "detail"))

			if err.Kind != kind {
				t.Errorf("Kind = %q, want %q", err.Kind, kind)
			}
			if !errors.Is(err, sentinel) {
				t.Errorf("errors.Is(err, %v) = false", sentinel)
			}
			if got := KindOf(err); got != kind {
				t.Errorf("KindOf = %q, want %q", got, kind)
			}
		})
	}
}

func TestErrorIsDoesNotMatchOtherSentinels(t *testing.T) {
	err := newError("remove", "m", wrapf(ErrNotFound, "m"))

	if errors.Is(err, ErrIndexLocked) {
		t.Error("not_found error matched ErrIndexLocked")
	}
	if errors.Is(err, ErrModelNotFound) {
		t.Error("local not_found error matched hub ErrModelNotFound")
	}
}

func TestErrorFormat(t *testing.T) {
	err := newError("register", "openai/clip", wrapf(ErrIncompleteDownload, "weights.bin: file missing"))
	msg := err.Error()

	for _, want := range []string{"register", "openai/clip", "incomplete_download", "weights.bin: file missing"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestErrorAs(t *testing.T) {
	var wrapped error = fmt.Errorf("outer: %w", newError("open", "", wrapf(ErrCorruptIndex, "bad json")))

	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatal("errors.As failed to find *Error")
	}
	if e.Op != "open" {
		t.Errorf("Op = %q, want %q", e.Op, "open")
	}
	if e.Kind != KindCorruptIndex {
		t.Errorf("Kind = %q, want %q", e.Kind, KindCorruptIndex)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"bare sentinel", ErrIndexLocked, KindIndexLocked},
		{"wrapped sentinel", fmt.Errorf("ctx: %w", ErrNetworkError), KindNetworkError},
		{"foreign error", errors.New("boom"), KindUnknown},
		{"context cancel", newError("register", "m", context.Canceled), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorUnwrapKeepsContextErrors(t *testing.T) {
	err := newError("register", "m", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("errors.Is(err, context.DeadlineExceeded) = false")
	}
}
