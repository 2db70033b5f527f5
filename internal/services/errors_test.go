package services

import (
	"errors"
	"testing"
)

func TestWrapTagsWithMarker(t *testing.T) {
	err := Wrap(ErrInvalidInput, "docxcheck", "magic", "bad signature", nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("marker lost: %v", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Wrap(ErrEngineFailure, "engine", "run", "run failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("marker lost: %v", err)
	}
}

func TestWrapDefaultsToEngineFailure(t *testing.T) {
	err := Wrap(nil, "engine", "run", "boom", nil)
	if !errors.Is(err, ErrEngineFailure) {
		t.Fatalf("nil marker should default to engine failure: %v", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		marker error
		want   bool
	}{
		{ErrInvalidInput, false},
		{ErrValidationTimeout, false},
		{ErrEngineFailure, true},
		{ErrPreflightFailed, true},
		{ErrPermissionDenied, true},
		{ErrCancelled, true},
	}
	for _, tc := range cases {
		err := Wrap(tc.marker, "c", "op", "m", nil)
		if got := Retryable(err); got != tc.want {
			t.Errorf("Retryable(%v) = %v, want %v", tc.marker, got, tc.want)
		}
	}
}

func TestUserMessageStripsMarkerPrefix(t *testing.T) {
	err := Wrap(ErrPermissionDenied, "preflight", "writable", "output directory is read only", nil)
	got := UserMessage(err)
	want := "preflight: writable: output directory is read only"
	if got != want {
		t.Fatalf("UserMessage = %q, want %q", got, want)
	}
}

func TestUserMessageNil(t *testing.T) {
	if got := UserMessage(nil); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
