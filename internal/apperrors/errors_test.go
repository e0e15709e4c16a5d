package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", Validation("scanId", "scan ID is required"), ErrValidation},
		{"not found", NotFound("scan", "scan-abc"), ErrNotFound},
		{"duplicate", Duplicate("scan", "scan-abc"), ErrConflict},
		{"invalid transition", InvalidTransition("scan", "scan-abc", "running"), ErrInvalidTransition},
		{"external", External("engine.execute", errors.New("boom")), ErrExternal},
		{"internal", Internal("snapshot.write", errors.New("disk full")), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.sentinel)
			}
			// Wrapping must not break classification.
			wrapped := fmt.Errorf("handler: %w", tt.err)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("wrapped error lost sentinel %v", tt.sentinel)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{Validation("scanId", "bad id"), http.StatusBadRequest},
		{NotFound("scan", "x"), http.StatusNotFound},
		{Duplicate("scan", "x"), http.StatusConflict},
		{InvalidTransition("scan", "x", "completed"), http.StatusConflict},
		{External("docker.teardown", errors.New("daemon down")), http.StatusBadGateway},
		{Internal("op", errors.New("oops")), http.StatusInternalServerError},
		{errors.New("plain error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := NotFound("agent", "agent-1")
	if err.Error() != "agent agent-1 not found" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected *Error")
	}
	if appErr.Resource != "agent" {
		t.Errorf("Resource = %q, want agent", appErr.Resource)
	}
}
