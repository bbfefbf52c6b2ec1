package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestRunnerErrorMessage(t *testing.T) {
	err := ErrInvalidTransition("TASK-1", "COMPLETE", "RUNNING")
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
	if got := err.HTTPStatus(); got != 409 {
		t.Errorf("invalid transition should map to 409, got %d", got)
	}
}

func TestCategoryMapping(t *testing.T) {
	cases := []struct {
		err    *RunnerError
		status int
	}{
		{ErrTaskNotFound("default", "TASK-1"), 404},
		{ErrValidation("prompt", "must not be empty"), 400},
		{ErrClaimConflict("TASK-1"), 409},
		{ErrStorageUnavailable(fmt.Errorf("disk full")), 503},
		{ErrExecutorTimeout("TASK-1", "30m"), 504},
		{ErrBuildFailed("compile error"), 500},
	}
	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.status {
			t.Errorf("%s: expected %d, got %d", tc.err.Code, tc.status, got)
		}
	}
}

func TestUnwrapAndIs(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := ErrStorageUnavailable(cause)

	if !stderrors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if !stderrors.Is(err, ErrStorageUnavailable(nil)) {
		t.Error("expected errors.Is to match by code")
	}
	if stderrors.Is(err, ErrTaskNotFound("ns", "id")) {
		t.Error("different codes must not match")
	}
}

func TestAsRunnerError(t *testing.T) {
	inner := ErrClaimConflict("TASK-9")
	wrapped := fmt.Errorf("claim: %w", inner)

	got := AsRunnerError(wrapped)
	if got == nil {
		t.Fatal("expected to recover RunnerError through wrapping")
	}
	if got.Code != CodeClaimConflict {
		t.Errorf("expected %s, got %s", CodeClaimConflict, got.Code)
	}

	if AsRunnerError(fmt.Errorf("plain")) != nil {
		t.Error("plain errors should not convert")
	}
}

func TestMarshalJSONIncludesCause(t *testing.T) {
	err := ErrStorageUnavailable(fmt.Errorf("locked"))
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	var decoded map[string]any
	if jerr := json.Unmarshal(data, &decoded); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if decoded["code"] != string(CodeStorageUnavailable) {
		t.Errorf("expected code in JSON, got %v", decoded["code"])
	}
	if decoded["cause"] != "locked" {
		t.Errorf("expected cause in JSON, got %v", decoded["cause"])
	}
}
