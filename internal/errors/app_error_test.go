package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name    string
		appErr  *AppError
		wantMsg string
	}{
		{
			name: "message only",
			appErr: &AppError{
				Message: "something went wrong",
			},
			wantMsg: "something went wrong",
		},
		{
			name: "message with wrapped error",
			appErr: &AppError{
				Message: "request failed",
				Err:     errors.New("connection refused"),
			},
			wantMsg: "request failed: connection refused",
		},
		{
			name: "empty message with error",
			appErr: &AppError{
				Message: "",
				Err:     errors.New("underlying"),
			},
			wantMsg: ": underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appErr.Error()
			if got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	underlying := errors.New("root cause")
	appErr := &AppError{
		Message: "wrapper",
		Err:     underlying,
	}

	if got := appErr.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}

	// nil wrapped error
	appErrNil := &AppError{Message: "no wrap"}
	if got := appErrNil.Unwrap(); got != nil {
		t.Errorf("Unwrap() on nil Err = %v, want nil", got)
	}
}

func TestAppError_ToJSON(t *testing.T) {
	appErr := &AppError{
		HTTPStatusCode: 400,
		Code:           "invalid_request",
		Message:        "bad input",
		Details:        map[string]interface{}{"field": "model"},
	}

	b := appErr.ToJSON()

	var parsed map[string]interface{}
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}

	if parsed["code"] != "invalid_request" {
		t.Errorf("code = %v, want invalid_request", parsed["code"])
	}
	if parsed["message"] != "bad input" {
		t.Errorf("message = %v, want bad input", parsed["message"])
	}
	// HTTPStatusCode should not be in JSON
	if _, exists := parsed["http_status_code"]; exists {
		t.Error("HTTPStatusCode should not be in JSON output")
	}
	// Details should be present
	details, ok := parsed["details"].(map[string]interface{})
	if !ok {
		t.Fatal("details should be a map")
	}
	if details["field"] != "model" {
		t.Errorf("details.field = %v, want model", details["field"])
	}
}

func TestAppError_ToJSON_OmitsEmptyDetails(t *testing.T) {
	appErr := &AppError{
		Code:    "ERROR",
		Message: "msg",
	}

	b := appErr.ToJSON()

	var parsed map[string]interface{}
	if err := json.Unmarshal(b, &parsed); err != nil {
		t.Fatalf("ToJSON() produced invalid JSON: %v", err)
	}

	if _, exists := parsed["details"]; exists {
		t.Error("details should be omitted when empty")
	}
}

func TestNew(t *testing.T) {
	underlying := errors.New("cause")
	appErr := New(500, "INTERNAL", "server error", underlying)

	if appErr.HTTPStatusCode != 500 {
		t.Errorf("HTTPStatusCode = %d, want 500", appErr.HTTPStatusCode)
	}
	if appErr.Code != "INTERNAL" {
		t.Errorf("Code = %s, want INTERNAL", appErr.Code)
	}
	if appErr.Message != "server error" {
		t.Errorf("Message = %s, want server error", appErr.Message)
	}
	if appErr.Err != underlying {
		t.Errorf("Err = %v, want %v", appErr.Err, underlying)
	}
}

func TestNew_NilError(t *testing.T) {
	appErr := New(404, "NOT_FOUND", "resource missing", nil)

	if appErr.Err != nil {
		t.Errorf("Err = %v, want nil", appErr.Err)
	}
	if appErr.Error() != "resource missing" {
		t.Errorf("Error() = %s, want resource missing", appErr.Error())
	}
}

func TestInvalidConfiguration(t *testing.T) {
	appErr := InvalidConfiguration("model %q does not support extended reasoning", "gemini-2.5-flash")

	if appErr.HTTPStatusCode != http.StatusBadRequest {
		t.Errorf("HTTPStatusCode = %d, want 400", appErr.HTTPStatusCode)
	}
	if appErr.Code != CodeInvalidConfiguration {
		t.Errorf("Code = %s, want %s", appErr.Code, CodeInvalidConfiguration)
	}
	want := `model "gemini-2.5-flash" does not support extended reasoning`
	if appErr.Message != want {
		t.Errorf("Message = %s, want %s", appErr.Message, want)
	}
}

func TestAsAndIsCode(t *testing.T) {
	wrapped := fmt.Errorf("prepare turn: %w", InvalidConfiguration("unknown model %q", "x"))

	appErr, ok := As(wrapped)
	if !ok {
		t.Fatal("As() should find the AppError in the chain")
	}
	if appErr.Code != CodeInvalidConfiguration {
		t.Errorf("Code = %s, want %s", appErr.Code, CodeInvalidConfiguration)
	}
	if !IsCode(wrapped, CodeInvalidConfiguration) {
		t.Error("IsCode() = false, want true")
	}
	if IsCode(errors.New("plain"), CodeInvalidConfiguration) {
		t.Error("IsCode() on plain error = true, want false")
	}
}

func TestWithDetail(t *testing.T) {
	appErr := BadRequest("bad body", nil).WithDetail("field", "messages")
	if appErr.Details["field"] != "messages" {
		t.Errorf("details.field = %v, want messages", appErr.Details["field"])
	}
}
