package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONError(w, http.StatusConflict, "subgoal refresh in progress")

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["error"] != "subgoal refresh in progress" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestWriteJSONOK(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONOK(w, map[string]int{"tick": 7})

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"tick":7`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMethodNotAllowedAndBadRequest(t *testing.T) {
	w := httptest.NewRecorder()
	MethodNotAllowed(w)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	BadRequest(w, "empty frame")
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "empty frame") {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestReadBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/frames", strings.NewReader("12345"))
	data, err := ReadBody(r, 5)
	if err != nil || string(data) != "12345" {
		t.Fatalf("ReadBody = %q, %v", data, err)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/frames", strings.NewReader("123456"))
	if _, err := ReadBody(r, 5); err == nil {
		t.Fatal("expected oversize body to be rejected")
	}
}
