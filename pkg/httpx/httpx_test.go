package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]any{"ok": true, "count": 2})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %#v", body["ok"])
	}
}

func TestError(t *testing.T) {
	rr := httptest.NewRecorder()
	Error(rr, http.StatusForbidden, "forbidden")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "forbidden" {
		t.Fatalf("expected error message, got %#v", body)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff header, got %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected DENY frame header, got %q", got)
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Fatalf("expected referrer policy, got %q", got)
	}
	if got := rr.Header().Get("Permissions-Policy"); got == "" {
		t.Fatal("expected permissions policy header")
	}
	if got := rr.Header().Get("Content-Security-Policy"); got == "" {
		t.Fatal("expected content security policy header")
	}
}

func TestCORSMiddlewareAllowlist(t *testing.T) {
	handler := CORSMiddleware("https://console.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/verdicts", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Fatalf("unexpected allow-origin: %q", got)
	}
}

func TestCORSMiddlewareRejectsUnknownOriginPreflight(t *testing.T) {
	handler := CORSMiddleware("https://console.example.com")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodOptions, "/v1/verdicts", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Title string `json:"title"`
	}
	tests := []struct {
		name    string
		body    string
		limit   int64
		wantErr string
	}{
		{name: "ok", body: `{"title":"x"}`},
		{name: "empty", body: ``, wantErr: "request body required"},
		{name: "unknown_field", body: `{"title":"x","owner":"b"}`, wantErr: "invalid json"},
		{name: "trailing", body: `{"title":"x"}{"title":"y"}`, wantErr: "trailing data"},
		{name: "too_large", body: `{"title":"xxxxxxxxxxxxxxxxxxxx"}`, limit: 8, wantErr: "exceeds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got payload
			var decodeErr error
			h := LimitBody(tt.limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				decodeErr = DecodeJSON(r, &got)
			}))
			if tt.limit == 0 {
				h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					decodeErr = DecodeJSON(r, &got)
				})
			}
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			h.ServeHTTP(httptest.NewRecorder(), req)
			if tt.wantErr == "" {
				if decodeErr != nil || got.Title != "x" {
					t.Fatalf("unexpected result %+v err=%v", got, decodeErr)
				}
				return
			}
			if decodeErr == nil || !strings.Contains(decodeErr.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, decodeErr)
			}
		})
	}
}
