package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func TestEnvelopes(t *testing.T) {
	var captured *http.Request
	h := chimiddleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		if r.URL.Path == "/ok" {
			JSON(w, r, http.StatusCreated, map[string]int{"id": 7})
			return
		}
		Error(w, r, http.StatusConflict, "CONFLICT", "already exists", map[string]string{"field": "email"})
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if rec.Code != http.StatusCreated || rec.Header().Get("Content-Type") != "application/json; charset=utf-8" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	var ok struct {
		Success bool           `json:"success"`
		Data    map[string]int `json:"data"`
		Meta    Meta           `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok.Success || ok.Data["id"] != 7 || ok.Meta.RequestID == "" || ok.Meta.RequestID != chimiddleware.GetReqID(captured.Context()) {
		t.Fatalf("unexpected success envelope %+v", ok)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
	var fail Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &fail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusConflict || fail.Success || fail.Error == nil || fail.Error.Code != "CONFLICT" || fail.Data != nil {
		t.Fatalf("unexpected error envelope %+v", fail)
	}
}
