package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendgridMailerSend(t *testing.T) {
	var got struct {
		From struct {
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"from"`
		Personalizations []struct {
			To []struct {
				Email string `json:"email"`
			} `json:"to"`
			Subject string `json:"subject"`
		} `json:"personalizations"`
		Content []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"content"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail/send" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sg-key" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	mailer := NewSendgridMailer("sg-key", "BDA Portal", "no-reply@bda.test").WithHost(srv.URL)
	err := mailer.Send(context.Background(), EmailMessage{
		ToEmail:  "grace@example.com",
		ToName:   "Grace Hopper",
		Subject:  "Welcome",
		TextBody: "hello",
		HTMLBody: "<p>hello</p>",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.From.Email != "no-reply@bda.test" || got.From.Name != "BDA Portal" {
		t.Fatalf("unexpected sender %+v", got.From)
	}
	if len(got.Personalizations) != 1 || got.Personalizations[0].Subject != "Welcome" ||
		len(got.Personalizations[0].To) != 1 || got.Personalizations[0].To[0].Email != "grace@example.com" {
		t.Fatalf("unexpected personalizations %+v", got.Personalizations)
	}
	if len(got.Content) != 2 || got.Content[0].Type != "text/plain" || got.Content[1].Type != "text/html" {
		t.Fatalf("unexpected content %+v", got.Content)
	}
}

func TestSendgridMailerClassifiesFailures(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"errors":[{"message":"nope"}]}`))
		}))
		err := NewSendgridMailer("k", "BDA", "no-reply@bda.test").WithHost(srv.URL).
			Send(context.Background(), EmailMessage{ToEmail: "a@b.test", Subject: "s", TextBody: "t", HTMLBody: "h"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if got := errors.Is(err, ErrPermanentDelivery); got != tc.permanent {
			t.Fatalf("status %d: permanent=%v, want %v (%v)", tc.status, got, tc.permanent, err)
		}
	}
}
