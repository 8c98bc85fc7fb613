package integration

import (
	"net/http"
	"testing"
)

func TestAuthRateLimitReturns429(t *testing.T) {
	env := newPortalServerWithOptions(t, portalServerOptions{authRateLimitRPM: 3})

	codes := make([]int, 0, 4)
	for range 4 {
		resp, _ := doJSON(t, env.client, http.MethodPost, env.url("/api/v1/auth/login"), map[string]string{
			"email": "limited@example.com", "password": "Whatever2026",
		}, nil)
		codes = append(codes, resp.StatusCode)
	}
	for i, code := range codes[:3] {
		if code == http.StatusTooManyRequests {
			t.Fatalf("request %d limited too early: %v", i, codes)
		}
	}
	if codes[3] != http.StatusTooManyRequests {
		t.Fatalf("expected fourth request to be limited, got %v", codes)
	}

	resp, _ := doJSON(t, env.client, http.MethodGet, env.url("/api/v1/certifications"), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("public routes use their own budget, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newPortalServer(t)

	resp, _ := doJSON(t, env.client, http.MethodGet, env.url("/health/live"), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("live: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, env.client, http.MethodGet, env.url("/health/ready"), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: %d", resp.StatusCode)
	}

	env.redis.Close()
	resp, body := doJSON(t, env.client, http.MethodGet, env.url("/health/ready"), nil, nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body.Error == nil || body.Error.Code != "DEPENDENCY_UNREADY" {
		t.Fatalf("expected unready with redis down, got %d %+v", resp.StatusCode, body.Error)
	}
}
