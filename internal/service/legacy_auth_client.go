package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/retry"
)

// LegacyAuthClient exchanges a user's credentials at the legacy identity
// provider for a signed JWT.
type LegacyAuthClient interface {
	Exchange(ctx context.Context, email, password string) (string, error)
}

type HTTPLegacyAuthClient struct {
	baseURL  string
	clientID string
	client   *http.Client
	policy   retry.Policy
}

func NewHTTPLegacyAuthClient(baseURL, clientID string, client *http.Client) *HTTPLegacyAuthClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPLegacyAuthClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		client:   client,
		policy:   retry.DefaultPolicy("legacy_auth"),
	}
}

type legacyTokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
}

func (c *HTTPLegacyAuthClient) Exchange(ctx context.Context, email, password string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", email)
	form.Set("password", password)
	if c.clientID != "" {
		form.Set("client_id", c.clientID)
	}
	body := form.Encode()

	resp, err := retry.DoHTTP(ctx, c.client, c.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("legacy token exchange: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrLegacyAuthRejected
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("legacy token exchange: unexpected status %d", resp.StatusCode)
	}

	var out legacyTokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode legacy token response: %w", err)
	}
	token := out.IDToken
	if token == "" {
		token = out.AccessToken
	}
	if token == "" {
		return "", fmt.Errorf("legacy token exchange: empty token")
	}
	return token, nil
}
