package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bda-association/bda-portal/internal/repository"
	"github.com/bda-association/bda-portal/internal/retry"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const commerceMaxPages = 50

// CommerceOrderDTO is an order as returned by the payment platform.
type CommerceOrderDTO struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	CustomerEmail string     `json:"customer_email"`
	CustomerName  string     `json:"customer_name"`
	SKU           string     `json:"sku"`
	Quantity      int        `json:"quantity"`
	TotalCents    int64      `json:"total_cents"`
	Currency      string     `json:"currency"`
	PlacedAt      *time.Time `json:"placed_at"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

type commerceOrderPage struct {
	Orders  []CommerceOrderDTO `json:"orders"`
	HasMore bool               `json:"has_more"`
}

// CommerceClient reads orders from the payment platform.
type CommerceClient interface {
	ListCompletedOrders(ctx context.Context, updatedAfter time.Time) ([]CommerceOrderDTO, error)
	GetOrder(ctx context.Context, id string) (*CommerceOrderDTO, error)
}

type HTTPCommerceClient struct {
	baseURL string
	client  *http.Client
	policy  retry.Policy
}

// NewHTTPCommerceClient authenticates with the OAuth2 client credentials
// grant. Tokens are cached and refreshed by the oauth2 transport.
func NewHTTPCommerceClient(ctx context.Context, baseURL, tokenURL, clientID, clientSecret string) *HTTPCommerceClient {
	base := &http.Client{Timeout: 15 * time.Second}
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	client := cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
	client.Timeout = 15 * time.Second
	return &HTTPCommerceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		policy:  retry.DefaultPolicy("commerce"),
	}
}

func (c *HTTPCommerceClient) ListCompletedOrders(ctx context.Context, updatedAfter time.Time) ([]CommerceOrderDTO, error) {
	var out []CommerceOrderDTO
	for page := 1; page <= commerceMaxPages; page++ {
		q := url.Values{}
		q.Set("status", "completed")
		if !updatedAfter.IsZero() {
			q.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339))
		}
		q.Set("page", strconv.Itoa(page))
		var body commerceOrderPage
		if err := c.getJSON(ctx, "/orders?"+q.Encode(), &body); err != nil {
			return nil, err
		}
		out = append(out, body.Orders...)
		if !body.HasMore {
			break
		}
	}
	return out, nil
}

func (c *HTTPCommerceClient) GetOrder(ctx context.Context, id string) (*CommerceOrderDTO, error) {
	var out CommerceOrderDTO
	if err := c.getJSON(ctx, "/orders/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPCommerceClient) getJSON(ctx context.Context, path string, dst any) error {
	resp, err := retry.DoHTTP(ctx, c.client, c.policy, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("commerce request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return repository.ErrOrderNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("commerce request %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(dst); err != nil {
		return fmt.Errorf("decode commerce response: %w", err)
	}
	return nil
}
