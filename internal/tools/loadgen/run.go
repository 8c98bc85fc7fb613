package loadgen

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bda-association/bda-portal/internal/service"
)

type Config struct {
	BaseURL     string
	Profile     string
	Duration    time.Duration
	RPS         int
	Concurrency int
	Seed        int64
	// Credentials are issued credential IDs; the verify profile alternates
	// between them and random IDs so both cache paths see traffic.
	Credentials []string
}

type Result struct {
	TotalRequests int64
	Failures      int64
	Status2xx     int64
	Status4xx     int64
	Status429     int64
	Status5xx     int64
	P50           time.Duration
	P95           time.Duration
}

type latencies struct {
	mu      sync.Mutex
	samples []time.Duration
}

func (l *latencies) add(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

// percentile uses nearest rank over the recorded samples.
func (l *latencies) percentile(p float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.samples) == 0 {
		return 0
	}
	sorted := slices.Clone(l.samples)
	slices.Sort(sorted)
	idx := int(float64(len(sorted))*p+0.5) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}

type request struct {
	method string
	path   string
	body   string
}

func Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 15
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)>>1))
	next, err := generatorForProfile(cfg.Profile, rng, cfg.Credentials)
	if err != nil {
		return Result{}, err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	base := strings.TrimRight(cfg.BaseURL, "/")

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var res Result
	lat := &latencies{}
	jobs := make(chan request, cfg.Concurrency*2)
	var wg sync.WaitGroup
	for range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				send(ctx, client, base, r, &res, lat)
			}
		}()
	}

	ticker := time.NewTicker(time.Second / time.Duration(cfg.RPS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return Result{
				TotalRequests: atomic.LoadInt64(&res.TotalRequests),
				Failures:      atomic.LoadInt64(&res.Failures),
				Status2xx:     atomic.LoadInt64(&res.Status2xx),
				Status4xx:     atomic.LoadInt64(&res.Status4xx),
				Status429:     atomic.LoadInt64(&res.Status429),
				Status5xx:     atomic.LoadInt64(&res.Status5xx),
				P50:           lat.percentile(0.50),
				P95:           lat.percentile(0.95),
			}, nil
		case <-ticker.C:
			jobs <- next()
		}
	}
}

func send(ctx context.Context, client *http.Client, base string, r request, res *Result, lat *latencies) {
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, base+r.path, body)
	if err != nil {
		atomic.AddInt64(&res.Failures, 1)
		return
	}
	if r.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			atomic.AddInt64(&res.Failures, 1)
		}
		return
	}
	_ = resp.Body.Close()
	lat.add(time.Since(start))
	atomic.AddInt64(&res.TotalRequests, 1)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		atomic.AddInt64(&res.Status2xx, 1)
	case resp.StatusCode == http.StatusTooManyRequests:
		atomic.AddInt64(&res.Status429, 1)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		atomic.AddInt64(&res.Status4xx, 1)
	case resp.StatusCode >= 500:
		atomic.AddInt64(&res.Status5xx, 1)
	}
}

// generatorForProfile returns a request source. Without known credentials
// every verify lookup uses a random ID and misses the verification cache.
func generatorForProfile(profile string, rng *rand.Rand, known []string) (func() request, error) {
	verify := func() request {
		id := randomCredentialID(rng)
		if len(known) > 0 && rng.IntN(2) == 0 {
			id = known[rng.IntN(len(known))]
		}
		return request{method: http.MethodGet, path: "/api/v1/verify/" + id}
	}
	public := []func() request{
		func() request { return request{method: http.MethodGet, path: "/health/live"} },
		func() request { return request{method: http.MethodGet, path: "/api/v1/certifications"} },
		verify,
	}
	auth := []func() request{
		func() request {
			return request{
				method: http.MethodPost,
				path:   "/api/v1/auth/login",
				body:   fmt.Sprintf(`{"email":"loadgen+%d@example.com","password":"not-the-password"}`, rng.IntN(50)),
			}
		},
		func() request {
			return request{method: http.MethodPost, path: "/api/v1/auth/refresh", body: `{"refresh_token":"invalid"}`}
		},
	}

	var pool []func() request
	switch strings.ToLower(profile) {
	case "", "mixed":
		pool = append(append(pool, public...), auth...)
	case "public":
		pool = public
	case "verify":
		pool = public[2:]
	case "auth":
		pool = auth
	default:
		return nil, fmt.Errorf("unknown profile: %s", profile)
	}
	i := 0
	return func() request {
		r := pool[i%len(pool)]()
		i++
		return r
	}, nil
}

func randomCredentialID(rng *rand.Rand) string {
	codes := []string{"CA", "CP"}
	return service.FormatCredentialID(codes[rng.IntN(len(codes))], 2020+rng.IntN(6), rng.Int64N(1000000))
}
