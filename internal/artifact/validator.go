package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout     = 8 * time.Second
	defaultConcurrency = 8
	maxRedirects       = 10
)

// Config holds validator settings
type Config struct {
	Timeout     time.Duration
	Concurrency int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Validator checks that candidate image URLs resolve and returns the
// post-redirect location as the canonical URL.
type Validator struct {
	client      *http.Client
	concurrency int
	logger      *slog.Logger
}

// NewValidator creates a new Validator instance
func NewValidator(cfg Config) *Validator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Validator{
		client:      client,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Validate issues a HEAD request following redirects. Any failure is
// reported as domain.ErrArtifactRejected.
func (v *Validator) Validate(ctx context.Context, rawURL string) (string, error) {
	candidate := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(candidate)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("%w: malformed url %q", domain.ErrArtifactRejected, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, candidate, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrArtifactRejected, err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrArtifactRejected, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: http %d", domain.ErrArtifactRejected, resp.StatusCode)
	}

	return resp.Request.URL.String(), nil
}

// Resolve checks urls concurrently. The result lines up with urls and
// holds "" for every rejected candidate. Rejections are logged.
func (v *Validator) Resolve(ctx context.Context, urls []string) []string {
	results := make([]string, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			canonical, err := v.Validate(gctx, u)
			if err != nil {
				v.logger.Warn("Artifact rejected",
					slog.String("url", u),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = canonical
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ValidateAll returns the canonical URLs that survived, in input order and
// without duplicates.
func (v *Validator) ValidateAll(ctx context.Context, urls []string) []string {
	results := v.Resolve(ctx, urls)

	seen := make(map[string]struct{}, len(results))
	valid := make([]string, 0, len(results))
	for _, r := range results {
		if r == "" {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		valid = append(valid, r)
	}
	return valid
}
