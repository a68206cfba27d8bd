package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/photoshoot-be/internal/domain"
)

// ExternalID is a provider job id. The provider sends numbers, but
// strings are accepted too.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("renderer: invalid id %s", string(b))
	}
	*id = ExternalID(n.String())
	return nil
}

// Prompt is the provider's job object, returned on create, listed by the
// source-of-truth call, and delivered in callbacks.
type Prompt struct {
	ID        ExternalID `json:"id"`
	Text      string     `json:"text"`
	NumImages int        `json:"num_images"`
	Images    []string   `json:"images"`
	TuneID    ExternalID `json:"tune_id"`
	CreatedAt string     `json:"created_at,omitempty"`
}

// CreateRequest describes one generation call
type CreateRequest struct {
	ModelID     string
	Text        string
	CallbackURL string
	NumImages   int
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("renderer: http %d: %s", e.StatusCode, e.Body)
}

// Options configures the renderer client
type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client talks to the external batch-rendering service
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates a new renderer client
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.astria.ai"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		token:      strings.TrimSpace(opts.APIKey),
	}
}

// CreatePrompt submits one generation job. Transient failures are wrapped
// in domain.RetryableError.
func (c *Client) CreatePrompt(ctx context.Context, req CreateRequest) (*Prompt, error) {
	if req.NumImages <= 0 {
		return nil, fmt.Errorf("%w: num_images must be positive", domain.ErrInvalidSlot)
	}

	form := url.Values{}
	form.Set("prompt[text]", req.Text)
	form.Set("prompt[callback]", req.CallbackURL)
	form.Set("prompt[num_images]", strconv.Itoa(req.NumImages))

	endpoint := fmt.Sprintf("%s/tunes/%s/prompts", c.baseURL, url.PathEscape(req.ModelID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out Prompt
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, errors.New("renderer: response missing prompt id")
	}
	return &out, nil
}

// ListPrompts returns every job the provider knows for a model
func (c *Client) ListPrompts(ctx context.Context, modelID string) ([]Prompt, error) {
	endpoint := fmt.Sprintf("%s/tunes/%s/prompts", c.baseURL, url.PathEscape(modelID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var out []Prompt
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTransientNetErr(err) {
			return domain.NewRetryableError(err)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if IsRetryableStatus(resp.StatusCode) {
			return domain.NewRetryableError(statusErr)
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("renderer: decode response: %w", err)
	}
	return nil
}

// IsRetryableStatus reports whether an HTTP status is worth retrying
func IsRetryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
