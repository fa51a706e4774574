// Package dialer submits dialer pages to external collection vendors and
// reads back their call outcomes.
package dialer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/collection-cli/internal/resilience"
)

// Item is one obligation on a vendor page.
type Item struct {
	ObligationID int64  `json:"obligation_id"`
	AccountID    int64  `json:"account_id"`
	Phone        string `json:"phone,omitempty"`
	Name         string `json:"name,omitempty"`
	DueAmount    int64  `json:"due_amount"`
	DPD          int    `json:"dpd"`
}

// Batch is a page submitted to a vendor. PageKey is stable across retries and
// reruns so the vendor can deduplicate.
type Batch struct {
	PageKey  string    `json:"page_key"`
	Vendor   string    `json:"-"`
	BucketID string    `json:"bucket_id"`
	RunDate  time.Time `json:"run_date"`
	Items    []Item    `json:"items"`
}

// Task states reported by vendors.
const (
	TaskPending  = "pending"
	TaskComplete = "complete"
)

// ContactOutcome is the call result for one account on a task.
type ContactOutcome struct {
	AccountID    int64     `json:"account_id"`
	ObligationID int64     `json:"obligation_id"`
	Contacted    bool      `json:"contacted"`
	CalledAt     time.Time `json:"called_at"`
}

// TaskOutcome is a vendor's report on a submitted page.
type TaskOutcome struct {
	TaskID   string           `json:"task_id"`
	Status   string           `json:"status"`
	Contacts []ContactOutcome `json:"contacts"`
}

// Client talks to one dialer vendor.
type Client interface {
	SubmitBatch(ctx context.Context, batch Batch) (string, error)
	FetchOutcome(ctx context.Context, taskID string) (*TaskOutcome, error)
}

// Option configures the HTTP client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second. Zero disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a JSON-over-HTTP vendor client.
func NewClient(name, baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

func (c *httpClient) SubmitBatch(ctx context.Context, batch Batch) (string, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return "", eris.Wrap(err, "dialer: marshal batch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/batches", bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "dialer: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", batch.PageKey)

	respBody, err := c.do(req, http.StatusOK, http.StatusCreated, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	var out submitResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", eris.Wrap(err, "dialer: unmarshal submit response")
	}
	if out.TaskID == "" {
		return "", eris.Errorf("dialer: %s returned no task id", c.name)
	}
	return out.TaskID, nil
}

func (c *httpClient) FetchOutcome(ctx context.Context, taskID string) (*TaskOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/batches/"+url.PathEscape(taskID)+"/outcome", nil)
	if err != nil {
		return nil, eris.Wrap(err, "dialer: create request")
	}

	respBody, err := c.do(req, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var out TaskOutcome
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "dialer: unmarshal outcome")
	}
	if out.TaskID == "" {
		out.TaskID = taskID
	}
	return &out, nil
}

// do sends req and returns the body of an accepted response. Retryable
// statuses and transport failures come back as resilience.TransientError.
func (c *httpClient) do(req *http.Request, accept ...int) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, eris.Wrapf(err, "dialer: %s rate limit wait", c.name)
		}
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, eris.Wrapf(err, "dialer: %s send request", c.name)
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "dialer: %s send request", c.name), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "dialer: %s read response", c.name), resp.StatusCode)
	}

	for _, code := range accept {
		if resp.StatusCode == code {
			return body, nil
		}
	}

	err = eris.Errorf("dialer: %s unexpected status %d: %s", c.name, resp.StatusCode, string(body))
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(err, resp.StatusCode)
	}
	return nil, err
}
