// Package relay talks to the lightning-loop relay: job claiming, job
// lifecycle reporting, event posting and the graph event stream.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/lightningloop/invene/pkg/types"
)

// Config holds relay client configuration.
type Config struct {
	// BaseURL of the relay, e.g. "http://localhost:8000/relay".
	BaseURL string

	// ClaimedBy identifies this orchestrator instance to the relay. A
	// unique identifier is generated when empty.
	ClaimedBy string

	// OAuth enables client-credentials authentication when set.
	OAuth *clientcredentials.Config

	// EventsPerSecond bounds how fast events are posted. Zero disables
	// pacing.
	EventsPerSecond float64

	// HTTPClient overrides the transport. Ignored when OAuth is set.
	HTTPClient *http.Client
}

// Client is the relay HTTP client. All methods are safe for concurrent
// use.
type Client struct {
	baseURL   string
	http      *http.Client
	claimedBy string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewClient creates a relay client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	claimedBy := cfg.ClaimedBy
	if claimedBy == "" {
		claimedBy = "invene-" + uuid.NewString()[:8]
	}

	httpClient := cfg.HTTPClient
	if cfg.OAuth != nil {
		httpClient = cfg.OAuth.Client(context.Background())
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var limiter *rate.Limiter
	if cfg.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), int(cfg.EventsPerSecond)+1)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      httpClient,
		claimedBy: claimedBy,
		limiter:   limiter,
		logger:    logger,
	}
}

// ClaimedBy returns the instance identifier sent with claim requests.
func (c *Client) ClaimedBy() string {
	return c.claimedBy
}

// HTTPError is a non-2xx relay response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Body)
}

type claimRequest struct {
	ClaimedBy string `json:"claimed_by"`
}

// ClaimNext polls the relay for a pending job and claims it. It returns
// (nil, nil) when no work is available; an empty queue is not an error
// and is not logged.
func (c *Client) ClaimNext(ctx context.Context) (*types.Job, error) {
	body, err := c.post(ctx, "/jobs/next", claimRequest{ClaimedBy: c.claimedBy}, nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(body) == 0 || string(bytes.TrimSpace(body)) == "null" {
		return nil, nil
	}

	var job types.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}

// Start marks a claimed job as running. The relay appends the job_started
// event itself.
func (c *Client) Start(ctx context.Context, jobID string) error {
	_, err := c.post(ctx, "/jobs/"+url.PathEscape(jobID)+"/start", nil, nil)
	return err
}

// Progress records which node the job is currently on.
func (c *Client) Progress(ctx context.Context, jobID, nodeID string, nodeIndex int) error {
	q := url.Values{}
	q.Set("node_id", nodeID)
	q.Set("node_index", strconv.Itoa(nodeIndex))
	_, err := c.post(ctx, "/jobs/"+url.PathEscape(jobID)+"/progress", nil, q)
	return err
}

// Complete marks a running job as completed.
func (c *Client) Complete(ctx context.Context, jobID string) error {
	_, err := c.post(ctx, "/jobs/"+url.PathEscape(jobID)+"/complete", nil, nil)
	return err
}

// Fail marks a job as failed with an error message.
func (c *Client) Fail(ctx context.Context, jobID, errorMessage string) error {
	q := url.Values{}
	q.Set("error_message", errorMessage)
	_, err := c.post(ctx, "/jobs/"+url.PathEscape(jobID)+"/fail", nil, q)
	return err
}

// PostEvent sends one execution event and returns it with the relay's
// assigned event ID. Posting is paced by the configured rate limit.
func (c *Client) PostEvent(ctx context.Context, in types.EventInput) (*types.ExecutionEvent, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := c.post(ctx, "/events", in, nil)
	if err != nil {
		return nil, err
	}

	var ev types.ExecutionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

// ListJobs fetches recent jobs without claiming them. status filters by
// job status when non-empty; limit caps the result when positive.
func (c *Client) ListJobs(ctx context.Context, status types.JobStatus, limit int) ([]types.JobListItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	endpoint := c.baseURL + "/jobs/list"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /jobs/list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /jobs/list: relay returned %s", resp.Status)
	}

	var jobs []types.JobListItem
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return nil, fmt.Errorf("decode job list: %w", err)
	}
	return jobs, nil
}

// post issues a POST to the relay and returns the response body. A nil
// payload sends an empty body; 204 responses yield an empty body.
func (c *Client) post(ctx context.Context, path string, payload any, query url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return raw, nil
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("POST %s: %w", path, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		})
	}
}
