// Package jobrunner dispatches batch capture jobs to the external workflow
// runner. Dispatch is fire-and-forget: it returns once the runner accepts
// the workflow, resolves the run id with a single listing call and never
// waits for the run to finish.
package jobrunner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"log/slog"

	"github.com/fairyhunter13/progressive-capture/internal/config"
	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// runCreationSkew widens the dispatch timestamp when matching the listing:
// the runner's clock and ours need not agree, and the run row can predate
// the response we saw.
const runCreationSkew = 30 * time.Second

// Client talks to the workflow runner over its REST surface. It implements
// domain.BatchRunner.
type Client struct {
	baseURL string
	owner   string
	repo    string
	ref     string
	token   string
	hc      *http.Client
	retry   domain.RetryConfig
}

// NewClient constructs the runner client from configuration.
func NewClient(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Runner %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{
		baseURL: cfg.RunnerAPIURL,
		owner:   cfg.RunnerOwner,
		repo:    cfg.RunnerRepo,
		ref:     cfg.RunnerRef,
		token:   cfg.GithubToken,
		hc: &http.Client{
			Timeout:   cfg.ForgeTimeout,
			Transport: transport,
		},
		retry: cfg.GetForgeRetryConfig(),
	}
}

// Dispatch triggers the named workflow and returns the opaque run id. The
// trigger is the dispatch: once the runner accepts it, a failure to resolve
// the run id only degrades traceability and is reported as an empty id, not
// an error.
func (c *Client) Dispatch(ctx domain.Context, workflow string, inputs map[string]string) (string, error) {
	if workflow == "" {
		return "", fmt.Errorf("op=jobrunner.Dispatch: empty workflow: %w", domain.ErrInvalidArgument)
	}

	dispatchedAt := time.Now()
	if err := c.trigger(ctx, workflow, inputs); err != nil {
		return "", err
	}

	runID, err := c.findRun(ctx, workflow, dispatchedAt.Add(-runCreationSkew))
	if err != nil {
		slog.Warn("workflow dispatched but run id not resolved",
			slog.String("workflow", workflow),
			slog.Any("error", err))
		return "", nil
	}

	slog.Info("batch workflow dispatched",
		slog.String("workflow", workflow),
		slog.String("run_id", runID))
	return runID, nil
}

// trigger posts the workflow-dispatch call with bounded transport retries.
// The runner answers 204 with no body on acceptance.
func (c *Client) trigger(ctx domain.Context, workflow string, inputs map[string]string) error {
	payload, err := json.Marshal(dispatchRequest{Ref: c.ref, Inputs: inputs})
	if err != nil {
		return fmt.Errorf("op=jobrunner.Dispatch: encode inputs: %w", err)
	}
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches", c.baseURL, c.owner, c.repo, workflow)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: build request: %v", domain.ErrTransport, err))
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: workflow %s", domain.ErrNotFound, workflow))
		case resp.StatusCode == http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("%w: status %d dispatching %s", domain.ErrRateExhausted, resp.StatusCode, workflow))
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d dispatching %s", domain.ErrTransport, resp.StatusCode, workflow)
		default:
			return backoff.Permanent(fmt.Errorf("%w: status %d dispatching %s", domain.ErrTransport, resp.StatusCode, workflow))
		}
	}

	if err := backoff.Retry(op, backoffFor(ctx, c.retry)); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return fmt.Errorf("op=jobrunner.Dispatch: %w", err)
	}
	return nil
}

// findRun issues one listing call and returns the newest dispatch run created
// after the cutoff. The listing is newest first; no polling loop.
func (c *Client) findRun(ctx domain.Context, workflow string, cutoff time.Time) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/runs?event=workflow_dispatch&per_page=5",
		c.baseURL, c.owner, c.repo, workflow)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", domain.ErrTransport, err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d listing runs for %s", domain.ErrTransport, resp.StatusCode, workflow)
	}

	var out workflowRunList
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode runs: %v", domain.ErrTransport, err)
	}
	for _, run := range out.WorkflowRuns {
		if run.CreatedAt.Before(cutoff) {
			continue
		}
		return strconv.FormatInt(run.ID, 10), nil
	}
	return "", fmt.Errorf("%w: no run visible yet for %s", domain.ErrNotFound, workflow)
}

// backoffFor builds the bounded exponential policy for transport retries,
// with randomisation disabled so the delay ladder stays as configured.
func backoffFor(ctx domain.Context, rc domain.RetryConfig) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = rc.InitialDelay
	expo.MaxInterval = rc.MaxDelay
	expo.Multiplier = rc.Multiplier
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0

	var bo backoff.BackOff = expo
	if rc.MaxRetries >= 0 {
		bo = backoff.WithMaxRetries(expo, uint64(rc.MaxRetries))
	}
	return backoff.WithContext(bo, ctx)
}

// Runner wire shapes.

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

type workflowRunList struct {
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type workflowRun struct {
	ID        int64     `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
