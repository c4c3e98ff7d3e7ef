// Package forge implements the hybrid client for the code-forge API: a
// compound GraphQL path, a fine-grained REST path and the hybrid wrapper
// that prefers compound and falls back to fine-grained on failure. Both
// paths normalise responses into the domain shapes and feed every budget
// observation to the governor.
package forge

import (
	"fmt"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/progressive-capture/internal/domain"
)

// Query type labels reported on governor samples.
const (
	queryTypeCompound = "compound"
	queryTypeREST     = "rest"
)

// restCallCost is the budget cost attributed to one fine-grained call.
const restCallCost = 1

// newHTTPClient builds an HTTP client with OpenTelemetry tracing on the
// transport. Span names carry the forge path so compound and fine-grained
// traffic separate cleanly in traces.
func newHTTPClient(timeout time.Duration, path string) *http.Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Forge(%s) %s %s", path, r.Method, r.URL.Host)
		}),
	)
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// backoffFor builds the bounded exponential policy for transport retries.
// Randomisation is disabled so the delay ladder stays exactly as configured.
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
