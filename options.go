package quill

import (
	"context"
	"fmt"
	"io"

	"github.com/zoobzio/pipz"
)

var (
	rateLimitID    = pipz.NewIdentity("rate-limit", "Throttles attempts before they reach the provider")
	errorHandlerID = pipz.NewIdentity("error-handler", "Reports failed attempts to a caller handler")
	debugID        = pipz.NewIdentity("debug", "Dumps attempt requests and replies")
)

// Option decorates the per-attempt pipeline.
// Retries, backoff and timeouts are owned by the Executor; options add behavior
// around a single attempt.
type Option func(pipz.Chainable[*Attempt]) pipz.Chainable[*Attempt]

// WithRateLimit throttles attempts before they reach the provider.
// rps = requests per second, burst = burst capacity.
func WithRateLimit(rps float64, burst int) Option {
	return func(pipeline pipz.Chainable[*Attempt]) pipz.Chainable[*Attempt] {
		return pipz.NewRateLimiter(rateLimitID, rps, burst, pipeline)
	}
}

// WithErrorHandler adds error handling to the pipeline.
// The handler sees every failed attempt; the failure still reaches the executor's
// classification and retry logic.
func WithErrorHandler(handler pipz.Chainable[*pipz.Error[*Attempt]]) Option {
	return func(pipeline pipz.Chainable[*Attempt]) pipz.Chainable[*Attempt] {
		return pipz.NewHandle(errorHandlerID, pipeline, handler)
	}
}

// WithDebug writes each attempt's request text and raw response to w.
// Credentials are printed as suffixes only.
func WithDebug(w io.Writer) Option {
	return func(pipeline pipz.Chainable[*Attempt]) pipz.Chainable[*Attempt] {
		return pipz.Apply(debugID, func(ctx context.Context, a *Attempt) (*Attempt, error) {
			fmt.Fprintf(w, "\n=== DEBUG: Attempt %d (credential %s) ===\n", a.Number, a.Credential)
			fmt.Fprintln(w, a.Request.Summary())
			fmt.Fprintln(w, "=====================")

			processed, err := pipeline.Process(ctx, a)
			if err != nil {
				fmt.Fprintf(w, "\n=== DEBUG: Error ===\n%v\n==================\n\n", err)
				return processed, err
			}

			fmt.Fprintln(w, "\n=== DEBUG: Raw Response ===")
			fmt.Fprintln(w, processed.Response.Text)
			fmt.Fprintln(w, "===========================")
			return processed, nil
		})
	}
}
