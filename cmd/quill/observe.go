package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/quill"
)

// observe prints progress events on stderr when verbose is set. The returned
// func detaches the listener.
func observe(verbose bool) func() {
	if !verbose {
		return func() {}
	}
	listener := capitan.Observe(func(_ context.Context, e *capitan.Event) {
		if line := describe(e); line != "" {
			fmt.Fprintln(os.Stderr, styleMuted.Render(line))
		}
	})
	return listener.Close
}

func describe(e *capitan.Event) string {
	switch e.Signal() {
	case quill.AttemptFailed:
		class, _ := quill.ErrorClassKey.From(e)
		cred, _ := quill.CredentialKey.From(e)
		attempt, _ := quill.AttemptKey.From(e)
		backoff, _ := quill.BackoffMsKey.From(e)
		return fmt.Sprintf("attempt %d failed (%s, key …%s), retrying in %s",
			attempt, class, cred, time.Duration(backoff)*time.Millisecond)
	case quill.RequestExhausted:
		attempts, _ := quill.MaxAttemptsKey.From(e)
		class, _ := quill.ErrorClassKey.From(e)
		return fmt.Sprintf("gave up after %d attempts (last: %s)", attempts, class)
	case quill.RateLimitRecorded:
		recent, _ := quill.RecentLimitsKey.From(e)
		return fmt.Sprintf("rate limited (%d in the last window)", recent)
	case quill.TurnSkipped:
		persona, _ := quill.PersonaKey.From(e)
		round, _ := quill.RoundKey.From(e)
		return fmt.Sprintf("round %d: %s reply was not valid JSON, skipped", round, persona)
	case quill.NegotiationExhausted:
		return "no agreement within the round limit, asking for an outline directly"
	case quill.SectionStarted:
		idx, _ := quill.SectionIndexKey.From(e)
		title, _ := quill.SectionKey.From(e)
		return fmt.Sprintf("writing section %d: %s", idx, title)
	case quill.SectionCompleted:
		idx, _ := quill.SectionIndexKey.From(e)
		chars, _ := quill.ResponseCharsKey.From(e)
		return fmt.Sprintf("section %d done (%d chars)", idx, chars)
	case quill.CitationOutOfRange:
		id, _ := quill.CitationIDKey.From(e)
		maxID, _ := quill.CitationMaxKey.From(e)
		return fmt.Sprintf("citation [%d] outside 1-%d", id, maxID)
	}
	return ""
}
