package integration

import (
	"time"

	"github.com/zoobzio/quill"
)

const finalOutline = "# Overview\n## Background\n## Findings\n# Conclusion"

// fastConfig returns session settings with every pause shrunk to milliseconds.
func fastConfig(keys ...string) quill.SessionConfig {
	cfg := quill.DefaultSessionConfig(keys...)
	cfg.Executor.BaseDelay = time.Millisecond
	cfg.Executor.ServerErrorBaseDelay = time.Millisecond
	cfg.Executor.MaxJitter = 0
	cfg.Executor.RetryAfterBuffer = 0
	cfg.Negotiation.ParseRetryDelays = []time.Duration{time.Millisecond}
	cfg.Synthesis.SectionDelay = -1
	return cfg
}
