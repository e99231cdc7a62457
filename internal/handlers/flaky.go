package handlers

import (
	"context"
	"fmt"

	"workbuffer/internal/model"
)

// Flaky fails every invocation until a message's attempt count exceeds
// FailCount, then succeeds. It is deterministic per-message (keyed off
// the Message's own AttemptCount, the way the mock SMS provider derives
// its outcome from a hash of the message ID rather than hidden state),
// so the same message replayed through retries behaves identically
// regardless of which worker claims it.
type Flaky struct {
	FailCount int
}

func (Flaky) Type() string { return "flaky" }

func (h Flaky) Process(ctx context.Context, msg *model.Message) (map[string]any, error) {
	if msg.AttemptCount <= h.FailCount {
		return nil, fmt.Errorf("simulated transient failure on attempt %d", msg.AttemptCount)
	}
	return map[string]any{"recoveredOnAttempt": msg.AttemptCount}, nil
}
