package handlers

import (
	"context"
	"errors"

	"workbuffer/internal/model"
	"workbuffer/internal/werrors"
)

// AlwaysFail fails every invocation with a non-retryable error,
// exercising the path straight to FAILED/DLQ without burning through
// retry attempts.
type AlwaysFail struct{}

func (AlwaysFail) Type() string { return "always-fail" }

func (AlwaysFail) Process(ctx context.Context, msg *model.Message) (map[string]any, error) {
	return nil, werrors.NewNoRetry(werrors.KindInvalidMessage, errors.New("simulated permanent failure"))
}
