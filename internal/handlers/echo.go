// Package handlers provides demonstration model.Handler implementations,
// generalized from the teacher's internal/provider/mock/provider.go
// simulated success/failure provider. They exist to exercise the
// Handler Registry, Processor and Coordinator end to end without a
// real downstream system.
package handlers

import (
	"context"

	"workbuffer/internal/model"
)

// Echo returns its payload unchanged under a "result" key. It never
// fails and is used to exercise the happy path.
type Echo struct{}

func (Echo) Type() string { return "echo" }

func (Echo) Process(ctx context.Context, msg *model.Message) (map[string]any, error) {
	return map[string]any{"result": msg.Payload}, nil
}
