package generation

import (
	"context"
	"strings"
	"time"
)

// MockGenerator answers without calling a model. Used when no API key is configured.
type MockGenerator struct {
	Delay time.Duration
}

func (m *MockGenerator) Generate(ctx context.Context, _, user string) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	instruction := user
	if rest, ok := strings.CutPrefix(user, "Instruction:\n"); ok {
		instruction, _, _ = strings.Cut(rest, "\n\n")
	}
	return "Generated text for: " + strings.TrimSpace(instruction), nil
}
