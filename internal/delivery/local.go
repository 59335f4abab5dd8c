package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/codex-autorunner/autorunner/internal/state"
)

// LocalAdapter appends delivered text to files under the hub root. The
// store's path containment applies, so a target path cannot escape it.
type LocalAdapter struct {
	hub *state.Store
}

func NewLocalAdapter(hub *state.Store) *LocalAdapter {
	return &LocalAdapter{hub: hub}
}

func (a *LocalAdapter) Platform() string { return state.TargetLocal }

func (a *LocalAdapter) Send(ctx context.Context, outboxID string, target state.DeliveryTarget, text string) error {
	if target.Path == "" {
		return fmt.Errorf("local target without a path")
	}
	line := fmt.Sprintf("[%s] %s\n%s\n", time.Now().UTC().Format(time.RFC3339), outboxID, text)
	return a.hub.AppendText(target.Path, line)
}
