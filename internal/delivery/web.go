package delivery

import (
	"context"

	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// WebAdapter publishes deliveries on the pma.web bus subject for connected
// browser surfaces.
type WebAdapter struct {
	bus bus.EventBus
}

func NewWebAdapter(eventBus bus.EventBus) *WebAdapter {
	return &WebAdapter{bus: eventBus}
}

func (a *WebAdapter) Platform() string { return state.TargetWeb }

func (a *WebAdapter) Send(ctx context.Context, outboxID string, target state.DeliveryTarget, text string) error {
	ev := bus.NewEvent(events.PMADelivery, "", map[string]any{
		"outbox_id": outboxID,
		"text":      text,
	})
	return a.bus.Publish(ctx, events.SubjectPMAWeb, ev)
}
