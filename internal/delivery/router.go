// Package delivery fans PMA turn output and dispatches out to the
// configured targets: the web surface, local files, and chat platforms.
// Outbox ids make every send idempotent; deliveries.jsonl mirrors every
// routed request.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// Platform hard limits on message size, in characters.
const (
	telegramMaxChars = 4096
	discordMaxChars  = 2000
)

// Delivery statuses.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusFailed         = "failed"
	StatusDuplicateOnly  = "duplicate_only"
	StatusSkipped        = "skipped"
)

const skippedDuplicate = "duplicate"

// Adapter delivers one chunk to targets of its platform. outboxID is the
// idempotency key: a retry with an already-sent id must not produce a second
// user-visible message.
type Adapter interface {
	Platform() string
	Send(ctx context.Context, outboxID string, target state.DeliveryTarget, text string) error
}

// Request is one payload to fan out. Dispatches use DispatchID in place of
// TurnID and bypass per-target dedupe. MirrorStore/MirrorRunID, when set,
// point at the run whose outbound chat mirror should record chat sends.
type Request struct {
	TurnID      string
	DispatchID  string
	IsDispatch  bool
	Text        string
	Attachments []string
	Targets     []state.DeliveryTarget

	MirrorStore *state.Store
	MirrorRunID string
}

func (r *Request) id() string {
	if r.IsDispatch {
		return r.DispatchID
	}
	return r.TurnID
}

// Result summarizes one routed request.
type Result struct {
	Status  string                `json:"delivery_status"`
	Reason  string                `json:"reason,omitempty"`
	Targets []state.TargetOutcome `json:"targets"`
}

// Router owns the fan-out algorithm. The channel directory is never
// consulted: explicit target refs stay valid even when the directory lacks
// the entry.
type Router struct {
	hub       *state.Store
	chunkSize int
	adapters  map[string]Adapter
	logger    *logger.Logger
}

// NewRouter builds a router over the hub store. Adapters register under
// their Platform(); a target without a registered adapter fails delivery
// for that target only.
func NewRouter(hub *state.Store, chunkSize int, log *logger.Logger, adapters ...Adapter) *Router {
	byPlatform := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byPlatform[a.Platform()] = a
	}
	return &Router{
		hub:       hub,
		chunkSize: chunkSize,
		adapters:  byPlatform,
		logger:    log.WithFields(zap.String("component", "delivery-router")),
	}
}

// Deliver routes one request to every target, continuing past per-target
// failures. Per-target outcomes land in pma/deliveries.jsonl.
func (r *Router) Deliver(ctx context.Context, req Request) (*Result, error) {
	if req.id() == "" {
		return nil, fmt.Errorf("delivery request without turn or dispatch id")
	}

	tf, err := r.hub.LoadTargets()
	if err != nil {
		return nil, err
	}
	targets := req.Targets
	if targets == nil {
		targets = tf.Targets
	}
	if len(targets) == 0 {
		return &Result{Status: StatusSkipped, Reason: "no_targets"}, nil
	}

	targets = append([]state.DeliveryTarget(nil), targets...)
	sort.Slice(targets, func(i, j int) bool { return targets[i].Key() < targets[j].Key() })

	var outcomes []state.TargetOutcome
	var succeeded []string
	for _, target := range targets {
		outcome := r.deliverTarget(ctx, req, tf, target)
		outcomes = append(outcomes, outcome)
		if outcome.OK && outcome.Skipped == "" {
			succeeded = append(succeeded, outcome.TargetKey)
		}
	}

	if !req.IsDispatch && len(succeeded) > 0 {
		if err := r.hub.MarkDelivered(succeeded, req.TurnID); err != nil {
			r.logger.Error("mark delivered", zap.Error(err))
		}
	}

	status := computeStatus(outcomes)
	rec := state.DeliveryRecord{
		TS:         time.Now().UTC(),
		TurnID:     req.id(),
		IsDispatch: req.IsDispatch,
		Status:     status,
		Targets:    outcomes,
	}
	if err := r.hub.AppendDeliveryRecord(rec); err != nil {
		r.logger.Error("append delivery record", zap.Error(err))
	}

	r.logger.Info("delivery routed",
		zap.String("id", req.id()),
		zap.Bool("is_dispatch", req.IsDispatch),
		zap.String("status", status),
		zap.Int("targets", len(outcomes)))
	return &Result{Status: status, Targets: outcomes}, nil
}

// DeliverDispatch routes a hub dispatch to every configured target. It
// satisfies the flow runtime's dispatcher hook.
func (r *Router) DeliverDispatch(ctx context.Context, d *state.Dispatch, mirrorStore *state.Store, runID string) {
	text := d.Body
	if d.Title != "" {
		text = d.Title + "\n\n" + d.Body
	}
	if _, err := r.Deliver(ctx, Request{
		DispatchID:  d.ID,
		IsDispatch:  true,
		Text:        text,
		MirrorStore: mirrorStore,
		MirrorRunID: runID,
	}); err != nil {
		r.logger.Error("deliver dispatch",
			zap.String("dispatch_id", d.ID),
			zap.Error(err))
	}
}

func (r *Router) deliverTarget(ctx context.Context, req Request, tf *state.TargetsFile, target state.DeliveryTarget) state.TargetOutcome {
	key := target.Key()
	if key == "" {
		return state.TargetOutcome{TargetKey: key, Error: "invalid target"}
	}

	if !req.IsDispatch && tf.LastDeliveryByTarget[key] == req.TurnID {
		return state.TargetOutcome{TargetKey: key, OK: true, Skipped: skippedDuplicate}
	}

	adapter := r.adapterFor(target)
	if adapter == nil {
		return state.TargetOutcome{TargetKey: key, Error: fmt.Sprintf("no adapter for target %s", key)}
	}

	prefix := "pma:"
	if req.IsDispatch {
		prefix = "pma-dispatch:"
	}
	chunks := splitChunks(req.Text, r.chunkLimit(target))
	sent := 0
	for i, chunk := range chunks {
		outboxID := fmt.Sprintf("%s%s:%s:%d", prefix, req.id(), key, i)
		if err := adapter.Send(ctx, outboxID, target, chunk); err != nil {
			r.logger.Warn("adapter send failed",
				zap.String("target_key", key),
				zap.String("outbox_id", outboxID),
				zap.Error(err))
			return state.TargetOutcome{TargetKey: key, Error: err.Error(), ChunksSent: sent}
		}
		sent++
		r.mirrorOutbound(req, target, chunk)
	}
	return state.TargetOutcome{TargetKey: key, OK: true, ChunksSent: sent}
}

// mirrorOutbound appends a chat send to the originating run's outbound
// mirror when the request names one.
func (r *Router) mirrorOutbound(req Request, target state.DeliveryTarget, text string) {
	if req.MirrorStore == nil || req.MirrorRunID == "" || target.Kind != state.TargetChat {
		return
	}
	err := req.MirrorStore.AppendChatMirror(req.MirrorRunID, state.ChatMirrorRecord{
		Direction: state.MirrorOutbound,
		Platform:  target.Platform,
		ChatID:    target.ChatID,
		ThreadID:  target.ThreadID,
		Actor:     "pma",
		Text:      text,
	})
	if err != nil {
		r.logger.Warn("append outbound mirror",
			zap.String("run_id", req.MirrorRunID),
			zap.Error(err))
	}
}

func (r *Router) adapterFor(target state.DeliveryTarget) Adapter {
	switch target.Kind {
	case state.TargetWeb:
		return r.adapters[state.TargetWeb]
	case state.TargetLocal:
		return r.adapters[state.TargetLocal]
	case state.TargetChat:
		return r.adapters[target.Platform]
	}
	return nil
}

// chunkLimit is the configured chunk size clamped to the platform's hard
// cap. Web and local targets have no platform cap.
func (r *Router) chunkLimit(target state.DeliveryTarget) int {
	limit := r.chunkSize
	if target.Kind != state.TargetChat {
		return limit
	}
	switch target.Platform {
	case state.PlatformTelegram:
		if limit <= 0 || limit > telegramMaxChars {
			limit = telegramMaxChars
		}
	case state.PlatformDiscord:
		if limit <= 0 || limit > discordMaxChars {
			limit = discordMaxChars
		}
	}
	return limit
}

// splitChunks breaks text into pieces of at most limit characters,
// preferring the last newline past half the limit so messages split between
// paragraphs rather than mid-sentence.
func splitChunks(text string, limit int) []string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func computeStatus(outcomes []state.TargetOutcome) string {
	attempted, ok, deduped := 0, 0, 0
	for _, o := range outcomes {
		if o.Skipped != "" {
			deduped++
			continue
		}
		attempted++
		if o.OK {
			ok++
		}
	}
	switch {
	case attempted > 0 && ok == attempted:
		return StatusSuccess
	case attempted > 0 && ok > 0:
		return StatusPartialSuccess
	case attempted > 0:
		return StatusFailed
	case deduped > 0:
		return StatusDuplicateOnly
	default:
		return StatusSkipped
	}
}
