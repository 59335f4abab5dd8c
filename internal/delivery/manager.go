package delivery

import (
	"context"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/events"
	"github.com/codex-autorunner/autorunner/internal/events/bus"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// InboundMessage is one plain chat message received from a platform.
type InboundMessage struct {
	Platform  string
	ChatID    string
	ThreadID  string
	MessageID string
	Sender    string
	Text      string
	ChatTitle string
	ChatKind  string
}

// InboundSink receives inbound messages from a streaming adapter.
type InboundSink func(ctx context.Context, msg InboundMessage)

// ChatAdapter is a delivery adapter that also streams inbound messages.
type ChatAdapter interface {
	Adapter
	StreamInbound(ctx context.Context, sink InboundSink) error
}

// ActiveRunLookup resolves a repo id to its store and active ticket flow
// run. The run is nil when the repo has none.
type ActiveRunLookup func(repoID string) (*state.Store, *state.FlowRun, error)

// Manager owns the inbound side of chat platforms: it streams messages from
// every configured adapter, keeps the channel directory fresh, mirrors
// repo-addressed messages into the active run, and surfaces everything as
// hub notifications.
type Manager struct {
	hub      *state.Store
	bus      bus.EventBus
	lookup   ActiveRunLookup
	adapters []ChatAdapter
	logger   *logger.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewManager(hub *state.Store, eventBus bus.EventBus, lookup ActiveRunLookup, log *logger.Logger, adapters ...ChatAdapter) *Manager {
	return &Manager{
		hub:      hub,
		bus:      eventBus,
		lookup:   lookup,
		adapters: adapters,
		logger:   log.WithFields(zap.String("component", "chat-manager")),
	}
}

// Start launches one inbound stream per adapter. A stream that fails does
// not stop its siblings; the error is logged and that platform goes silent
// until restart.
func (m *Manager) Start() {
	if len(m.adapters) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.group, ctx = errgroup.WithContext(ctx)
	for _, adapter := range m.adapters {
		adapter := adapter
		m.group.Go(func() error {
			err := adapter.StreamInbound(ctx, m.handleInbound)
			if err != nil && ctx.Err() == nil {
				m.logger.Error("inbound stream ended",
					zap.String("platform", adapter.Platform()),
					zap.Error(err))
			}
			return nil
		})
	}
	m.logger.Info("chat manager started", zap.Int("adapters", len(m.adapters)))
}

// Stop cancels the inbound streams and waits for them to drain.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	_ = m.group.Wait()
}

func (m *Manager) handleInbound(ctx context.Context, msg InboundMessage) {
	if err := m.hub.UpsertDirectoryEntry(state.DirectoryEntry{
		Platform: msg.Platform,
		ChatID:   msg.ChatID,
		ThreadID: msg.ThreadID,
		Title:    msg.ChatTitle,
		Kind:     msg.ChatKind,
	}); err != nil {
		m.logger.Warn("upsert channel directory", zap.Error(err))
	}
	m.mirrorToActiveRun(msg)
	m.publishInbound(msg)
}

// mirrorToActiveRun appends the message to the addressed repo's active run
// inbound mirror. Messages that address no repo, or a repo with no active
// run, are directory-and-notification only.
func (m *Manager) mirrorToActiveRun(msg InboundMessage) {
	repoID := addressedRepo(msg.Text)
	if repoID == "" || m.lookup == nil {
		return
	}
	store, run, err := m.lookup(repoID)
	if err != nil {
		m.logger.Warn("resolve addressed repo",
			zap.String("repo_id", repoID),
			zap.Error(err))
		return
	}
	if run == nil {
		m.logger.Debug("addressed repo has no active run", zap.String("repo_id", repoID))
		return
	}
	err = store.AppendChatMirror(run.RunID, state.ChatMirrorRecord{
		Direction: state.MirrorInbound,
		Platform:  msg.Platform,
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.MessageID,
		Actor:     msg.Sender,
		Text:      msg.Text,
	})
	if err != nil {
		m.logger.Warn("append inbound mirror",
			zap.String("run_id", run.RunID),
			zap.Error(err))
	}
}

func (m *Manager) publishInbound(msg InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := bus.NewEvent(events.ChatInbound, "", map[string]any{
		"platform": msg.Platform,
		"chat_id":  msg.ChatID,
		"sender":   msg.Sender,
		"text":     msg.Text,
	})
	if err := m.bus.Publish(ctx, events.SubjectHubNotifications, ev); err != nil {
		m.logger.Warn("publish chat_inbound", zap.Error(err))
	}
}

// addressedRepo extracts the repo a message addresses. A message whose
// first token is "@<repo_id>" addresses that repo.
func addressedRepo(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "@") {
		return ""
	}
	rest := text[1:]
	end := strings.IndexFunc(rest, unicode.IsSpace)
	if end < 0 {
		return rest
	}
	return rest[:end]
}
