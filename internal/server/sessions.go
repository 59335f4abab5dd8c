package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/supervisor"
)

// listSessions handles GET /api/sessions.
func (s *Server) listSessions(c *gin.Context) {
	sessions := s.terminals.Sessions()
	if sessions == nil {
		sessions = []supervisor.AgentSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// terminalUpgrader uses larger buffers for TUI-heavy output.
var terminalUpgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     checkWebSocketOrigin,
}

// checkWebSocketOrigin validates the Origin header to prevent cross-site
// WebSocket hijacking. Non-browser clients send no Origin and pass.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := r.Host
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if !strings.Contains(host, "]") || idx > strings.Index(host, "]") {
			host = host[:idx]
		}
	}
	return originURL.Hostname() == host
}

// resizeMessage is the text-frame control message from the terminal client.
type resizeMessage struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// wsWriter serializes binary frames onto a single connection so the replay
// write and the output pump cannot interleave.
type wsWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func newWsWriter(conn *gorillaws.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	if err := w.conn.WriteMessage(gorillaws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// closeFrame tells the client the session is over before the TCP close.
func (w *wsWriter) closeFrame(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	msg := gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, reason)
	_ = w.conn.WriteMessage(gorillaws.CloseMessage, msg)
}

func (w *wsWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// terminalWS handles GET /ws/terminal/:session_id. Binary frames carry raw
// PTY bytes both ways; text frames carry resize commands.
func (s *Server) terminalWS(c *gin.Context) {
	sessionID := c.Param("session_id")
	term, err := s.terminals.Attach(sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := terminalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("terminal websocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}
	s.logger.Info("terminal websocket connected", zap.String("session_id", sessionID))

	replay, output, unsubscribe := term.Subscribe()
	wsw := newWsWriter(conn)

	defer func() {
		unsubscribe()
		_ = wsw.Close()
		_ = conn.Close()
		s.logger.Info("terminal websocket disconnected", zap.String("session_id", sessionID))
	}()

	// The replay ring goes out first so a reattaching client sees the
	// screen it left.
	if len(replay) > 0 {
		if _, err := wsw.Write(replay); err != nil {
			return
		}
	}

	go s.pumpTerminalOutput(term, output, wsw)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				s.logger.Debug("terminal websocket read error",
					zap.String("session_id", sessionID),
					zap.Error(err))
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		if messageType == gorillaws.TextMessage {
			var msg resizeMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == "resize" {
				if err := term.Resize(msg.Cols, msg.Rows); err != nil {
					s.logger.Debug("terminal resize rejected",
						zap.String("session_id", sessionID),
						zap.Error(err))
				}
				continue
			}
		}

		if _, err := term.Write(data); err != nil {
			// The child is gone; the output pump sends the close frame.
			s.logger.Debug("terminal write failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
			return
		}
	}
}

// pumpTerminalOutput forwards PTY output until the child exits or the
// client connection dies.
func (s *Server) pumpTerminalOutput(term TerminalSession, output <-chan []byte, wsw *wsWriter) {
	for {
		select {
		case data := <-output:
			if _, err := wsw.Write(data); err != nil {
				return
			}
		case <-term.Done():
			// Flush anything the child wrote on its way out.
			for {
				select {
				case data := <-output:
					if _, err := wsw.Write(data); err != nil {
						return
					}
				default:
					wsw.closeFrame("session exited")
					return
				}
			}
		}
	}
}
