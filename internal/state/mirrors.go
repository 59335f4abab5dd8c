package state

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

// Mirror directions.
const (
	MirrorInbound  = "inbound"
	MirrorOutbound = "outbound"
)

const deliveriesFilePath = "pma/deliveries.jsonl"

// ChatMirrorRecord is one line of a run's chat mirror
// (flows/<run_id>/chat/{inbound,outbound}.jsonl).
type ChatMirrorRecord struct {
	TS        time.Time      `json:"ts"`
	Direction string         `json:"direction"`
	Platform  string         `json:"platform,omitempty"`
	ChatID    string         `json:"chat_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Text      string         `json:"text"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// TargetOutcome is the per-target result recorded on a delivery mirror line.
type TargetOutcome struct {
	TargetKey  string `json:"target_key"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	ChunksSent int    `json:"chunks_sent"`
	Skipped    string `json:"skipped,omitempty"`
}

// DeliveryRecord is one line of pma/deliveries.jsonl.
type DeliveryRecord struct {
	TS         time.Time       `json:"ts"`
	TurnID     string          `json:"turn_id"`
	IsDispatch bool            `json:"is_dispatch"`
	Status     string          `json:"status"`
	Targets    []TargetOutcome `json:"targets"`
}

func chatMirrorPath(runID, direction string) string {
	return filepath.Join(runDir(runID), "chat", direction+".jsonl")
}

// AppendChatMirror appends one record to the run's inbound or outbound chat
// mirror. The record's direction selects the file.
func (s *Store) AppendChatMirror(runID string, rec ChatMirrorRecord) error {
	if rec.Direction != MirrorInbound && rec.Direction != MirrorOutbound {
		return errs.PreconditionFailed("invalid mirror direction %q", rec.Direction)
	}
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	return s.AppendJSONL(chatMirrorPath(runID, rec.Direction), rec)
}

// ReadChatMirror returns the run's mirror lines for one direction, oldest
// first. Missing files read as empty; a malformed line stops the read there
// (a torn tail from a crashed writer is expected, earlier lines stay valid).
func (s *Store) ReadChatMirror(runID, direction string) ([]ChatMirrorRecord, error) {
	if direction != MirrorInbound && direction != MirrorOutbound {
		return nil, errs.PreconditionFailed("invalid mirror direction %q", direction)
	}
	abs, err := s.Resolve(chatMirrorPath(runID, direction))
	if err != nil {
		return nil, err
	}
	return readMirrorLines[ChatMirrorRecord](abs)
}

// AppendDeliveryRecord appends one line to the hub's pma/deliveries.jsonl.
func (s *Store) AppendDeliveryRecord(rec DeliveryRecord) error {
	if rec.TS.IsZero() {
		rec.TS = time.Now().UTC()
	}
	return s.AppendJSONL(deliveriesFilePath, rec)
}

// ReadDeliveryRecords returns every delivery mirror line, oldest first.
func (s *Store) ReadDeliveryRecords() ([]DeliveryRecord, error) {
	abs, err := s.Resolve(deliveriesFilePath)
	if err != nil {
		return nil, err
	}
	return readMirrorLines[DeliveryRecord](abs)
}

func readMirrorLines[T any](abs string) ([]T, error) {
	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			break
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
