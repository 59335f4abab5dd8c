package state

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

const (
	targetsFilePath    = "pma/delivery_targets.json"
	targetsFileVersion = 1
)

// Delivery target kinds.
const (
	TargetWeb   = "web"
	TargetLocal = "local"
	TargetChat  = "chat"
)

// Chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

// DeliveryTarget is one configured PMA delivery destination. Key() is its
// sole identity.
type DeliveryTarget struct {
	Kind     string `json:"kind"`
	Platform string `json:"platform,omitempty"`
	ChatID   string `json:"chat_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Path     string `json:"path,omitempty"`
}

// Key returns the canonical target_key.
func (t DeliveryTarget) Key() string {
	switch t.Kind {
	case TargetWeb:
		return "web"
	case TargetLocal:
		return "local:" + t.Path
	case TargetChat:
		key := "chat:" + t.Platform + ":" + t.ChatID
		if t.Platform == PlatformTelegram && t.ThreadID != "" {
			key += ":" + t.ThreadID
		}
		return key
	}
	return ""
}

// ParseTargetKey turns a target_key back into a DeliveryTarget.
func ParseTargetKey(key string) (DeliveryTarget, error) {
	switch {
	case key == "web":
		return DeliveryTarget{Kind: TargetWeb}, nil
	case strings.HasPrefix(key, "local:"):
		path := strings.TrimPrefix(key, "local:")
		if path == "" {
			return DeliveryTarget{}, errs.PreconditionFailed("local target needs a path")
		}
		return DeliveryTarget{Kind: TargetLocal, Path: path}, nil
	case strings.HasPrefix(key, "chat:"):
		parts := strings.Split(key, ":")
		if len(parts) < 3 || parts[2] == "" {
			return DeliveryTarget{}, errs.PreconditionFailed("invalid chat target %q", key)
		}
		t := DeliveryTarget{Kind: TargetChat, Platform: parts[1], ChatID: parts[2]}
		switch t.Platform {
		case PlatformTelegram:
			if len(parts) == 4 {
				t.ThreadID = parts[3]
			} else if len(parts) > 4 {
				return DeliveryTarget{}, errs.PreconditionFailed("invalid telegram target %q", key)
			}
		case PlatformDiscord:
			if len(parts) != 3 {
				return DeliveryTarget{}, errs.PreconditionFailed("invalid discord target %q", key)
			}
		default:
			return DeliveryTarget{}, errs.PreconditionFailed("unknown chat platform %q", t.Platform)
		}
		return t, nil
	}
	return DeliveryTarget{}, errs.PreconditionFailed("unknown target key %q", key)
}

// TargetsFile is the persisted v1 shape of pma/delivery_targets.json.
type TargetsFile struct {
	Version              int               `json:"version"`
	Targets              []DeliveryTarget  `json:"targets"`
	LastDeliveryByTarget map[string]string `json:"last_delivery_by_target"`
}

func emptyTargetsFile() *TargetsFile {
	return &TargetsFile{
		Version:              targetsFileVersion,
		Targets:              []DeliveryTarget{},
		LastDeliveryByTarget: map[string]string{},
	}
}

// LoadTargets reads the delivery targets file. Missing → empty v1. A legacy
// v0 file (bare JSON array of targets) upgrades on read. Anything else that
// fails to parse is FileCorrupt: the file is authoritative for delivery.
func (s *Store) LoadTargets() (*TargetsFile, error) {
	abs, err := s.Resolve(targetsFilePath)
	if err != nil {
		return nil, err
	}
	unlock := s.lockPath(abs)
	defer unlock()
	return loadTargetsLocked(abs)
}

func loadTargetsLocked(abs string) (*TargetsFile, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyTargetsFile(), nil
		}
		return nil, errs.Internal("read delivery targets", err)
	}

	var tf TargetsFile
	envErr := json.Unmarshal(data, &tf)
	if envErr == nil {
		// v0 envelopes lack the version field; upgrade on read.
		tf.Version = targetsFileVersion
		if tf.Targets == nil {
			tf.Targets = []DeliveryTarget{}
		}
		if tf.LastDeliveryByTarget == nil {
			tf.LastDeliveryByTarget = map[string]string{}
		}
		return &tf, nil
	}

	// v0 legacy shape: a bare array of targets, no envelope.
	var legacy []DeliveryTarget
	if err := json.Unmarshal(data, &legacy); err == nil {
		up := emptyTargetsFile()
		up.Targets = legacy
		return up, nil
	}

	return nil, errs.FileCorrupt(abs, envErr)
}

func saveTargetsLocked(abs string, tf *TargetsFile) error {
	tf.Version = targetsFileVersion
	if tf.LastDeliveryByTarget == nil {
		tf.LastDeliveryByTarget = map[string]string{}
	}

	byKey := make(map[string]DeliveryTarget, len(tf.Targets))
	keys := make([]string, 0, len(tf.Targets))
	for _, t := range tf.Targets {
		k := t.Key()
		if k == "" {
			return errs.PreconditionFailed("target with empty key")
		}
		if _, seen := byKey[k]; !seen {
			keys = append(keys, k)
		}
		byKey[k] = t
	}
	sort.Strings(keys)
	coalesced := make([]DeliveryTarget, 0, len(keys))
	for _, k := range keys {
		coalesced = append(coalesced, byKey[k])
	}
	tf.Targets = coalesced

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return errs.Internal("marshal delivery targets", err)
	}
	return writeAtomic(abs, append(data, '\n'))
}

// SaveTargets persists the targets file, coalescing duplicate keys (last one
// wins) and ordering targets by key.
func (s *Store) SaveTargets(tf *TargetsFile) error {
	abs, err := s.Resolve(targetsFilePath)
	if err != nil {
		return err
	}
	unlock := s.lockPath(abs)
	defer unlock()
	return saveTargetsLocked(abs, tf)
}

// updateTargets runs a read-modify-write cycle under the targets file lock.
func (s *Store) updateTargets(mutate func(*TargetsFile) error) error {
	abs, err := s.Resolve(targetsFilePath)
	if err != nil {
		return err
	}
	unlock := s.lockPath(abs)
	defer unlock()

	tf, err := loadTargetsLocked(abs)
	if err != nil {
		return err
	}
	if err := mutate(tf); err != nil {
		return err
	}
	return saveTargetsLocked(abs, tf)
}

// AddTarget inserts (or replaces) a target by key.
func (s *Store) AddTarget(t DeliveryTarget) error {
	return s.updateTargets(func(tf *TargetsFile) error {
		tf.Targets = append(tf.Targets, t)
		return nil
	})
}

// RemoveTarget deletes a target by key.
func (s *Store) RemoveTarget(key string) error {
	return s.updateTargets(func(tf *TargetsFile) error {
		kept := tf.Targets[:0]
		found := false
		for _, t := range tf.Targets {
			if t.Key() == key {
				found = true
				continue
			}
			kept = append(kept, t)
		}
		if !found {
			return errs.NotFound("target %s", key)
		}
		tf.Targets = kept
		delete(tf.LastDeliveryByTarget, key)
		return nil
	})
}

// ClearTargets removes every target and the dedupe map.
func (s *Store) ClearTargets() error {
	return s.SaveTargets(emptyTargetsFile())
}

// MarkDelivered records turnID as the last delivery for each key in one
// read-modify-write.
func (s *Store) MarkDelivered(keys []string, turnID string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.updateTargets(func(tf *TargetsFile) error {
		for _, k := range keys {
			tf.LastDeliveryByTarget[k] = turnID
		}
		return nil
	})
}
