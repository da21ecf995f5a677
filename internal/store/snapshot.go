package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// snapshotSchemaVersion guards against loading snapshots written by an
// incompatible binary. Bump on any breaking change to snapshotState.
const snapshotSchemaVersion = 1

// snapshotDebounce caps snapshot writes at one per interval no matter how
// fast mutations arrive.
const snapshotDebounce = time.Second

// snapshotState is the on-disk form of the store.
type snapshotState struct {
	Version     int                   `json:"version"`
	UserSeq     int64                 `json:"userSeq"`
	SessionSeqs map[string]int64      `json:"sessionSeqs"`
	Sessions    []*Session            `json:"sessions"`
	Messages    map[string][]*Message `json:"messages"`
	Machines    []*Machine            `json:"machines"`
	Artifacts   []*Artifact           `json:"artifacts"`
}

type snapshotter struct {
	path   string
	logger *slog.Logger
	dirty  chan struct{}
}

func newSnapshotter(path string, logger *slog.Logger) *snapshotter {
	return &snapshotter{
		path:   path,
		logger: logger,
		dirty:  make(chan struct{}, 1),
	}
}

// markDirty requests a flush. Non-blocking; coalesces with any pending
// request. Safe to call with the store lock held.
func (sn *snapshotter) markDirty() {
	select {
	case sn.dirty <- struct{}{}:
	default:
	}
}

// StartSnapshots runs the debounced snapshot writer until ctx is cancelled.
// A final flush happens on shutdown if state changed since the last write.
// No-op when snapshots are disabled.
func (s *Store) StartSnapshots(ctx context.Context) {
	if s.snap == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				select {
				case <-s.snap.dirty:
					s.SaveNow()
				default:
				}
				return
			case <-s.snap.dirty:
				s.SaveNow()
				// Debounce window: mutations during the sleep coalesce
				// into the next write.
				select {
				case <-ctx.Done():
				case <-time.After(snapshotDebounce):
				}
			}
		}
	}()
}

// SaveNow writes a snapshot immediately, bypassing the debounce. Errors are
// logged, not returned; snapshot persistence is best-effort.
func (s *Store) SaveNow() {
	if s.snap == nil {
		return
	}

	state := s.exportState()
	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Error("marshal snapshot", "error", err)
		return
	}

	tmp := s.snap.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.snap.path), 0o700); err != nil {
		s.logger.Error("create snapshot dir", "error", err)
		return
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Error("write snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, s.snap.path); err != nil {
		s.logger.Error("replace snapshot", "error", err)
	}
}

func (s *Store) exportState() *snapshotState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &snapshotState{
		Version:     snapshotSchemaVersion,
		UserSeq:     s.userSeq,
		SessionSeqs: make(map[string]int64, len(s.sessionSeqs)),
		Sessions:    make([]*Session, 0, len(s.sessions)),
		Messages:    make(map[string][]*Message, len(s.messages)),
		Machines:    make([]*Machine, 0, len(s.machines)),
		Artifacts:   make([]*Artifact, 0, len(s.artifacts)),
	}
	for id, seq := range s.sessionSeqs {
		state.SessionSeqs[id] = seq
	}
	for _, sess := range s.sessions {
		cp := *sess
		state.Sessions = append(state.Sessions, &cp)
	}
	for id, msgs := range s.messages {
		out := make([]*Message, 0, len(msgs))
		for _, m := range msgs {
			cp := *m
			out = append(out, &cp)
		}
		state.Messages[id] = out
	}
	for _, m := range s.machines {
		cp := *m
		state.Machines = append(state.Machines, &cp)
	}
	for _, a := range s.artifacts {
		cp := *a
		state.Artifacts = append(state.Artifacts, &cp)
	}
	return state
}

// loadSnapshot restores state from disk. A missing file is a normal first
// start; an unreadable, corrupt or schema-mismatched snapshot is logged and
// ignored so the daemon always comes up.
func (s *Store) loadSnapshot() {
	data, err := os.ReadFile(s.snap.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("read snapshot, starting fresh", "error", err)
		}
		return
	}

	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("parse snapshot, starting fresh", "error", err)
		return
	}
	if state.Version != snapshotSchemaVersion {
		s.logger.Warn("snapshot schema mismatch, starting fresh",
			"found", state.Version, "want", snapshotSchemaVersion)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.userSeq = state.UserSeq
	for id, seq := range state.SessionSeqs {
		s.sessionSeqs[id] = seq
	}
	for _, sess := range state.Sessions {
		s.sessions[sess.ID] = sess
		s.sessionsByTag[sess.Tag] = sess.ID
	}
	for id, msgs := range state.Messages {
		s.messages[id] = msgs
	}
	for _, m := range state.Machines {
		s.machines[m.ID] = m
	}
	for _, a := range state.Artifacts {
		s.artifacts[a.ID] = a
	}

	s.logger.Info("snapshot loaded",
		"sessions", len(s.sessions),
		"machines", len(s.machines),
		"artifacts", len(s.artifacts))
}
