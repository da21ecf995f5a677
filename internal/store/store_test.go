package store

import (
	"fmt"
	"testing"
	"time"
)

func newTestStore() *Store {
	return New(Options{})
}

func TestCreateSession(t *testing.T) {
	s := newTestStore()

	sess, created := s.CreateSession("tag-1", `{"name":"one"}`, nil)
	if !created {
		t.Fatal("expected new session")
	}
	if sess.Seq != 1 {
		t.Errorf("first session seq = %d, want 1", sess.Seq)
	}
	if sess.MetadataVersion != 1 || sess.AgentStateVersion != 1 {
		t.Errorf("fresh versions = %d/%d, want 1/1", sess.MetadataVersion, sess.AgentStateVersion)
	}
	if !sess.Active {
		t.Error("new session should be active")
	}

	// Same tag rebinds: identity and seq are preserved, metadata replaced.
	again, created := s.CreateSession("tag-1", `{"name":"renamed"}`, nil)
	if created {
		t.Fatal("expected rebind, not a new session")
	}
	if again.ID != sess.ID || again.Seq != sess.Seq {
		t.Error("rebinding must preserve id and seq")
	}
	if again.Metadata != `{"name":"renamed"}` {
		t.Errorf("metadata = %q after rebind", again.Metadata)
	}
	if again.MetadataVersion != 2 {
		t.Errorf("metadata version = %d after rebind, want 2", again.MetadataVersion)
	}

	if got := s.GetSessionByTag("tag-1"); got == nil || got.ID != sess.ID {
		t.Error("lookup by tag failed")
	}
	if s.GetSession("nope") != nil {
		t.Error("unknown id should return nil")
	}
}

func TestUpdateSessionMetadata_OCC(t *testing.T) {
	s := newTestStore()
	sess, _ := s.CreateSession("t", "v0", nil)

	res := s.UpdateSessionMetadata(sess.ID, "v1", 1)
	if res.Status != WriteSuccess || res.Version != 2 || res.Value != "v1" {
		t.Fatalf("update = %+v", res)
	}

	// Stale expected version: rejected, current state returned.
	res = s.UpdateSessionMetadata(sess.ID, "v2", 1)
	if res.Status != WriteVersionMismatch {
		t.Fatalf("stale update status = %v, want mismatch", res.Status)
	}
	if res.Version != 2 || res.Value != "v1" {
		t.Errorf("mismatch must carry current state, got version=%d value=%q", res.Version, res.Value)
	}

	if res := s.UpdateSessionMetadata("missing", "x", 1); res.Status != WriteNotFound {
		t.Errorf("unknown session status = %v, want not-found", res.Status)
	}
}

func TestUpdateSessionState_OCC(t *testing.T) {
	s := newTestStore()
	sess, _ := s.CreateSession("t", "m", nil)

	res := s.UpdateSessionState(sess.ID, "thinking", 1)
	if res.Status != WriteSuccess || res.Version != 2 {
		t.Fatalf("update = %+v", res)
	}

	got := s.GetSession(sess.ID)
	if got.AgentState == nil || *got.AgentState != "thinking" {
		t.Error("agent state not stored")
	}
	// Metadata version is untouched by a state write.
	if got.MetadataVersion != 1 {
		t.Errorf("metadata version = %d, want 1", got.MetadataVersion)
	}

	if res := s.UpdateSessionState(sess.ID, "idle", 1); res.Status != WriteVersionMismatch {
		t.Errorf("stale state update status = %v", res.Status)
	}
}

func TestAppendMessage(t *testing.T) {
	s := newTestStore()
	a, _ := s.CreateSession("a", "", nil)
	b, _ := s.CreateSession("b", "", nil)

	if s.AppendMessage("missing", "x", nil) != nil {
		t.Fatal("append to unknown session must return nil")
	}

	m1 := s.AppendMessage(a.ID, "one", nil)
	m2 := s.AppendMessage(a.ID, "two", nil)
	other := s.AppendMessage(b.ID, "first", nil)

	if m1.Seq != 1 || m2.Seq != 2 {
		t.Errorf("session seqs = %d,%d, want 1,2", m1.Seq, m2.Seq)
	}
	// Counters are per session: b starts at 1 regardless of a's traffic.
	if other.Seq != 1 {
		t.Errorf("second session first seq = %d, want 1", other.Seq)
	}

	local := "client-42"
	m3 := s.AppendMessage(a.ID, "three", &local)
	if m3.LocalID == nil || *m3.LocalID != local {
		t.Error("local id not carried through")
	}
}

func TestListMessages(t *testing.T) {
	s := newTestStore()
	sess, _ := s.CreateSession("t", "", nil)
	for i := 0; i < 5; i++ {
		s.AppendMessage(sess.ID, fmt.Sprintf("m%d", i), nil)
	}

	msgs := s.ListMessages(sess.ID, 2)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "m4" || msgs[1].Content != "m3" {
		t.Errorf("expected newest first, got %q then %q", msgs[0].Content, msgs[1].Content)
	}

	all := s.ListMessages(sess.ID, 0)
	if len(all) != 5 {
		t.Errorf("unlimited list returned %d, want 5", len(all))
	}
	if got := s.ListMessages("missing", 0); len(got) != 0 {
		t.Error("unknown session should list empty")
	}
}

func TestListActiveSessions(t *testing.T) {
	current := time.Now()
	s := New(Options{Now: func() time.Time { return current }})

	stale, _ := s.CreateSession("stale", "", nil)
	_ = stale

	// Advance past the activity window, then create a fresh session.
	current = current.Add(16 * time.Minute)
	fresh, _ := s.CreateSession("fresh", "", nil)
	ended, _ := s.CreateSession("ended", "", nil)
	s.SetSessionActive(ended.ID, false)

	active := s.ListActiveSessions(0)
	if len(active) != 1 {
		t.Fatalf("got %d active sessions, want 1", len(active))
	}
	if active[0].ID != fresh.ID {
		t.Errorf("active session = %s, want %s", active[0].Tag, "fresh")
	}
}

func TestSessionActivityRefresh(t *testing.T) {
	current := time.Now()
	s := New(Options{Now: func() time.Time { return current }})

	sess, _ := s.CreateSession("t", "", nil)
	current = current.Add(20 * time.Minute)

	// Out of window now.
	if got := s.ListActiveSessions(0); len(got) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(got))
	}

	// A keepalive brings it back.
	s.SetSessionActive(sess.ID, true)
	if got := s.ListActiveSessions(0); len(got) != 1 {
		t.Errorf("expected 1 active session after keepalive, got %d", len(got))
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestStore()
	sess, _ := s.CreateSession("t", "", nil)
	s.AppendMessage(sess.ID, "hello", nil)

	if !s.DeleteSession(sess.ID) {
		t.Fatal("delete returned false")
	}
	if s.DeleteSession(sess.ID) {
		t.Error("second delete should return false")
	}
	if s.GetSession(sess.ID) != nil || s.GetSessionByTag("t") != nil {
		t.Error("deleted session still reachable")
	}

	// The tag is free again and seq allocation continues, never reuses.
	again, created := s.CreateSession("t", "", nil)
	if !created {
		t.Fatal("tag should be reusable after delete")
	}
	if again.Seq <= sess.Seq {
		t.Errorf("seq %d not monotonic past %d", again.Seq, sess.Seq)
	}
	if got := s.ListMessages(again.ID, 0); len(got) != 0 {
		t.Error("recreated session inherited old messages")
	}
}

func TestMachineUpsert(t *testing.T) {
	s := newTestStore()

	state := `{"version":"1.0.0"}`
	m, created := s.UpsertMachine("mach-1", `{"host":"ws"}`, &state, nil)
	if !created {
		t.Fatal("expected new machine")
	}
	if m.MetadataVersion != 1 || m.DaemonStateVersion != 1 {
		t.Errorf("fresh versions = %d/%d", m.MetadataVersion, m.DaemonStateVersion)
	}

	again, created := s.UpsertMachine("mach-1", `{"host":"ws2"}`, nil, nil)
	if created {
		t.Fatal("expected upsert of existing machine")
	}
	if again.Seq != m.Seq {
		t.Error("upsert must preserve seq")
	}
	if again.MetadataVersion != 2 {
		t.Errorf("metadata version = %d, want 2", again.MetadataVersion)
	}
	// Daemon state untouched when not supplied.
	if again.DaemonStateVersion != 1 || again.DaemonState == nil || *again.DaemonState != state {
		t.Error("upsert without state must leave daemon state alone")
	}
}

func TestMachineOCC(t *testing.T) {
	s := newTestStore()
	m, _ := s.UpsertMachine("mach-1", "meta", nil, nil)

	if res := s.UpdateMachineMetadata(m.ID, "meta2", 1); res.Status != WriteSuccess || res.Version != 2 {
		t.Fatalf("metadata update = %+v", res)
	}
	if res := s.UpdateMachineMetadata(m.ID, "meta3", 1); res.Status != WriteVersionMismatch || res.Value != "meta2" {
		t.Fatalf("stale metadata update = %+v", res)
	}

	if res := s.UpdateMachineDaemonState(m.ID, "running", 1); res.Status != WriteSuccess || res.Version != 2 {
		t.Fatalf("state update = %+v", res)
	}
	if res := s.UpdateMachineDaemonState("missing", "x", 1); res.Status != WriteNotFound {
		t.Errorf("unknown machine status = %v", res.Status)
	}
}

func TestArtifacts(t *testing.T) {
	s := newTestStore()

	a, ok := s.CreateArtifact("art-1", "h1", "b1", nil)
	if !ok {
		t.Fatal("create failed")
	}
	if a.HeaderVersion != 1 || a.BodyVersion != 1 {
		t.Errorf("fresh versions = %d/%d", a.HeaderVersion, a.BodyVersion)
	}
	if _, ok := s.CreateArtifact("art-1", "x", "y", nil); ok {
		t.Fatal("duplicate id must be rejected")
	}

	// Header and body version independently.
	if res := s.UpdateArtifactHeader("art-1", "h2", 1); res.Status != WriteSuccess || res.Version != 2 {
		t.Fatalf("header update = %+v", res)
	}
	got := s.GetArtifact("art-1")
	if got.BodyVersion != 1 || got.Body != "b1" {
		t.Error("header update must not touch body")
	}
	if res := s.UpdateArtifactBody("art-1", "b2", 1); res.Status != WriteSuccess || res.Version != 2 {
		t.Fatalf("body update = %+v", res)
	}
	if res := s.UpdateArtifactBody("art-1", "b3", 1); res.Status != WriteVersionMismatch || res.Value != "b2" {
		t.Fatalf("stale body update = %+v", res)
	}

	if !s.DeleteArtifact("art-1") {
		t.Fatal("delete returned false")
	}
	if s.DeleteArtifact("art-1") {
		t.Error("second delete should return false")
	}
	if s.GetArtifact("art-1") != nil {
		t.Error("deleted artifact still reachable")
	}
}

func TestUserSeqSharedAcrossEntities(t *testing.T) {
	s := newTestStore()

	sess, _ := s.CreateSession("t", "", nil)
	m, _ := s.UpsertMachine("mach", "", nil, nil)
	a, _ := s.CreateArtifact("art", "h", "b", nil)
	manual := s.NextUserSeq()

	seqs := []int64{sess.Seq, m.Seq, a.Seq, manual}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("seqs not consecutive: %v", seqs)
		}
	}
}
