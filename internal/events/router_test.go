package events

import (
	"encoding/json"
	"testing"

	"github.com/remcli/remcli/pkg/wire"
)

type fakeSeqs struct{ n int64 }

func (f *fakeSeqs) NextUserSeq() int64 {
	f.n++
	return f.n
}

type fakeRecipient struct {
	scope  Scope
	frames []wire.Frame
	full   bool
}

func (f *fakeRecipient) Scope() Scope { return f.scope }

func (f *fakeRecipient) Send(frame wire.Frame) bool {
	if f.full {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeRecipient) lastUpdate(t *testing.T) wire.UpdateEnvelope {
	t.Helper()
	if len(f.frames) == 0 {
		t.Fatal("no frames delivered")
	}
	frame := f.frames[len(f.frames)-1]
	if frame.Type != wire.TypeUpdate {
		t.Fatalf("frame type = %s, want update", frame.Type)
	}
	var env wire.UpdateEnvelope
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestFilters(t *testing.T) {
	user := Scope{Kind: ScopeUser}
	sessA := Scope{Kind: ScopeSession, SessionID: "a"}
	sessB := Scope{Kind: ScopeSession, SessionID: "b"}
	machX := Scope{Kind: ScopeMachine, MachineID: "x"}

	cases := []struct {
		name   string
		filter Filter
		want   map[Scope]bool
	}{
		{
			name:   "user scoped only",
			filter: UserScopedOnly(),
			want:   map[Scope]bool{user: true, sessA: false, sessB: false, machX: false},
		},
		{
			name:   "interested in session",
			filter: InterestedInSession("a"),
			want:   map[Scope]bool{user: true, sessA: true, sessB: false, machX: false},
		},
		{
			name:   "machine scoped only",
			filter: MachineScopedOnly("x"),
			want:   map[Scope]bool{user: true, sessA: false, sessB: false, machX: true},
		},
		{
			name:   "machine scoped only, other machine",
			filter: MachineScopedOnly("y"),
			want:   map[Scope]bool{user: true, sessA: false, sessB: false, machX: false},
		},
		{
			name:   "all authenticated",
			filter: AllAuthenticated(),
			want:   map[Scope]bool{user: true, sessA: true, sessB: true, machX: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for scope, want := range tc.want {
				if got := tc.filter(scope); got != want {
					t.Errorf("filter(%v) = %v, want %v", scope, got, want)
				}
			}
		})
	}
}

func TestEmitUpdateRouting(t *testing.T) {
	r := NewRouter(&fakeSeqs{}, nil)

	user := &fakeRecipient{scope: Scope{Kind: ScopeUser}}
	sessA := &fakeRecipient{scope: Scope{Kind: ScopeSession, SessionID: "a"}}
	sessB := &fakeRecipient{scope: Scope{Kind: ScopeSession, SessionID: "b"}}
	for _, rec := range []Recipient{user, sessA, sessB} {
		r.Subscribe(rec)
	}

	env := r.EmitUpdate(InterestedInSession("a"), wire.UpdateBody{T: wire.UpdateNewMessage, SessionID: "a"}, 1000, nil)
	if env.Seq != 1 {
		t.Errorf("first emitted seq = %d, want 1", env.Seq)
	}

	if len(user.frames) != 1 || len(sessA.frames) != 1 {
		t.Error("user and session-a connections should both receive the update")
	}
	if len(sessB.frames) != 0 {
		t.Error("unrelated session must not receive the update")
	}

	got := user.lastUpdate(t)
	if got.Seq != env.Seq || got.Body.T != wire.UpdateNewMessage {
		t.Errorf("delivered envelope = %+v", got)
	}
	if got.ID == "" {
		t.Error("envelope id must be set")
	}
}

func TestEmitUpdateSkipsSender(t *testing.T) {
	r := NewRouter(&fakeSeqs{}, nil)

	sender := &fakeRecipient{scope: Scope{Kind: ScopeUser}}
	other := &fakeRecipient{scope: Scope{Kind: ScopeUser}}
	r.Subscribe(sender)
	r.Subscribe(other)

	r.EmitUpdate(UserScopedOnly(), wire.UpdateBody{T: wire.UpdateSession, SessionID: "s"}, 0, sender)

	if len(sender.frames) != 0 {
		t.Error("originator must not receive its own update")
	}
	if len(other.frames) != 1 {
		t.Error("other connection should receive the update")
	}
}

func TestEmitUpdateWithSeq(t *testing.T) {
	seqs := &fakeSeqs{n: 41}
	r := NewRouter(seqs, nil)

	rec := &fakeRecipient{scope: Scope{Kind: ScopeUser}}
	r.Subscribe(rec)

	// A caller-supplied seq must be used verbatim and must not advance the
	// counter.
	r.EmitUpdateWithSeq(UserScopedOnly(), 7, wire.UpdateBody{T: wire.UpdateNewSession}, 0, nil)
	if got := rec.lastUpdate(t); got.Seq != 7 {
		t.Errorf("seq = %d, want 7", got.Seq)
	}
	if seqs.n != 41 {
		t.Errorf("counter advanced to %d", seqs.n)
	}

	env := r.EmitUpdate(UserScopedOnly(), wire.UpdateBody{T: wire.UpdateSession}, 0, nil)
	if env.Seq != 42 {
		t.Errorf("next allocated seq = %d, want 42", env.Seq)
	}
}

func TestEmitEphemeral(t *testing.T) {
	r := NewRouter(&fakeSeqs{}, nil)

	user := &fakeRecipient{scope: Scope{Kind: ScopeUser}}
	mach := &fakeRecipient{scope: Scope{Kind: ScopeMachine, MachineID: "m"}}
	r.Subscribe(user)
	r.Subscribe(mach)

	active := true
	r.EmitEphemeral(UserScopedOnly(), wire.EphemeralEnvelope{
		Type:      wire.EphemeralActivity,
		SessionID: "s",
		Active:    &active,
	}, nil)

	if len(mach.frames) != 0 {
		t.Error("machine connection must not receive a user ephemeral")
	}
	if len(user.frames) != 1 {
		t.Fatal("user connection should receive the ephemeral")
	}
	if user.frames[0].Type != wire.TypeEphemeral {
		t.Errorf("frame type = %s", user.frames[0].Type)
	}

	var env wire.EphemeralEnvelope
	if err := json.Unmarshal(user.frames[0].Payload, &env); err != nil {
		t.Fatal(err)
	}
	if env.Type != wire.EphemeralActivity || env.SessionID != "s" || env.Active == nil || !*env.Active {
		t.Errorf("ephemeral = %+v", env)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRouter(&fakeSeqs{}, nil)

	rec := &fakeRecipient{scope: Scope{Kind: ScopeUser}}
	r.Subscribe(rec)
	r.Unsubscribe(rec)
	r.Unsubscribe(rec) // idempotent

	r.EmitUpdate(UserScopedOnly(), wire.UpdateBody{T: wire.UpdateSession}, 0, nil)
	if len(rec.frames) != 0 {
		t.Error("unsubscribed recipient still receives frames")
	}
	if r.RecipientCount() != 0 {
		t.Errorf("recipient count = %d", r.RecipientCount())
	}
}

func TestSlowRecipientDoesNotBlockOthers(t *testing.T) {
	r := NewRouter(&fakeSeqs{}, nil)

	slow := &fakeRecipient{scope: Scope{Kind: ScopeUser}, full: true}
	ok := &fakeRecipient{scope: Scope{Kind: ScopeUser}}
	r.Subscribe(slow)
	r.Subscribe(ok)

	r.EmitUpdate(UserScopedOnly(), wire.UpdateBody{T: wire.UpdateSession}, 0, nil)
	if len(ok.frames) != 1 {
		t.Error("healthy recipient should still receive the update")
	}
}
