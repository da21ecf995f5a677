package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/remcli/remcli/internal/supervisor"
)

type fakeTmux struct{}

func (fakeTmux) Spawn(ctx context.Context, name, dir string, env map[string]string, command []string) (int, error) {
	return 12345, nil
}
func (fakeTmux) Kill(ctx context.Context, name string) error { return nil }

func newTestServer(t *testing.T, hooks Hooks) (*httptest.Server, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New(supervisor.Options{
		Tmux:           fakeTmux{},
		Exe:            "/usr/local/bin/remcli",
		ScratchDir:     t.TempDir(),
		WebhookTimeout: 200 * time.Millisecond,
		ProcessEnv:     []string{},
	})
	if hooks.Status == nil {
		hooks.Status = func() Status { return Status{PID: 1} }
	}
	if hooks.Shutdown == nil {
		hooks.Shutdown = func(string) {}
	}
	srv := httptest.NewServer(New(sup, hooks, nil).Routes())
	t.Cleanup(srv.Close)
	return srv, sup
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSessionStartedRegistersExternalChild(t *testing.T) {
	srv, sup := newTestServer(t, Hooks{})

	resp := postJSON(t, srv.URL+"/session-started", map[string]any{
		"sessionId": "S1",
		"metadata":  map[string]any{"hostPid": 777},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	children := sup.List()
	if len(children) != 1 || children[0].SessionID != "S1" || children[0].PID != 777 {
		t.Errorf("children = %+v", children)
	}
	if children[0].StartedBy != supervisor.StartedByExternal {
		t.Errorf("startedBy = %s", children[0].StartedBy)
	}
}

func TestSessionStartedValidation(t *testing.T) {
	srv, _ := newTestServer(t, Hooks{})

	resp := postJSON(t, srv.URL+"/session-started", map[string]any{"sessionId": "S1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing hostPid status = %d", resp.StatusCode)
	}

	raw, err := http.Post(srv.URL+"/session-started", "application/json", bytes.NewReader([]byte("{bad")))
	if err != nil {
		t.Fatal(err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", raw.StatusCode)
	}
}

func TestListChildren(t *testing.T) {
	srv, sup := newTestServer(t, Hooks{})
	sup.OnChildReport("S1", 42)

	resp, err := http.Get(srv.URL + "/list")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Children []supervisor.TrackedChild `json:"children"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Children) != 1 || body.Children[0].PID != 42 {
		t.Errorf("children = %+v", body.Children)
	}
}

func TestSpawnAndStopSession(t *testing.T) {
	srv, sup := newTestServer(t, Hooks{})

	// The fake child reports as soon as the supervisor tracks it.
	go func() {
		for i := 0; i < 200; i++ {
			if children := sup.List(); len(children) == 1 {
				sup.OnChildReport("S-spawned", children[0].PID)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	resp := postJSON(t, srv.URL+"/spawn-session", supervisor.SpawnOptions{
		Directory: t.TempDir(),
		Agent:     supervisor.AgentClaude,
	})
	var result supervisor.SpawnResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.Type != supervisor.SpawnSuccess || result.SessionID != "S-spawned" {
		t.Fatalf("spawn result = %+v", result)
	}

	stop := postJSON(t, srv.URL+"/stop-session", map[string]string{"sessionId": "S-spawned"})
	var stopped map[string]bool
	if err := json.NewDecoder(stop.Body).Decode(&stopped); err != nil {
		t.Fatal(err)
	}
	if !stopped["stopped"] {
		t.Error("stop-session reported false")
	}

	again := postJSON(t, srv.URL+"/stop-session", map[string]string{"sessionId": "S-spawned"})
	json.NewDecoder(again.Body).Decode(&stopped)
	if stopped["stopped"] {
		t.Error("second stop should report false")
	}
}

func TestStopTriggersShutdown(t *testing.T) {
	var mu sync.Mutex
	var reason string
	done := make(chan struct{})
	srv, _ := newTestServer(t, Hooks{
		Shutdown: func(r string) {
			mu.Lock()
			reason = r
			mu.Unlock()
			close(done)
		},
	})

	resp := postJSON(t, srv.URL+"/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hook never invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	if reason == "" {
		t.Error("shutdown reason empty")
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, Hooks{
		Status: func() Status {
			return Status{PID: 99, Version: "1.2.3", PublicPort: 8080}
		},
	})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.PID != 99 || status.Version != "1.2.3" || status.PublicPort != 8080 {
		t.Errorf("status = %+v", status)
	}
}

func TestUpgrade(t *testing.T) {
	srv, _ := newTestServer(t, Hooks{Upgrade: func() error { return nil }})
	if resp := postJSON(t, srv.URL+"/upgrade", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	failing, _ := newTestServer(t, Hooks{Upgrade: func() error { return fmt.Errorf("no marker") }})
	if resp := postJSON(t, failing.URL+"/upgrade", nil); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("failing upgrade status = %d", resp.StatusCode)
	}

	none, _ := newTestServer(t, Hooks{})
	if resp := postJSON(t, none.URL+"/upgrade", nil); resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("absent upgrade status = %d", resp.StatusCode)
	}
}

func TestStartStop(t *testing.T) {
	sup := supervisor.New(supervisor.Options{Tmux: fakeTmux{}, ProcessEnv: []string{}})
	srv := New(sup, Hooks{
		Status:   func() Status { return Status{} },
		Shutdown: func(string) {},
	}, nil)

	port, err := srv.Start()
	if err != nil {
		t.Fatal(err)
	}
	if port == 0 {
		t.Fatal("port not assigned")
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/list", port))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
