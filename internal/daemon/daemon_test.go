package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/remote"
	"github.com/matheus3301/convsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

func testParams(t *testing.T) Params {
	t.Helper()
	// Use a short path to avoid macOS 104-char Unix socket limit.
	tmpDir, err := os.MkdirTemp("/tmp", "convsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	cfg := config.Default()
	cfg.Daemon.MetricsAddr = "127.0.0.1:0"
	return Params{Workspace: "test", Config: cfg, Dir: tmpDir}
}

func TestDaemonLifecycle(t *testing.T) {
	p := testParams(t)

	var (
		srv     *Server
		httpSrv *HTTPServer
	)
	app := fxtest.New(t, Module(p), fx.Populate(&srv, &httpSrv))
	app.RequireStart()

	if srv.SocketPath() != filepath.Join(p.Dir, "daemon.sock") {
		t.Errorf("socket = %q", srv.SocketPath())
	}
	info, err := os.Stat(srv.SocketPath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}
	if pid, ok := lock.Holder(p.Dir); !ok || pid != os.Getpid() {
		t.Errorf("lock holder = %d, %v", pid, ok)
	}

	client, err := remote.Dial(srv.SocketPath(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := client.Insert(ctx, store.TableProfiles, store.Record{"id": "alice", "username": "alice"}); err != nil {
		t.Fatal(err)
	}
	got, err := client.Query(ctx, store.TableProfiles, store.Eq("id", "alice"), store.Order{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("profiles = %d, want 1", len(got))
	}

	base := "http://" + httpSrv.Addr()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var h health
		getJSON(t, base+"/healthz", &h)
		if h.Activity.Changes["profiles.insert"] == 1 {
			if h.Status != "ok" || h.Workspace != "test" {
				t.Errorf("health = %+v", h)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("healthz never reported the insert: %+v", h)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var before health
	getJSON(t, base+"/healthz", &before)
	ch, err := client.Subscribe(ctx, store.Subscription{Name: "health", Table: store.TableMessages, Handler: func(store.Change) {}})
	if err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for {
		var h health
		getJSON(t, base+"/healthz", &h)
		if h.Subscribers == before.Subscribers+1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", h.Subscribers, before.Subscribers+1)
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = ch.Close()

	body := get(t, base+"/metrics")
	if !strings.Contains(body, `convsync_store_changes_total{op="insert",table="profiles"} 1`) {
		t.Errorf("metrics missing change counter:\n%s", body)
	}

	_ = client.Close()
	app.RequireStop()

	if _, err := os.Stat(srv.SocketPath()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("socket still present after stop: %v", err)
	}
	if _, ok := lock.Holder(p.Dir); ok {
		t.Error("lock still held after stop")
	}
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	p := testParams(t)

	lk, err := lock.Acquire(p.Dir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(Module(p), fx.NopLogger)
	var held *lock.LockHeldError
	if !errors.As(app.Err(), &held) {
		t.Fatalf("app.Err() = %v, want LockHeldError", app.Err())
	}
}

func TestMetricsDisabled(t *testing.T) {
	p := testParams(t)
	p.Config.Daemon.MetricsAddr = ""

	var httpSrv *HTTPServer
	app := fxtest.New(t, Module(p), fx.Populate(&httpSrv))
	app.RequireStart()
	defer app.RequireStop()

	if httpSrv.Addr() != "" {
		t.Errorf("Addr() = %q, want disabled", httpSrv.Addr())
	}
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %d %s", url, resp.StatusCode, data)
	}
	return string(data)
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(get(t, url)), v); err != nil {
		t.Fatal(err)
	}
}
