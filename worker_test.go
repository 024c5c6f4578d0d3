package appcache_test

import (
	"context"
	"testing"

	appcache "github.com/pdenning/go-appcache"
	"github.com/pdenning/go-appcache/stores/memory"
)

func newTestWorker(t *testing.T, cfg appcache.Config, host appcache.Host) (*appcache.Worker, appcache.Store) {
	t.Helper()
	store := memory.New()
	mgr := appcache.NewManager(store, cfg, nil, host, nil)
	return appcache.NewWorker(mgr, cfg, nil), store
}

func TestDispatchLifecycle(t *testing.T) {
	t.Parallel()

	server := shellServer(t, nil)
	cfg := appcache.Config{
		StaticVersion: "v-new",
		Origin:        server.URL,
		Manifest:      []string{"/", "/index.html"},
		Policy:        appcache.PolicyCacheFirst,
	}
	worker, store := newTestWorker(t, cfg, nil)

	seed(t, store, "v-old", server.URL+"/", "old shell")

	ctx := context.Background()
	if err := worker.Dispatch(ctx, appcache.EventInstall); err != nil {
		t.Fatalf("install dispatch failed: %v", err)
	}
	if err := worker.Dispatch(ctx, appcache.EventActivate); err != nil {
		t.Fatalf("activate dispatch failed: %v", err)
	}

	names, _ := store.List(ctx)
	if len(names) != 1 || names[0] != "v-new" {
		t.Errorf("expected only v-new after activation, got %v", names)
	}
}

func TestDispatchPlaceholderEvents(t *testing.T) {
	t.Parallel()

	worker, _ := newTestWorker(t, testConfig(appcache.PolicyCacheFirst), nil)

	ctx := context.Background()
	if err := worker.Dispatch(ctx, appcache.EventSync); err != nil {
		t.Errorf("sync must be a no-op, got %v", err)
	}
	if err := worker.Dispatch(ctx, appcache.EventPush); err != nil {
		t.Errorf("push must be a no-op, got %v", err)
	}
	if err := worker.Dispatch(ctx, appcache.Event("notification-click")); err == nil {
		t.Error("expected an error for an unregistered event")
	}
}

func TestGetVersionCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  appcache.Policy
		offline bool
	}{
		{name: "cache-first is offline-durable", policy: appcache.PolicyCacheFirst, offline: true},
		{name: "network-fallback is not", policy: appcache.PolicyNetworkFallback, offline: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			worker, _ := newTestWorker(t, testConfig(tt.policy), nil)

			reply, err := worker.HandleCommand(context.Background(), appcache.Command{Type: appcache.CmdGetVersion})
			if err != nil {
				t.Fatalf("command failed: %v", err)
			}
			version, ok := reply.(*appcache.VersionReply)
			if !ok {
				t.Fatalf("unexpected reply type %T", reply)
			}
			if version.Version != "v1" {
				t.Errorf("expected version v1, got %q", version.Version)
			}
			if version.Mode != string(tt.policy) {
				t.Errorf("expected mode %q, got %q", tt.policy, version.Mode)
			}
			if version.Offline != tt.offline {
				t.Errorf("expected offline=%v, got %v", tt.offline, version.Offline)
			}
		})
	}
}

func TestCacheStatusCommand(t *testing.T) {
	t.Parallel()

	server := shellServer(t, nil)
	cfg := appcache.Config{
		StaticVersion: "v1",
		Origin:        server.URL,
		Manifest:      []string{"/"},
		Policy:        appcache.PolicyCacheFirst,
	}
	worker, _ := newTestWorker(t, cfg, nil)
	ctx := context.Background()

	reply, err := worker.HandleCommand(ctx, appcache.Command{Type: appcache.CmdCacheStatus})
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	status := reply.(*appcache.StatusReply)
	if status.Cached || status.Ready {
		t.Errorf("expected cached=false ready=false before install, got %+v", status)
	}

	if err := worker.Dispatch(ctx, appcache.EventInstall); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	reply, err = worker.HandleCommand(ctx, appcache.Command{Type: appcache.CmdCacheStatus})
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	status = reply.(*appcache.StatusReply)
	if !status.Cached || !status.Ready {
		t.Errorf("expected cached=true ready=true after install, got %+v", status)
	}
	if status.Mode != string(appcache.PolicyCacheFirst) {
		t.Errorf("unexpected mode %q", status.Mode)
	}
}

func TestSkipWaitingCommand(t *testing.T) {
	t.Parallel()

	host := &recordHost{}
	worker, _ := newTestWorker(t, testConfig(appcache.PolicyCacheFirst), host)

	reply, err := worker.HandleCommand(context.Background(), appcache.Command{Type: appcache.CmdSkipWaiting})
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if reply != nil {
		t.Errorf("SKIP_WAITING has no reply, got %v", reply)
	}
	if host.skips != 1 {
		t.Errorf("expected 1 skip-waiting intent, got %d", host.skips)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	worker, _ := newTestWorker(t, testConfig(appcache.PolicyCacheFirst), nil)

	if _, err := worker.HandleCommand(context.Background(), appcache.Command{Type: "REFRESH"}); err == nil {
		t.Error("expected an error for an unknown command type")
	}
}
