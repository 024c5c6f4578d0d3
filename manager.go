package appcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pdenning/go-appcache/stores"
)

// Host receives the lifecycle intents the core emits. The host
// environment decides when to honor them; the core only signals.
type Host interface {
	// SkipWaiting asks the host to supersede the currently active
	// instance immediately instead of waiting for it to detach.
	SkipWaiting()

	// Claim asks the host to hand all existing consumers to this
	// instance immediately instead of on their next navigation.
	Claim()
}

type nopHost struct{}

func (nopHost) SkipWaiting() {}
func (nopHost) Claim()       {}

// NopHost returns a Host that ignores every intent.
func NopHost() Host { return nopHost{} }

// Manager provisions and garbage-collects generations. Install
// populates the current static generation from the manifest; Activate
// deletes every generation not matching the current identifiers.
type Manager struct {
	store  Store
	fetch  http.RoundTripper
	host   Host
	logger *slog.Logger
	now    func() time.Time

	c Config

	ready atomic.Bool
}

// NewManager wires a Manager over the given store. The fetch round
// tripper is used to populate the manifest; nil means
// http.DefaultTransport. A nil host discards intents and a nil logger
// discards logs.
func NewManager(store Store, cfg Config, fetch http.RoundTripper, host Host, logger *slog.Logger) *Manager {
	if fetch == nil {
		fetch = http.DefaultTransport
	}
	if host == nil {
		host = nopHost{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:  store,
		fetch:  fetch,
		host:   host,
		logger: logger,
		now:    time.Now,
		c:      cfg,
	}
}

// Install opens the current static generation and populates it with
// every manifest URL. The operation is atomic: if any asset cannot be
// fetched and stored, the generation is deleted and an error wrapping
// ErrInstall is returned, so a retry starts from a clean slate and
// Activate never promotes partial state.
//
// On success the skip-waiting intent is emitted through the Host.
func (m *Manager) Install(ctx context.Context) error {
	gen, err := m.store.Open(ctx, m.c.StaticVersion)
	if err != nil {
		return errors.Join(ErrInstall, err)
	}

	for _, path := range m.c.Manifest {
		if err := m.installOne(ctx, gen, path); err != nil {
			m.discard(ctx)
			return errors.Join(ErrInstall, fmt.Errorf("asset %s: %w", path, err))
		}
	}

	m.ready.Store(true)
	m.logger.InfoContext(ctx, "install complete",
		"generation", m.c.StaticVersion,
		"assets", len(m.c.Manifest))
	m.host.SkipWaiting()
	return nil
}

func (m *Manager) installOne(ctx context.Context, gen Generation, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.c.Origin+path, nil)
	if err != nil {
		return err
	}

	resp, err := m.fetch.RoundTrip(req)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return gen.Put(ctx, stores.Key(*req), &Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: m.now().UTC(),
	})
}

func (m *Manager) discard(ctx context.Context) {
	if err := m.store.Delete(ctx, m.c.StaticVersion); err != nil {
		m.logger.WarnContext(ctx, "error discarding partial generation",
			"generation", m.c.StaticVersion, "error", err)
	}
}

// Activate deletes every generation whose name is not a current
// identifier. Idempotent: running it again deletes nothing and
// returns nil. On completion the claim intent is emitted.
func (m *Manager) Activate(ctx context.Context) error {
	names, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	keep := map[string]bool{m.c.StaticVersion: true}
	if m.c.DynamicVersion != "" {
		keep[m.c.DynamicVersion] = true
	}

	for _, name := range names {
		if keep[name] {
			continue
		}
		m.logger.InfoContext(ctx, "deleting stale generation", "generation", name)
		if err := m.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete generation %s: %w", name, err)
		}
	}

	m.host.Claim()
	return nil
}

// Ready reports whether the last Install ran to completion.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// RootCached reports whether the application's root document is
// present in the current static generation.
func (m *Manager) RootCached(ctx context.Context) bool {
	gen, err := m.store.Open(ctx, m.c.StaticVersion)
	if err != nil {
		return false
	}
	_, err = gen.Get(ctx, http.MethodGet+"#"+m.c.Origin+"/")
	return err == nil
}

// SkipWaiting forwards the takeover intent to the host. Exposed for
// the SKIP_WAITING command on the message channel.
func (m *Manager) SkipWaiting() {
	m.host.SkipWaiting()
}
