package appcache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Event is a host lifecycle event delivered to the Worker. Fetch is
// not dispatched here; it flows through the Transport directly.
type Event string

const (
	EventInstall  Event = "install"
	EventActivate Event = "activate"
	EventSync     Event = "sync"
	EventPush     Event = "push"
)

// Command channel message types.
const (
	CmdSkipWaiting = "SKIP_WAITING"
	CmdGetVersion  = "GET_VERSION"
	CmdCacheStatus = "CACHE_STATUS"
)

// Command is a message received on the host command channel.
type Command struct {
	Type string `json:"type"`
}

// VersionReply answers GET_VERSION.
type VersionReply struct {
	Version string `json:"version"`
	Offline bool   `json:"offline"`
	Mode    string `json:"mode"`
}

// StatusReply answers CACHE_STATUS.
type StatusReply struct {
	Cached bool   `json:"cached"`
	Ready  bool   `json:"ready"`
	Mode   string `json:"mode"`
}

// Worker adapts host events onto the Manager. It keeps the core free
// of platform vocabulary: the host adapter maps whatever its event
// source looks like onto Dispatch and HandleCommand.
type Worker struct {
	mgr    *Manager
	logger *slog.Logger

	c Config

	handlers map[Event]func(context.Context) error
}

// NewWorker builds the event dispatch table over a Manager.
func NewWorker(mgr *Manager, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Worker{
		mgr:    mgr,
		logger: logger,
		c:      cfg,
	}
	w.handlers = map[Event]func(context.Context) error{
		EventInstall:  mgr.Install,
		EventActivate: mgr.Activate,
		EventSync:     w.noop("sync"),
		EventPush:     w.noop("push"),
	}
	return w
}

// Dispatch runs the handler registered for the event.
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	h, ok := w.handlers[ev]
	if !ok {
		return fmt.Errorf("no handler for event %q", ev)
	}
	return h(ctx)
}

func (w *Worker) noop(name string) func(context.Context) error {
	return func(ctx context.Context) error {
		w.logger.DebugContext(ctx, "event ignored", "event", name)
		return nil
	}
}

// HandleCommand services one command channel message. SKIP_WAITING
// has no reply; the query commands return a JSON-taggable reply
// struct. Unknown command types are an error.
func (w *Worker) HandleCommand(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdSkipWaiting:
		w.mgr.SkipWaiting()
		return nil, nil
	case CmdGetVersion:
		return &VersionReply{
			Version: w.c.StaticVersion,
			Offline: w.c.Policy == PolicyCacheFirst,
			Mode:    string(w.c.Policy),
		}, nil
	case CmdCacheStatus:
		return &StatusReply{
			Cached: w.mgr.RootCached(ctx),
			Ready:  w.mgr.Ready(),
			Mode:   string(w.c.Policy),
		}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", cmd.Type)
	}
}
