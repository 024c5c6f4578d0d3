package appcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrInstall is wrapped by every error returned from a failed
	// Manager.Install. No generation switch happens after this error;
	// the caller is expected to retry the whole install later.
	ErrInstall = errors.New("install failed")
)

// Entry is a captured response snapshot stored under a request key.
// The body is a fully buffered copy, so an Entry can be turned into a
// readable *http.Response any number of times.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response materializes the entry as an *http.Response with a fresh
// body reader. Each call returns an independent body.
func (e *Entry) Response() *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
}

// Generation is one named key-value store of request/response pairs.
type Generation interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, e *Entry) error
}

// Store owns the full set of generations. Open must be cheap and
// idempotent; Delete of an absent generation must return nil.
type Store interface {
	Open(ctx context.Context, name string) (Generation, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) error
}
