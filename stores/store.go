package stores

import (
	"net/http"
	"time"
)

var (
	// DefaultEntryExpiration is how long persistent backends keep a
	// row before their sweepers may reclaim it. Generations are
	// expected to be replaced by a new deployment well before this.
	DefaultEntryExpiration = 30 * 24 * time.Hour

	// DefaultSweepInterval is the default period of the expired-row
	// cleanup task in backends that run one.
	DefaultSweepInterval = 10 * time.Minute
)

// Key derives the store key for a request: method and absolute URL.
// Only GET requests are ever stored, but the method is kept in the
// key so a stored entry can never answer the wrong verb.
func Key(r http.Request) string {
	return r.Method + "#" + r.URL.String()
}
