package memory

import (
	"context"
	"sort"
	"sync"

	appcache "github.com/pdenning/go-appcache"
	"github.com/pdenning/go-appcache/stores"
)

// Store keeps generations in process memory. Useful for tests and for
// running the proxy without persistence.
type Store struct {
	gens map[string]map[string]*appcache.Entry

	lock sync.RWMutex
}

type generation struct {
	store *Store
	name  string
}

func (g *generation) Get(_ context.Context, key string) (*appcache.Entry, error) {
	g.store.lock.RLock()
	defer g.store.lock.RUnlock()

	entries, found := g.store.gens[g.name]
	if !found {
		return nil, stores.ErrNoEntry
	}
	val, found := entries[key]
	if !found {
		return nil, stores.ErrNoEntry
	}

	return val, nil
}

func (g *generation) Put(_ context.Context, key string, e *appcache.Entry) error {
	g.store.lock.Lock()
	defer g.store.lock.Unlock()

	entries, found := g.store.gens[g.name]
	if !found {
		entries = make(map[string]*appcache.Entry)
		g.store.gens[g.name] = entries
	}
	entries[key] = e

	return nil
}

// Open returns a handle on the named generation. The generation
// itself materializes on the first Put, so a generation with no
// entries never shows up in List. All backends share that behavior.
func (s *Store) Open(_ context.Context, name string) (appcache.Generation, error) {
	return &generation{store: s, name: name}, nil
}

func (s *Store) List(_ context.Context) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	names := make([]string, 0, len(s.gens))
	for name := range s.gens {
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.gens, name)

	return nil
}

func New() *Store {
	return &Store{
		gens: make(map[string]map[string]*appcache.Entry),
	}
}
