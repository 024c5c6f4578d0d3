// Package disk persists generations in a local leveldb database, so
// the store survives process restarts and the app can come up offline.
package disk

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"sort"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	appcache "github.com/pdenning/go-appcache"
	"github.com/pdenning/go-appcache/stores"
)

// keySep separates the generation name from the request key. Names
// are version strings and keys are method#url, neither contains NUL.
const keySep = "\x00"

type Store struct {
	db *leveldb.DB
}

type generation struct {
	store *Store
	name  string
}

func (g *generation) Get(_ context.Context, key string) (*appcache.Entry, error) {
	raw, err := g.store.db.Get(dbKey(g.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, stores.ErrNoEntry
	}
	if err != nil {
		return nil, err
	}

	var entry appcache.Entry
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (g *generation) Put(_ context.Context, key string, e *appcache.Entry) error {
	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(e); err != nil {
		return err
	}
	return g.store.db.Put(dbKey(g.name, key), buff.Bytes(), nil)
}

func (s *Store) Open(_ context.Context, name string) (appcache.Generation, error) {
	return &generation{store: s, name: name}, nil
}

// List walks the whole keyspace and collects the distinct generation
// prefixes. The store holds one app shell per generation, so the walk
// stays small.
func (s *Store) List(_ context.Context) ([]string, error) {
	it := s.db.NewIterator(nil, nil)
	defer it.Release()

	seen := map[string]bool{}
	for it.Next() {
		if i := bytes.IndexByte(it.Key(), 0); i >= 0 {
			seen[string(it.Key()[:i])] = true
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	it := s.db.NewIterator(util.BytesPrefix([]byte(name+keySep)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func dbKey(name, key string) []byte {
	return []byte(name + keySep + key)
}

// Open opens (creating if needed) the leveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}
