package postgres

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/gob"
	"errors"
	"log"
	"time"

	_ "github.com/lib/pq"

	appcache "github.com/pdenning/go-appcache"
	"github.com/pdenning/go-appcache/stores"
)

var (
	// ErrPingFailed is returned if the initial ping to the database returns an error
	ErrPingFailed = errors.New("ping returned error")
)

var (
	//go:embed create_table.sql
	queryCreateTable string
	//go:embed delete_expired.sql
	queryDeleteExpired string
	//go:embed delete_generation.sql
	queryDeleteGeneration string
	//go:embed fetch_entry.sql
	queryFetchEntry string
	//go:embed insert_entry.sql
	queryInsertEntry string
	//go:embed list_generations.sql
	queryListGenerations string
)

// Config defines the configuration options for the PostgreSQL store implementation.
type Config struct {
	// DeleteExpiredRows enables automatic cleanup of rows past their
	// expiration through a background task. Stale generations are
	// normally reclaimed by Activate; the sweeper only catches rows
	// from deployments that never activated.
	DeleteExpiredRows bool

	// SweepInterval defines the interval at which the cleanup task runs.
	// Shorter durations may impact database performance.
	SweepInterval time.Duration

	// RowExpiration defines how long rows remain valid in the database
	// regardless of generation membership.
	RowExpiration time.Duration
}

// Store implements the appcache.Store interface using PostgreSQL as
// the storage backend. Rows are keyed by (generation, url).
type Store struct {
	db *sql.DB

	expiration time.Duration
	now        func() time.Time
}

type generation struct {
	store *Store
	name  string
}

// Get retrieves an entry by its key. Returns stores.ErrNoEntry if the
// row doesn't exist or is past its expiration.
func (g *generation) Get(ctx context.Context, key string) (*appcache.Entry, error) {
	stmt, err := g.store.db.PrepareContext(ctx, queryFetchEntry)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var payload []byte
	row := stmt.QueryRowContext(ctx, g.name, key, g.store.now().UTC())
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, stores.ErrNoEntry
		}
		return nil, err
	}

	var entry appcache.Entry
	if err := gob.NewDecoder(bytes.NewBuffer(payload)).Decode(&entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

// Put stores an entry under the generation with the provided key,
// replacing any previous row. The entry is serialized with gob.
func (g *generation) Put(ctx context.Context, key string, e *appcache.Entry) error {
	stmt, err := g.store.db.PrepareContext(ctx, queryInsertEntry)
	if err != nil {
		return err
	}
	defer stmt.Close()

	var buff bytes.Buffer
	if err := gob.NewEncoder(&buff).Encode(e); err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx, g.name, key, buff.Bytes(), g.store.now().UTC().Add(g.store.expiration))
	return err
}

func (s *Store) Open(_ context.Context, name string) (appcache.Generation, error) {
	return &generation{store: s, name: name}, nil
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, queryListGenerations)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, queryDeleteGeneration, name)
	return err
}

func createTable(ctx context.Context, db *sql.DB) error {
	stmt, err := db.PrepareContext(ctx, queryCreateTable)
	if err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx)
	if err != nil {
		return err
	}

	return nil
}

func deleteExpiredRows(ctx context.Context, db *sql.DB) error {
	stmt, err := db.PrepareContext(ctx, queryDeleteExpired)
	if err != nil {
		return err
	}

	_, err = stmt.ExecContext(ctx)
	return err
}

func sweepTask(ctx context.Context, db *sql.DB, interval time.Duration) {
	t := time.NewTimer(interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("context is done")
			return
		case <-t.C:
			if err := deleteExpiredRows(ctx, db); err != nil {
				log.Println(err)
			}
			_ = t.Reset(interval)
		}
	}
}

// New creates a new PostgreSQL store instance with the provided
// configuration. It verifies the database connection, creates the
// necessary table structure, and optionally starts the cleanup task
// for expired rows.
//
// Returns an error if:
// - The database connection test fails
// - Table creation fails
func New(ctx context.Context, db *sql.DB, config *Config) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(ErrPingFailed, err)
	}

	if err := createTable(ctx, db); err != nil {
		return nil, err
	}

	expiration := stores.DefaultEntryExpiration
	if config != nil {
		if config.RowExpiration != 0 {
			expiration = config.RowExpiration
		}
		if config.DeleteExpiredRows {
			interval := config.SweepInterval
			if interval == 0 {
				interval = stores.DefaultSweepInterval
			}
			go sweepTask(ctx, db, interval)
		}
	}

	return &Store{
		db: db,

		expiration: expiration,
		now:        time.Now,
	}, nil
}
