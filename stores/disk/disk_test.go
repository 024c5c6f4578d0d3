//go:build !integration

package disk

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcache "github.com/pdenning/go-appcache"
	"github.com/pdenning/go-appcache/stores"
)

func testEntry(body string) *appcache.Entry {
	return &appcache.Entry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte(body),
		StoredAt: time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()

	s, err := Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer s.Close()

	gen, err := s.Open(ctx, "v1")
	require.NoError(t, err)

	_, err = gen.Get(ctx, "GET#http://app.local/")
	assert.ErrorIs(t, err, stores.ErrNoEntry)

	require.NoError(t, gen.Put(ctx, "GET#http://app.local/", testEntry("shell")))

	got, err := gen.Get(ctx, "GET#http://app.local/")
	require.NoError(t, err)
	assert.Equal(t, []byte("shell"), got.Body)
	assert.Equal(t, "text/html", got.Header.Get("Content-Type"))
	assert.Equal(t, http.StatusOK, got.Status)
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s, err := Open(path)
	require.NoError(t, err)

	gen, err := s.Open(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, gen.Put(ctx, "GET#http://app.local/", testEntry("shell")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	gen, err = s.Open(ctx, "v1")
	require.NoError(t, err)
	got, err := gen.Get(ctx, "GET#http://app.local/")
	require.NoError(t, err)
	assert.Equal(t, []byte("shell"), got.Body)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()

	s, err := Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer s.Close()

	for _, name := range []string{"v-old", "v-new"} {
		gen, err := s.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, gen.Put(ctx, "GET#http://app.local/", testEntry(name)))
		require.NoError(t, gen.Put(ctx, "GET#http://app.local/index.html", testEntry(name)))
	}

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v-new", "v-old"}, names)

	require.NoError(t, s.Delete(ctx, "v-old"))

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v-new"}, names)

	gen, err := s.Open(ctx, "v-old")
	require.NoError(t, err)
	_, err = gen.Get(ctx, "GET#http://app.local/")
	assert.ErrorIs(t, err, stores.ErrNoEntry)

	// deleting an absent generation is a no-op
	require.NoError(t, s.Delete(ctx, "v-old"))
}
