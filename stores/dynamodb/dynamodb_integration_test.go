//go:build integration

package dynamodb

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcache "github.com/pdenning/go-appcache"
	"github.com/pdenning/go-appcache/stores"
)

const testTable = "appcache-test"

func setup(t *testing.T) *dynamodb.Client {
	t.Helper()

	awsconfig, err := config.LoadDefaultConfig(context.TODO(), config.WithRegion("local"))
	require.NoError(t, err)

	c := dynamodb.NewFromConfig(awsconfig)

	// ResourceInUseException from a previous run is fine
	_ = createTable(context.Background(), c, testTable)

	return c
}

func testEntry(body string) *appcache.Entry {
	return &appcache.Entry{
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte(body),
		StoredAt: time.Now().UTC(),
	}
}

func TestIntegrationRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := setup(t)

	s, err := New(client, &Config{Table: testTable})
	require.NoError(t, err)

	gen, err := s.Open(ctx, "it-v1")
	require.NoError(t, err)

	_, err = gen.Get(ctx, "GET#http://app.local/absent")
	assert.ErrorIs(t, err, stores.ErrNoEntry)

	require.NoError(t, gen.Put(ctx, "GET#http://app.local/", testEntry("shell")))

	got, err := gen.Get(ctx, "GET#http://app.local/")
	require.NoError(t, err)
	assert.Equal(t, []byte("shell"), got.Body)

	require.NoError(t, s.Delete(ctx, "it-v1"))
}

func TestIntegrationListAndDelete(t *testing.T) {
	ctx := context.Background()
	client := setup(t)

	s, err := New(client, &Config{Table: testTable})
	require.NoError(t, err)

	for _, name := range []string{"it-v-old", "it-v-new"} {
		gen, err := s.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, gen.Put(ctx, "GET#http://app.local/", testEntry(name)))
	}

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, "it-v-old")
	assert.Contains(t, names, "it-v-new")

	require.NoError(t, s.Delete(ctx, "it-v-old"))

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "it-v-old")

	require.NoError(t, s.Delete(ctx, "it-v-new"))
	// deleting an absent generation is a no-op
	require.NoError(t, s.Delete(ctx, "it-v-new"))
}
