package bbolt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBBolt(t *testing.T) {
	t.Parallel()

	db, err := NewBBolt("test", t.TempDir())
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, db.Shutdown())
	}()

	// Missing buckets behave like empty ones.
	n, err := db.Count("rrcache")
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = db.Get("rrcache", "example.com.")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put("rrcache", "example.com.", []byte("banana")))
	require.NoError(t, db.Put("rrcache", "example.net.", []byte("apple")))
	require.NoError(t, db.Put("pktcache", "example.com.", []byte("cherry")))

	v, err := db.Get("rrcache", "example.com.")
	require.NoError(t, err)
	assert.Equal(t, []byte("banana"), v)

	n, err = db.Count("rrcache")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.Delete("rrcache", "example.net."))
	n, err = db.Count("rrcache")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	buckets, err := db.Buckets()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"rrcache", "pktcache"}, buckets)

	// Clearing one stage leaves the others untouched.
	cleared, err := db.Clear("rrcache")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	n, err = db.Count("pktcache")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
