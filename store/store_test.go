package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string
	Value int
}

func backends(t *testing.T) map[string]Store {
	t.Helper()

	dir := t.TempDir()
	pg, err := NewPogrebStore(filepath.Join(dir, "test.pogreb"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"pogreb": pg,
	}
}

func TestSetGetDelete(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Set([]byte("k1"), []byte("v1")))

			data, found := s.Get([]byte("k1"))
			require.True(t, found)
			require.Equal(t, []byte("v1"), data)

			s.Delete([]byte("k1"))
			_, found = s.Get([]byte("k1"))
			require.False(t, found)
		})
	}
}

func TestGetMissingKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, found := s.Get([]byte("missing"))
			require.False(t, found)
		})
	}
}

func TestSetExpireAndExpireKeys(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SetExpire([]byte("short"), []byte("v"), time.Now().Add(-time.Second)))
			require.NoError(t, s.SetExpire([]byte("long"), []byte("v"), time.Now().Add(time.Hour)))

			s.ExpireKeys()

			_, found := s.Get([]byte("short"))
			require.False(t, found)

			data, found := s.Get([]byte("long"))
			require.True(t, found)
			require.Equal(t, []byte("v"), data)
		})
	}
}

func TestPutJSONGetJSON(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			in := record{Name: "chunk-index", Value: 42}
			require.NoError(t, PutJSON(s, []byte("rec"), in))

			var out record
			found, err := GetJSON(s, []byte("rec"), &out)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, in, out)

			var missing record
			found, err = GetJSON(s, []byte("nope"), &missing)
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}

func TestPutJSONExpire(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			in := record{Name: "grant", Value: 1}
			require.NoError(t, PutJSONExpire(s, []byte("rec"), in, time.Now().Add(-time.Second)))

			s.ExpireKeys()

			var out record
			found, err := GetJSON(s, []byte("rec"), &out)
			require.NoError(t, err)
			require.False(t, found)
		})
	}
}

func TestMemoryStoreCount(t *testing.T) {
	ms := NewMemoryStore()
	require.NoError(t, ms.Set([]byte("a"), []byte("1")))
	require.NoError(t, ms.Set([]byte("b"), []byte("2")))
	require.EqualValues(t, 2, ms.Count())
}

func TestPogrebStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.pogreb")

	pg, err := NewPogrebStore(path)
	require.NoError(t, err)
	require.NoError(t, pg.Set([]byte("k"), []byte("v")))
	require.NoError(t, pg.Close())

	require.DirExists(t, path)

	reopened, err := NewPogrebStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	data, found := reopened.Get([]byte("k"))
	require.True(t, found)
	require.Equal(t, []byte("v"), data)
}
