package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID    string  `json:"id"`
	Value float64 `json:"value"`
}

func TestStore(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "autofoss.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateBucket("runs"))

	var ids []string
	for i := 0; i < 3; i++ {
		v := float64(i)
		require.NoError(t, s.Create("runs", func(id string) interface{} {
			ids = append(ids, id)
			return &record{ID: id, Value: v}
		}))
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)

	var r record
	require.NoError(t, s.Get("runs", "2", &r))
	assert.Equal(t, 1.0, r.Value)

	r.Value = 42
	require.NoError(t, s.Update("runs", "2", &r))
	require.NoError(t, s.Get("runs", "2", &r))
	assert.Equal(t, 42.0, r.Value)

	assert.Error(t, s.Update("runs", "99", &r), "update of a missing id")
	require.NoError(t, s.Put("runs", "default", &record{ID: "default", Value: 7}))
	require.NoError(t, s.Put("runs", "default", &record{ID: "default", Value: 8}))
	require.NoError(t, s.Get("runs", "default", &r))
	assert.Equal(t, 8.0, r.Value)
	require.NoError(t, s.Delete("runs", "default"))
	assert.Error(t, s.Get("missing", "1", &r))

	require.NoError(t, s.Delete("runs", "1"))
	count := 0
	require.NoError(t, s.List("runs", func(_ string, _ []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 2, count)
}
