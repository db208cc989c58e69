package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreOrdersByPreparation(t *testing.T) {
	st := NewStore()
	base := time.Unix(1000, 0)
	st.Put(Session{ID: "b", PreparedAt: base.Add(time.Second)})
	st.Put(Session{ID: "a", PreparedAt: base})

	cur, ok := st.Current()
	require.True(t, ok)
	assert.Equal(t, "a", cur.ID)

	list := st.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	st.Put(Session{ID: "b", PreparedAt: base.Add(time.Second), State: Stopped})
	got, ok := st.Get("b")
	require.True(t, ok)
	assert.Equal(t, Stopped, got.State)
	assert.True(t, st.Has("a"))
	assert.False(t, st.Has("c"))
}

func TestSyncFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), SyncFileName)
	sf, err := CreateSyncFile(path)
	require.NoError(t, err)

	require.NoError(t, sf.Set(KeySessionID, "20240101_120000"))
	require.NoError(t, sf.SetSeconds(KeyOffset, -0.0125))
	require.NoError(t, sf.Set(KeyCalibratedAt, "2024-01-01T12:00:00.05Z"))
	require.NoError(t, sf.Close())
	require.NoError(t, sf.Close())
	assert.Error(t, sf.Set(KeySamples, "1"))

	kv, err := ReadSyncFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		KeySessionID:    "20240101_120000",
		KeyOffset:       "-0.012500",
		KeyCalibratedAt: "2024-01-01T12:00:00.05Z",
	}, kv)
}

func TestSessionDuration(t *testing.T) {
	s := Session{State: Stopped, HasMasterStart: true, LocalStart: 10, LocalStop: 12.5}
	assert.InDelta(t, 2.5, s.Duration(), 1e-9)
	s.State = Collecting
	assert.Zero(t, s.Duration())
}

func TestStateText(t *testing.T) {
	b, err := Collecting.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "collecting", string(b))
	assert.Equal(t, "state(9)", State(9).String())
}
