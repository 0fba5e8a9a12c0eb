package registry

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yingjunnan/acweb/internal/kvstore"
)

func abc(t *testing.T) *Registry {
	t.Helper()
	r := New(kvstore.NewMemory())
	for _, id := range []string{"A", "B", "C"} {
		added, err := r.Register(Session{ID: id, Name: "term " + id})
		require.NoError(t, err)
		require.True(t, added)
	}
	return r
}

func ids(list []Session) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func TestRegister_PreservesOrderAndDedupes(t *testing.T) {
	r := abc(t)

	added, err := r.Register(Session{ID: "B", Name: "renamed"})
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{"A", "B", "C"}, ids(r.List()))

	s, ok := r.Get("B")
	require.True(t, ok)
	assert.Equal(t, "renamed", s.Name)

	_, err = r.Register(Session{})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestRemove_ActiveFallsBackToPreceding(t *testing.T) {
	r := abc(t)
	require.NoError(t, r.SetActive("B"))

	require.NoError(t, r.Remove("B"))
	assert.Equal(t, "A", r.Active())
	assert.Equal(t, []string{"A", "C"}, ids(r.List()))
}

func TestRemove_FirstActiveFallsBackToNewFirst(t *testing.T) {
	r := abc(t)
	require.NoError(t, r.SetActive("A"))

	require.NoError(t, r.Remove("A"))
	assert.Equal(t, "B", r.Active())
}

func TestRemove_LastSessionClearsActive(t *testing.T) {
	r := New(kvstore.NewMemory())
	r.Register(Session{ID: "only"})
	require.NoError(t, r.SetActive("only"))

	require.NoError(t, r.Remove("only"))
	assert.Equal(t, "", r.Active())
	assert.Empty(t, r.List())
}

func TestRemove_InactiveKeepsActive(t *testing.T) {
	r := abc(t)
	require.NoError(t, r.SetActive("C"))
	require.NoError(t, r.Remove("A"))
	assert.Equal(t, "C", r.Active())
}

func TestNotFound(t *testing.T) {
	r := abc(t)

	err := r.SetActive("Z")
	assert.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "Z", nf.ID)

	assert.ErrorIs(t, r.Remove("Z"), ErrNotFound)
	assert.ErrorIs(t, r.Rename("Z", "x"), ErrNotFound)
	assert.Equal(t, "", r.Active())
}

func TestPersistRestore_RoundTrip(t *testing.T) {
	store := kvstore.NewMemory()
	r := New(store)
	r.Register(Session{ID: "1", Name: "one"})
	r.Register(Session{ID: "2", Name: "two"})
	r.Register(Session{ID: "3", Name: ""})
	require.NoError(t, r.SetActive("2"))
	require.NoError(t, r.Persist())

	restored := New(store)
	restored.Restore()
	assert.Equal(t, r.List(), restored.List())
	assert.Equal(t, "2", restored.Active())

	// Restoring twice is idempotent.
	restored.Restore()
	assert.Equal(t, r.List(), restored.List())
}

func TestRestore_AbsentOrCorrupt(t *testing.T) {
	tests := []struct {
		name   string
		seed   map[string]string
		expect []string
		active string
	}{
		{name: "absent"},
		{name: "corrupt json", seed: map[string]string{sessionsSetting: "{oops", activeSetting: "1"}},
		{name: "wrong shape", seed: map[string]string{sessionsSetting: `{"id":"1"}`}},
		{
			name:   "dangling active",
			seed:   map[string]string{sessionsSetting: `[{"id":"1","name":"a"}]`, activeSetting: "9"},
			expect: []string{"1"},
		},
		{
			name:   "duplicates and blanks",
			seed:   map[string]string{sessionsSetting: `[{"id":"1"},{"id":""},{"id":"1"},{"id":"2"}]`, activeSetting: "2"},
			expect: []string{"1", "2"},
			active: "2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := kvstore.NewMemory()
			for k, v := range tt.seed {
				store.Set(k, v)
			}
			r := New(store)
			r.Register(Session{ID: "stale-in-memory"})

			assert.NotPanics(t, r.Restore)
			assert.Equal(t, len(tt.expect), r.Len())
			if len(tt.expect) > 0 {
				assert.Equal(t, tt.expect, ids(r.List()))
			}
			assert.Equal(t, tt.active, r.Active())
		})
	}
}

func TestClear(t *testing.T) {
	store := kvstore.NewMemory()
	r := New(store)
	r.Register(Session{ID: "1"})
	r.SetActive("1")
	require.NoError(t, r.Persist())

	require.NoError(t, r.Clear())
	assert.Empty(t, r.List())
	assert.Equal(t, "", r.Active())
	assert.Equal(t, 0, store.Len())
}

// Random register/remove/setActive sequences never produce duplicate ids or
// a dangling active session.
func TestInvariants_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		r := New(kvstore.NewMemory())
		for step := 0; step < 50; step++ {
			id := fmt.Sprintf("s%d", rng.Intn(8))
			switch rng.Intn(3) {
			case 0:
				r.Register(Session{ID: id})
			case 1:
				r.Remove(id)
			case 2:
				r.SetActive(id)
			}

			seen := map[string]bool{}
			for _, s := range r.List() {
				require.False(t, seen[s.ID], "duplicate id %s", s.ID)
				seen[s.ID] = true
			}
			if a := r.Active(); a != "" {
				require.True(t, seen[a], "active %s not registered", a)
			}
		}
	}
}
