package status

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"chatwarden/internal/eventbus"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusJSONShape(t *testing.T) {
	cases := map[string]Status{
		`"Idle"`:           Idle,
		`"Queued"`:         Queued,
		`"InProgress"`:     InProgress,
		`{"Error":"Nope"}`: Error("Nope"),
	}
	for want, st := range cases {
		b, err := json.Marshal(st)
		require.NoError(t, err)
		assert.JSONEq(t, want, string(b))

		var back Status
		require.NoError(t, json.Unmarshal(b, &back))
		assert.Equal(t, st, back)
	}

	var bad Status
	assert.Error(t, json.Unmarshal([]byte(`"Sleeping"`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"Oops":"x"}`), &bad))
}

func TestEnsureKeepsExisting(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Ensure(-100))
	require.NoError(t, r.Set(-100, InProgress))
	assert.False(t, r.Ensure(-100))

	st, ok := r.Get(-100)
	require.True(t, ok)
	assert.Equal(t, InProgress, st)
}

func TestSetUnknownGroup(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Set(5, Idle), ErrNotFound)
	_, ok := r.Get(5)
	assert.False(t, ok)
}

func TestMigrateMovesStatus(t *testing.T) {
	r := NewRegistry()
	r.Ensure(100)
	require.NoError(t, r.Set(100, Error("Nope")))

	require.NoError(t, r.Migrate(100, 200))

	_, ok := r.Get(100)
	assert.False(t, ok)
	st, ok := r.Get(200)
	require.True(t, ok)
	assert.Equal(t, Error("Nope"), st)

	assert.ErrorIs(t, r.Migrate(100, 300), ErrNotFound)
	assert.Equal(t, 1, r.Len())
}

func TestMigrateWithinSameShard(t *testing.T) {
	r := NewRegistry()
	var other int64
	for id := int64(2); ; id++ {
		if shardIndex(id) == shardIndex(1) {
			other = id
			break
		}
	}
	r.Ensure(1)
	require.NoError(t, r.Migrate(1, other))
	_, ok := r.Get(other)
	assert.True(t, ok)
}

func TestClaimIsExclusive(t *testing.T) {
	r := NewRegistry()
	r.Ensure(-42)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Claim(-42)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	st, _ := r.Get(-42)
	assert.Equal(t, Queued, st)

	require.NoError(t, r.Set(-42, Error("Nope")))
	ok, err := r.Claim(-42)
	require.NoError(t, err)
	assert.True(t, ok, "a failed group can be claimed again")

	_, err = r.Claim(7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotAndRemove(t *testing.T) {
	r := NewRegistry()
	for _, id := range []int64{-1, -2, -3} {
		r.Ensure(id)
	}
	r.Remove(-2)
	r.Remove(-2)

	snap := r.Snapshot()
	assert.Equal(t, map[int64]Status{-1: Idle, -3: Idle}, snap)

	// the snapshot is a copy
	snap[-1] = InProgress
	st, _ := r.Get(-1)
	assert.Equal(t, Idle, st)
}

func TestMutationsPublishChanges(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	r := NewRegistry(WithBus(bus))
	r.Ensure(9)
	_, _ = r.Claim(9)
	r.Remove(9)

	var got []Change
	for i := 0; i < 3; i++ {
		e := <-ch
		require.Equal(t, eventbus.StatusChanged, e.Type)
		got = append(got, e.Data.(Change))
	}
	assert.Equal(t, []Change{
		{GroupID: 9, Status: Idle},
		{GroupID: 9, Status: Queued},
		{GroupID: 9, Status: Queued, Removed: true},
	}, got)
}
