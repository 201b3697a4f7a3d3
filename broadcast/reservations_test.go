package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAllOrNothing(t *testing.T) {
	r := NewReservations()

	release, err := r.Reserve("a:0", "b:0")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = r.Reserve("c:0", "b:0")
	assert.ErrorIs(t, err, ErrReservationConflict)
	assert.False(t, r.IsReserved("c:0"), "failed reservation must not hold anything")

	release()
	release()
	assert.Equal(t, 0, r.Len())

	release2, err := r.Reserve("c:0", "b:0")
	require.NoError(t, err)
	release2()
}

func TestReserveDuplicateWithinCall(t *testing.T) {
	r := NewReservations()
	_, err := r.Reserve("a:0", "a:0")
	assert.ErrorIs(t, err, ErrReservationConflict)
	assert.Equal(t, 0, r.Len())
}

func TestMarkSpentOutlivesRelease(t *testing.T) {
	r := NewReservations()
	release, err := r.Reserve("a:0")
	require.NoError(t, err)

	r.MarkSpent("a:0")
	release()

	assert.Equal(t, 0, r.Len())
	assert.True(t, r.IsReserved("a:0"))
	_, err = r.Reserve("a:0")
	assert.ErrorIs(t, err, ErrReservationConflict)
}

func TestForgetSpent(t *testing.T) {
	r := NewReservations()
	r.MarkSpent("a:0")
	r.MarkSpent("b:1")
	release, err := r.Reserve("c:2")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, 1, r.ForgetSpent(map[string]struct{}{"a:0": {}, "c:2": {}}))
	assert.True(t, r.IsReserved("a:0"), "still listed, spend not confirmed yet")
	assert.False(t, r.IsReserved("b:1"))
	assert.True(t, r.IsReserved("c:2"), "held reservations are untouched")

	assert.Equal(t, 0, r.ForgetSpent(map[string]struct{}{"a:0": {}}))
}

func TestReserveConcurrentExclusivity(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := NewReservations()
		shared := fmt.Sprintf("shared:%d", round)

		var wins int32
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				if _, err := r.Reserve(fmt.Sprintf("own:%d", g), shared); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}(g)
		}
		wg.Wait()

		require.Equal(t, int32(1), wins, "exactly one operation may hold the shared output")
		assert.Equal(t, 2, r.Len())
	}
}
