package store

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNS = Namespace{Token: "0123456789abcdef0123456789abcdef"}

func TestErrorMatchesSentinelAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ErrBackendUnavailable, "config.get", testNS, cause)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ns=01234567")
	assert.NotContains(t, err.Error(), testNS.Token)
	assert.Equal(t, "backend_unavailable", Code(err))

	// already classified errors keep their kind
	nf := Errorf(ErrNotFound, "config.get", testNS, "id %q", "x")
	assert.Same(t, nf, Wrap(ErrBackendUnavailable, "outer", testNS, nf))
	assert.Equal(t, "not_found", Code(nf))
	assert.Nil(t, Wrap(ErrNotFound, "noop", testNS, nil))
}

func TestValidateKindAndName(t *testing.T) {
	for _, k := range ConfigKinds {
		assert.NoError(t, ValidateKind("op", testNS, k))
	}
	assert.ErrorIs(t, ValidateKind("op", testNS, "bogus"), ErrInvalidArgument)
	assert.ErrorIs(t, ValidateName("op", testNS, "  "), ErrInvalidArgument)
	assert.NoError(t, ValidateName("op", testNS, "gpt"))
}

func TestNormalizeParamsRoundTripsThroughJSON(t *testing.T) {
	p, err := NormalizeParams("op", testNS, Params{"n": 3, "nested": map[string]any{"a": []int{1, 2}}})
	require.NoError(t, err)
	assert.Equal(t, float64(3), p["n"])
	assert.Equal(t, []any{float64(1), float64(2)}, p["nested"].(map[string]any)["a"])

	empty, err := NormalizeParams("op", testNS, nil)
	require.NoError(t, err)
	assert.NotNil(t, empty)

	_, err = NormalizeParams("op", testNS, Params{"ch": make(chan int)})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTextOnlyOneBackendCouldStoreIsRejected(t *testing.T) {
	for _, bad := range []string{"a\x00b", "\xff\xfe"} {
		assert.ErrorIs(t, ValidateText("op", testNS, "f", bad), ErrInvalidArgument)
		assert.ErrorIs(t, ValidateName("op", testNS, "g"+bad), ErrInvalidArgument)
		assert.ErrorIs(t, ValidateID("op", testNS, "id", bad), ErrInvalidArgument)

		_, err := ValidateTurn("op", testNS, Turn{ConversationID: "c", RequestText: bad})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = ValidateTurn("op", testNS, Turn{ConversationID: "c", ResponseText: bad})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		_, err = NormalizeParams("op", testNS, Params{"k": bad})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = NormalizeParams("op", testNS, Params{bad: "v"})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = NormalizeParams("op", testNS, Params{"deep": map[string]any{"list": []any{1, bad}}})
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = NormalizeParams("op", testNS, Params{"typed": []string{bad}})
		assert.ErrorIs(t, err, ErrInvalidArgument)

		assert.ErrorIs(t, ValidateFilter("op", testNS, ConfigFilter{NamePrefix: bad}), ErrInvalidArgument)
	}
	assert.NoError(t, ValidateText("op", testNS, "f", "héllo ✓"))
	_, err := NormalizeParams("op", testNS, Params{"blob": []byte{0, 0xff}})
	assert.NoError(t, err)
}

func TestCheckTurnOrder(t *testing.T) {
	assert.NoError(t, CheckTurnOrder("op", testNS, "c", -1, 0))
	assert.NoError(t, CheckTurnOrder("op", testNS, "c", 4, 5))
	assert.ErrorIs(t, CheckTurnOrder("op", testNS, "c", -1, 1), ErrOutOfOrderTurn)
	assert.ErrorIs(t, CheckTurnOrder("op", testNS, "c", 4, 4), ErrOutOfOrderTurn)
	assert.ErrorIs(t, CheckTurnOrder("op", testNS, "c", 4, 6), ErrOutOfOrderTurn)

	_, err := ValidateTurn("op", testNS, Turn{ConversationID: "c", TurnNumber: -1})
	assert.ErrorIs(t, err, ErrOutOfOrderTurn)
}

func TestValidateVector(t *testing.T) {
	assert.NoError(t, ValidateVector("op", testNS, 2, []float32{0.1, 0.2}))
	assert.ErrorIs(t, ValidateVector("op", testNS, 3, []float32{0.1, 0.2}), ErrInvalidArgument)
	nan := float32(0)
	nan = nan / nan
	assert.ErrorIs(t, ValidateVector("op", testNS, 1, []float32{nan}), ErrInvalidArgument)
	assert.ErrorIs(t, ValidateNearest("op", testNS, 2, "t", []float32{1, 2}, 0), ErrInvalidArgument)
}

func TestOrchestratorRefs(t *testing.T) {
	p := Params{
		"generator_id": "G1",
		"scorer_ids":   []any{"S1", "S2", 7},
		"dataset":      "D1",
		"note_id":      "",
	}
	assert.ElementsMatch(t, []string{"G1", "S1", "S2"}, OrchestratorRefs(p))
	assert.True(t, References(p, "S2"))
	assert.False(t, References(p, "D1"))
}

func TestKeyedRWMutexIsolatesKeys(t *testing.T) {
	locks := NewKeyedRWMutex()
	release := locks.Lock("a")
	defer release()

	done := make(chan struct{})
	go func() {
		r := locks.Lock("b")
		r()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
}

func TestKeyedRWMutexSharedReaders(t *testing.T) {
	locks := NewKeyedRWMutex()
	var active, peak int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			r := locks.RLock("k")
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			r()
		}()
	}
	close(start)
	wg.Wait()
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestPaginateWalksPagesAndHonoursLimit(t *testing.T) {
	rows := make([]int, PageSize*2+7)
	for i := range rows {
		rows[i] = i
	}
	calls := 0
	fetch := func(after *int, n int) ([]int, error) {
		calls++
		start := 0
		if after != nil {
			start = *after + 1
		}
		end := start + n
		if end > len(rows) {
			end = len(rows)
		}
		return rows[start:end], nil
	}
	cursor := func(v int) int { return v }

	all, err := Collect(Paginate(0, fetch, cursor))
	require.NoError(t, err)
	assert.Equal(t, rows, all)
	assert.Equal(t, 3, calls)

	// restartable
	again, err := Collect(Paginate(0, fetch, cursor))
	require.NoError(t, err)
	assert.Len(t, again, len(rows))

	limited, err := Collect(Paginate(5, fetch, cursor))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, limited)
}

func TestPaginateStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	seq := Paginate(0, func(after *int, n int) ([]int, error) { return nil, boom }, func(v int) int { return v })
	_, err := Collect(seq)
	assert.ErrorIs(t, err, boom)
}
