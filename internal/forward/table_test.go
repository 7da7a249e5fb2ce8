package forward

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_OpenAndApprove(t *testing.T) {
	mock := clock.NewMock()
	tbl := NewTable(Options{Clock: mock})

	req := tbl.Open("caller", "trusted", "target", "tina")
	require.NotEmpty(t, req.ID)
	assert.Equal(t, StateRequested, req.State)
	assert.Equal(t, mock.Now(), req.CreatedAt)

	got, ok := tbl.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, req, got)

	resolved, err := tbl.Resolve(req.ID, "trusted", true)
	require.NoError(t, err)
	assert.Equal(t, StateApproved, resolved.State)
	assert.Equal(t, "target", resolved.TargetID)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_Reject(t *testing.T) {
	tbl := NewTable(Options{})
	req := tbl.Open("caller", "trusted", "target", "tina")

	resolved, err := tbl.Resolve(req.ID, "trusted", false)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, resolved.State)
}

func TestTable_ResolveRejectsSpoofedIssuer(t *testing.T) {
	tbl := NewTable(Options{})
	req := tbl.Open("caller", "trusted", "target", "tina")

	_, err := tbl.Resolve(req.ID, "caller", true)
	assert.ErrorIs(t, err, ErrNotTrustedParty)

	// The failed attempt must not consume the request.
	_, err = tbl.Resolve(req.ID, "trusted", true)
	assert.NoError(t, err)
}

func TestTable_ResolveIsOnce(t *testing.T) {
	tbl := NewTable(Options{})
	req := tbl.Open("caller", "trusted", "target", "tina")

	_, err := tbl.Resolve(req.ID, "trusted", true)
	require.NoError(t, err)
	_, err = tbl.Resolve(req.ID, "trusted", false)
	assert.ErrorIs(t, err, ErrUnknownRequest)
	_, err = tbl.Resolve("nope", "trusted", true)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestTable_UniqueIDs(t *testing.T) {
	tbl := NewTable(Options{})
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		req := tbl.Open("a", "b", "c", "d")
		require.False(t, seen[req.ID])
		seen[req.ID] = true
	}
}

func TestTable_DropParticipant(t *testing.T) {
	tbl := NewTable(Options{})
	r1 := tbl.Open("caller", "trusted", "target", "tina")
	r2 := tbl.Open("other", "trusted2", "caller", "cal")
	r3 := tbl.Open("x", "y", "z", "zed")

	dropped := tbl.DropParticipant("caller")
	require.Len(t, dropped, 2)
	ids := []string{dropped[0].ID, dropped[1].ID}
	assert.ElementsMatch(t, []string{r1.ID, r2.ID}, ids)
	for _, d := range dropped {
		assert.Equal(t, StateAbandoned, d.State)
	}

	_, ok := tbl.Get(r3.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, tbl.Len())

	_, err := tbl.Resolve(r1.ID, "trusted", true)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestTable_Abandon(t *testing.T) {
	tbl := NewTable(Options{})
	req := tbl.Open("caller", "trusted", "target", "tina")
	assert.True(t, tbl.Abandon(req.ID))
	assert.False(t, tbl.Abandon(req.ID))
	_, err := tbl.Resolve(req.ID, "trusted", true)
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestTable_Expiry(t *testing.T) {
	mock := clock.NewMock()

	var (
		mu      sync.Mutex
		expired []Request
	)
	tbl := NewTable(Options{
		Clock: mock,
		TTL:   30 * time.Second,
		OnExpire: func(r Request) {
			mu.Lock()
			expired = append(expired, r)
			mu.Unlock()
		},
	})

	stale := tbl.Open("caller", "trusted", "target", "tina")
	mock.Add(10 * time.Second)
	fresh := tbl.Open("caller", "trusted", "target", "tina")
	mock.Add(25 * time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, stale.ID, expired[0].ID)
	assert.Equal(t, StateExpired, expired[0].State)
	mu.Unlock()

	_, err := tbl.Resolve(stale.ID, "trusted", true)
	assert.ErrorIs(t, err, ErrUnknownRequest)
	_, err = tbl.Resolve(fresh.ID, "trusted", true)
	assert.NoError(t, err)
}

func TestTable_ResolvedRequestDoesNotExpire(t *testing.T) {
	mock := clock.NewMock()
	var calls int
	var mu sync.Mutex
	tbl := NewTable(Options{Clock: mock, TTL: time.Second, OnExpire: func(Request) {
		mu.Lock()
		calls++
		mu.Unlock()
	}})

	req := tbl.Open("caller", "trusted", "target", "tina")
	_, err := tbl.Resolve(req.ID, "trusted", true)
	require.NoError(t, err)
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, calls)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "requested", StateRequested.String())
	assert.Equal(t, "expired", StateExpired.String())
	assert.Equal(t, "unknown", State(99).String())
}
