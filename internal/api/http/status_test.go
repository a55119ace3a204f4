package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killfeed/killfeed/internal/config"
	"github.com/killfeed/killfeed/internal/economy"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/observability"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

func newTestServer(t *testing.T) (http.Handler, *economy.Engine, store.Store, *observability.Stats) {
	t.Helper()
	st := store.NewMemory()
	econ := economy.New(st, config.DefaultConfig().Economy, nil, logging.Discard())
	stats := observability.NewStats()
	return NewServer(econ, st, stats, logging.Discard()).Router(), econ, st, stats
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h, _, _, _ := newTestServer(t)
	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRequestIDPropagated(t *testing.T) {
	h, _, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestSources(t *testing.T) {
	h, _, st, stats := newTestServer(t)
	ctx := context.Background()
	stats.SetState("s1", observability.StateRunning)
	stats.RecordPoll("s1", 10*time.Millisecond, 120, false)
	require.NoError(t, st.SaveCursor(ctx, types.LogCursor{SourceID: "s1", ByteOffset: 620, LastPollTime: time.Now()}))

	rec := get(t, h, "/v1/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []SourceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "s1", out[0].SourceID)
	assert.Equal(t, int64(120), out[0].BytesRead)
	require.NotNil(t, out[0].Cursor)
	assert.Equal(t, int64(620), out[0].Cursor.ByteOffset)
}

func TestSourceEvents_NewestFirst(t *testing.T) {
	h, econ, _, _ := newTestServer(t)
	ctx := context.Background()
	for i, victim := range []string{"amy", "bob", "cat"} {
		ev := types.DomainEvent{
			Kind:      types.KindKill,
			Timestamp: time.Unix(1746100000+int64(i), 0).UTC(),
			SourceID:  "s1",
			ActorID:   "goki",
			VictimID:  victim,
			Weapon:    "M4A1",
		}
		_, err := econ.ApplyEvent(ctx, ev, uint64(i+1))
		require.NoError(t, err)
	}

	rec := get(t, h, "/v1/sources/s1/events?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []types.DomainEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "cat", out[0].VictimID)
	assert.Equal(t, "bob", out[1].VictimID)

	rec = get(t, h, "/v1/sources/other/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPlayer(t *testing.T) {
	h, econ, _, _ := newTestServer(t)
	_, err := econ.Give(context.Background(), "p1", 250)
	require.NoError(t, err)

	rec := get(t, h, "/v1/players/p1")
	require.Equal(t, http.StatusOK, rec.Code)
	var out PlayerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(250), out.Account.Balance)
	assert.Len(t, out.Ledger, 1)
}

func TestBounties(t *testing.T) {
	h, econ, _, _ := newTestServer(t)
	ctx := context.Background()
	_, err := econ.Give(ctx, "poster", 100)
	require.NoError(t, err)
	_, err = econ.PostBounty(ctx, "poster", "T", 30)
	require.NoError(t, err)

	rec := get(t, h, "/v1/bounties?target=T")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []types.Bounty
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, int64(30), out[0].Reward)

	rec = get(t, h, "/v1/bounties?target=nobody")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestLeaderboard(t *testing.T) {
	h, econ, _, _ := newTestServer(t)
	ctx := context.Background()
	_, err := econ.Give(ctx, "rich", 900)
	require.NoError(t, err)
	_, err = econ.Give(ctx, "poor", 10)
	require.NoError(t, err)

	rec := get(t, h, "/v1/leaderboard?by=balance&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		By      string                `json:"by"`
		Players []types.PlayerAccount `json:"players"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "balance", out.By)
	require.Len(t, out.Players, 1)
	assert.Equal(t, "rich", out.Players[0].PlayerID)

	rec = get(t, h, "/v1/leaderboard?by=luck")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(logging.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := get(t, h, "/")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
