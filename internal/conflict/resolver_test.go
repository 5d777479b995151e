package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/internal/event"
	"hedge-core/internal/position"
)

var base = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

func update(src event.Source, syncID string, ts time.Time, stop float64) event.SyncEvent {
	return event.SyncEvent{
		Type:   event.TypeUpdate,
		Entity: event.EntityPosition,
		Data: event.PositionData{Position: position.Position{
			PositionID: "pos-1", Symbol: "EURUSD", Volume: 0.1, StopLoss: stop,
		}},
		Timestamp: ts,
		Source:    src,
		SyncID:    syncID,
	}
}

func TestResolver_RemoteLaterWins(t *testing.T) {
	r := NewResolver(nil, nil)
	local := update(event.SourceLocal, "l-1", base, 1.1000)
	remote := update(event.SourceRemote, "r-1", base.Add(time.Second), 1.1010)
	r.TrackLocal(local)

	c := r.CheckConflict(remote)
	require.NotNil(t, c)
	assert.Equal(t, ReasonPendingLocal, c.Reason)

	res := r.Resolve(*c)
	assert.Equal(t, event.SourceRemote, res.Winner)
	assert.Equal(t, "r-1", res.Resolved.SyncID)
}

func TestResolver_LocalLaterWinsAndTieGoesRemote(t *testing.T) {
	r := NewResolver(TimestampPriority{}, nil)
	r.TrackLocal(update(event.SourceLocal, "l-1", base.Add(time.Second), 1.1))

	c := r.CheckConflict(update(event.SourceRemote, "r-1", base, 1.2))
	require.NotNil(t, c)
	assert.Equal(t, event.SourceLocal, r.Resolve(*c).Winner)

	c = r.CheckConflict(update(event.SourceRemote, "r-2", base.Add(time.Second), 1.2))
	require.NotNil(t, c)
	assert.Equal(t, event.SourceRemote, r.Resolve(*c).Winner)
}

func TestResolver_Deterministic(t *testing.T) {
	r := NewResolver(nil, nil)
	r.TrackLocal(update(event.SourceLocal, "l-1", base, 1.1))
	c := r.CheckConflict(update(event.SourceRemote, "r-1", base, 1.2))
	require.NotNil(t, c)

	first := r.Resolve(*c)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Resolve(*c))
	}
	assert.Equal(t, uint64(11), r.Stats().Conflicts)
}

func TestResolver_NoConflictCases(t *testing.T) {
	r := NewResolver(nil, nil)
	remote := update(event.SourceRemote, "r-1", base, 1.2)
	assert.Nil(t, r.CheckConflict(remote), "未跟踪的实体")

	local := update(event.SourceLocal, "l-1", base, 1.1)
	r.TrackLocal(local)
	assert.Nil(t, r.CheckConflict(local.WithSource(event.SourceRemote)), "本地变更的回显")

	r.ForgetLocal("l-1")
	assert.Nil(t, r.CheckConflict(update(event.SourceRemote, "r-2", base.Add(time.Second), 1.3)))

	c := r.CheckConflict(update(event.SourceRemote, "r-3", base.Add(-time.Second), 1.0))
	require.NotNil(t, c)
	assert.Equal(t, ReasonNewerLocal, c.Reason)
}

func TestPolicies(t *testing.T) {
	local := update(event.SourceLocal, "l-1", base, 1.1)
	remote := update(event.SourceRemote, "r-1", base.Add(time.Hour), 1.2)

	assert.Equal(t, event.SourceLocal, LocalPriority{}.Choose(local, remote))
	assert.Equal(t, event.SourceRemote, RemotePriority{}.Choose(remote, local))

	for name, want := range map[string]string{"": "timestamp", "graphql": "remote", "WebSocket": "local"} {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, p.Name())
	}
	_, err := PolicyByName("random")
	assert.Error(t, err)
}

func TestResolver_ResolveStale(t *testing.T) {
	local := update(event.SourceLocal, "l-1", base, 1.1)

	for _, tc := range []struct {
		policy Policy
		want   event.Source
	}{
		{TimestampPriority{}, event.SourceRemote},
		{RemotePriority{}, event.SourceRemote},
		{LocalPriority{}, event.SourceLocal},
	} {
		r := NewResolver(tc.policy, nil)
		assert.Equal(t, tc.want, r.ResolveStale(local), tc.policy.Name())
		assert.Equal(t, uint64(1), r.Stats().Conflicts)
	}
}
