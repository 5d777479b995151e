package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedge-core/internal/position"
)

func validPositionEvent() RawEvent {
	return RawEvent{
		"type":      "UPDATE",
		"entity":    "position",
		"timestamp": "2026-10-15T08:00:00Z",
		"source":    "local",
		"syncId":    "sync-1",
		"data": map[string]interface{}{
			"positionId": "pos-1",
			"strategyId": "str-1",
			"status":     "OPEN ",
			"symbol":     " eurusd",
			"volume":     "0.1",
			"entryPrice": 1.1,
			"trailWidth": 20,
			"direction":  "BUY",
			"__typename": "Position",
			"_version":   3,
		},
	}
}

func TestValidateWithDetails_ValidPosition(t *testing.T) {
	res := ValidateWithDetails(validPositionEvent())
	assert.True(t, res.IsValid, res.Errors)
	assert.Empty(t, res.Errors)
	assert.True(t, Validate(validPositionEvent()))
}

func TestValidateWithDetails_MissingFields(t *testing.T) {
	raw := validPositionEvent()
	delete(raw, "syncId")
	delete(raw, "timestamp")

	res := ValidateWithDetails(raw)
	require.False(t, res.IsValid)
	assert.Contains(t, res.Errors, "missing required field: timestamp")
	assert.Contains(t, res.Errors, "missing required field: syncId")
}

func TestValidateWithDetails_EnumsAndTimestamp(t *testing.T) {
	raw := validPositionEvent()
	raw["type"] = "UPSERT"
	raw["entity"] = "order"
	raw["source"] = "cloud"
	raw["timestamp"] = "yesterday"

	res := ValidateWithDetails(raw)
	require.False(t, res.IsValid)
	assert.Len(t, res.Errors, 4)
}

func TestValidateWithDetails_PositionRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
		want   string
	}{
		{"zero volume", func(d map[string]interface{}) { d["volume"] = 0 }, "position.volume must be greater than 0"},
		{"non numeric volume", func(d map[string]interface{}) { d["volume"] = "lots" }, "position.volume must be numeric"},
		{"missing symbol", func(d map[string]interface{}) { delete(d, "symbol") }, "missing required data field: symbol"},
		{"bad stop", func(d map[string]interface{}) { d["stopLoss"] = "near" }, "position.stopLoss must be numeric"},
		{"bad entry time", func(d map[string]interface{}) { d["entryTime"] = "soon" }, "position.entryTime must be a valid timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validPositionEvent()
			tt.mutate(raw["data"].(map[string]interface{}))
			res := ValidateWithDetails(raw)
			require.False(t, res.IsValid)
			assert.Contains(t, res.Errors, tt.want)
		})
	}
}

func TestValidateWithDetails_StrategyAndAction(t *testing.T) {
	strategy := RawEvent{
		"type": "CREATE", "entity": "strategy", "timestamp": time.Now(), "source": "remote", "syncId": "s-1",
		"data": map[string]interface{}{"strategyId": "str-1", "name": "hedge", "trailWidth": 0},
	}
	res := ValidateWithDetails(strategy)
	require.False(t, res.IsValid)
	assert.Contains(t, res.Errors, "strategy.trailWidth must be greater than 0")

	strategy["data"].(map[string]interface{})["trailWidth"] = 15
	assert.True(t, Validate(strategy))

	action := RawEvent{
		"type": "CREATE", "entity": "action", "timestamp": float64(time.Now().UnixMilli()), "source": "remote", "syncId": "a-1",
		"data": map[string]interface{}{"actionId": "act-1", "strategyId": "str-1", "type": "entry"},
	}
	res = ValidateWithDetails(action)
	require.False(t, res.IsValid)
	assert.Equal(t, []string{"missing required data field: status"}, res.Errors)
}

func TestSanitizeData(t *testing.T) {
	data := SanitizeData(validPositionEvent()["data"].(map[string]interface{}))

	assert.NotContains(t, data, "__typename")
	assert.NotContains(t, data, "_version")
	assert.Equal(t, "EURUSD", data["symbol"])
	assert.Equal(t, "open", data["status"])
	assert.Equal(t, "buy", data["direction"])
	assert.Equal(t, 0.1, data["volume"])
	assert.Equal(t, float64(20), data["trailWidth"])
}

func TestSanitizeData_Dates(t *testing.T) {
	data := SanitizeData(map[string]interface{}{"entryTime": "2026-01-02T03:04:05Z", "updatedAt": "bad"})
	ts, ok := data["entryTime"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 2026, ts.Year())
	assert.Equal(t, "bad", data["updatedAt"])
}

func TestIsSecure(t *testing.T) {
	assert.True(t, IsSecure(validPositionEvent()))
	assert.False(t, IsSecure(map[string]interface{}{"__proto__": map[string]interface{}{"admin": true}}))
	assert.False(t, IsSecure(map[string]interface{}{"nested": []interface{}{map[string]interface{}{"constructor": 1}}}))
	assert.False(t, IsSecure(map[string]interface{}{"name": "<SCRIPT>alert(1)</script>"}))
	assert.False(t, IsSecure(map[string]interface{}{"link": "javascript:void(0)"}))
}

func TestDecode_BuildsTypedPayload(t *testing.T) {
	ev, err := Decode(validPositionEvent())
	require.NoError(t, err)

	assert.Equal(t, TypeUpdate, ev.Type)
	assert.Equal(t, EntityPosition, ev.Entity)
	assert.Equal(t, SourceLocal, ev.Source)
	assert.Equal(t, "position/pos-1", ev.EntityKey())
	assert.Equal(t, "position:UPDATE", ev.ChannelKey())

	pos, ok := ev.Position()
	require.True(t, ok)
	assert.Equal(t, "EURUSD", pos.Symbol)
	assert.Equal(t, position.DirectionLong, pos.Direction)
	assert.Equal(t, position.StatusOpen, pos.Status)
	assert.InDelta(t, 0.1, pos.Volume, 1e-12)
}

func TestDecode_RejectsInvalidAndInsecure(t *testing.T) {
	raw := validPositionEvent()
	raw["data"].(map[string]interface{})["volume"] = -1
	_, err := Decode(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidEvent))

	raw = validPositionEvent()
	raw["data"].(map[string]interface{})["note"] = "onerror=steal()"
	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrInsecurePayload)
}

func TestToRaw_RoundTrip(t *testing.T) {
	ev := New(TypeCreate, StrategyData{StrategyID: "str-9", Name: "grid", TrailWidth: 30, Enabled: true}, SourceLocal)
	raw, err := ev.ToRaw()
	require.NoError(t, err)

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ev.SyncID, back.SyncID)
	assert.Equal(t, ev.Data, back.Data)
	assert.True(t, ev.Timestamp.Equal(back.Timestamp))
}
