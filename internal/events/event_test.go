package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPayloadIsCopied(t *testing.T) {
	src := map[string]any{
		"status": "done",
		"nested": map[string]any{"k": "v"},
	}
	e := New(StatusChanged, "act_1", src)

	src["status"] = "mutated"
	src["nested"].(map[string]any)["k"] = "mutated"
	assert.Equal(t, "done", e.String("status"))

	out := e.Data()
	out["status"] = "again"
	out["nested"].(map[string]any)["k"] = "again"

	nested, ok := e.Value("nested")
	require.True(t, ok)
	assert.Equal(t, "v", nested.(map[string]any)["k"])
	assert.Equal(t, "done", e.String("status"))
}

func TestEventJSON(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewAt(ActionCompleted, "act_9", map[string]any{"result": "ok"}, ts)

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"action_completed","action_id":"act_9","data":{"result":"ok"},"timestamp":"2026-01-02T03:04:05Z"}`, string(b))

	var back Event
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, ActionCompleted, back.Type())
	assert.Equal(t, "act_9", back.ActionID())
	assert.True(t, ts.Equal(back.Timestamp()))

	assert.Error(t, json.Unmarshal([]byte(`{"type":"nope"}`), &back))
}

func TestEventEmptyDataMarshalsAsObject(t *testing.T) {
	b, err := json.Marshal(New(PlanCreated, "a", nil))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"data":{}`)
}

func TestTypeValid(t *testing.T) {
	for _, typ := range Types() {
		assert.True(t, typ.Valid(), typ)
	}
	assert.False(t, Type("other").Valid())
}
