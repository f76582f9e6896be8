package harness

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotResult() *Result {
	r := NewResult()
	r.AddStepTrace("phone", ActionStart, nil, OutcomeOK, nil)
	r.AddTransitionTrace("phone", "NotStarted", "WaitingForCloudKitAccount")
	r.AddStepTrace("phone", ActionSetSetting,
		map[string]interface{}{"name": "walrus", "enabled": true}, "ACCOUNT_STATE_UNKNOWN", nil)
	r.AddStepTrace("phone", ActionFetchEscrow, nil, OutcomeOK,
		map[string]interface{}{"records": []interface{}{}, "legacy": float64(0), "partial": float64(0), "full": float64(0)})
	r.States["phone"] = "WaitingForCloudKitAccount"
	return r
}

func TestAssertGolden_SnapshotFormat(t *testing.T) {
	require.NoError(t, AssertGolden(t, "snapshot_format", snapshotResult()))
}

func TestMarshalSnapshot_Deterministic(t *testing.T) {
	first, err := MarshalSnapshot("determinism", snapshotResult())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := MarshalSnapshot("determinism", snapshotResult())
		require.NoError(t, err)
		require.Equal(t, string(first), string(again))
	}
}

func TestMarshalSnapshot_Shape(t *testing.T) {
	data, err := MarshalSnapshot("shape", snapshotResult())
	require.NoError(t, err)

	text := string(data)
	assert.True(t, strings.HasSuffix(text, "}\n"), "snapshot ends with a newline")
	assert.Contains(t, text, `"scenario_name": "shape"`)
	assert.Less(t, strings.Index(text, `"enabled": true`), strings.Index(text, `"name": "walrus"`),
		"map keys are sorted")
	assert.NotContains(t, text, `"pass"`)
	assert.NotContains(t, text, `"errors"`)

	var snap TraceSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "shape", snap.ScenarioName)
	require.Len(t, snap.Trace, 4)
	assert.Equal(t, EventTransition, snap.Trace[1].Type)
	assert.Empty(t, snap.Trace[1].Action, "transitions carry no action")
	assert.Equal(t, map[string]string{"phone": "WaitingForCloudKitAccount"}, snap.States)
}
