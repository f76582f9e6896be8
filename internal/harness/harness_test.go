package harness

import (
	"errors"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trustsync/internal/cuttlefish"
	"github.com/roach88/trustsync/internal/metrics"
	"github.com/roach88/trustsync/internal/octagon"
	"github.com/roach88/trustsync/internal/trusterr"
)

func TestRun_Scenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/settings_two_devices.yaml")
	require.NoError(t, err)

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	a, err := MarshalSnapshot(s.Name, first)
	require.NoError(t, err)
	b, err := MarshalSnapshot(s.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_ReportsFailedExpectations(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: failing
description: every expectation here is wrong
devices:
  - name: phone
    alt_dsid: alt-1
flow:
  - device: phone
    action: start
    expect:
      state: Ready
  - device: phone
    action: establish
  - device: phone
    action: set_cdp
    expect:
      error: NOT_SIGNED_IN
assertions:
  - type: trace_count
    action: establish
    count: 2
`))
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "expected state Ready, got WaitingForCloudKitAccount")
	assert.Contains(t, result.Errors[1], "unexpected error")
	assert.Contains(t, result.Errors[2], "expected error NOT_SIGNED_IN, got ok")
	assert.Contains(t, result.Errors[3], "trace_count")
}

func TestRun_FailNextInjectsBackendFailure(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: flaky_establish
description: the first establish hits a network failure
devices:
  - name: phone
    alt_dsid: alt-1
flow:
  - device: phone
    action: start
  - device: phone
    action: cloud_status
    args: {status: available}
  - device: phone
    action: set_cdp
  - device: phone
    action: fail_next
    args: {op: establish, code: NETWORK_UNREACHABLE}
  - device: phone
    action: establish
    expect:
      error: NETWORK_UNREACHABLE
      state: Untrusted
  - device: phone
    action: establish
    expect:
      state: Ready
assertions:
  - type: trace_count
    action: establish
    count: 2
  - type: device_state
    device: phone
    expect:
      peer_id: peer-2
      attempted_join: attempted
`))
	require.NoError(t, err)

	m := metrics.New(nil)
	result, err := Run(s, WithMetrics(m))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "Ready", result.States["phone"])
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Transitions().WithLabelValues("Untrusted", "Ready")))
}

func TestRun_BackendRetriesAbsorbTransientFailure(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: retried_establish
description: a retrying backend hides one network failure
devices:
  - name: phone
    alt_dsid: alt-1
flow:
  - device: phone
    action: start
  - device: phone
    action: cloud_status
    args: {status: available}
  - device: phone
    action: set_cdp
  - device: phone
    action: fail_next
    args: {op: establish, code: NETWORK_UNREACHABLE}
  - device: phone
    action: establish
    expect:
      state: Ready
assertions:
  - type: device_state
    device: phone
    expect:
      peer_id: peer-1
`))
	require.NoError(t, err)

	result, err := Run(s, WithBackendRetries(
		cuttlefish.WithRetries(2),
		cuttlefish.WithRetryInterval(time.Millisecond),
	))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ContextOptionsApplied(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/account_signals.yaml")
	require.NoError(t, err)

	result, err := Run(s, WithContextOptions(octagon.WithEscrowTTL(time.Minute)))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_WithContainer(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: custom_container
description: contexts persist under the configured container
devices:
  - name: phone
    alt_dsid: alt-1
flow:
  - device: phone
    action: start
  - device: phone
    action: cloud_status
    args: {status: available}
  - device: phone
    action: set_cdp
  - device: phone
    action: establish
assertions:
  - type: final_state
    device: phone
    table: account_metadata
    where:
      container: com.example.trust
      context_id: phone
    expect:
      peer_id: peer-1
`))
	require.NoError(t, err)

	result, err := Run(s, WithContainer("com.example.trust"))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	result, err = Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass, "default container has no such row")
}

func TestRun_FreshBackendPerRun(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: establish_once
description: every run starts from an empty ledger
devices:
  - name: phone
    alt_dsid: alt-1
flow:
  - device: phone
    action: start
  - device: phone
    action: cloud_status
    args: {status: available}
  - device: phone
    action: set_cdp
  - device: phone
    action: establish
assertions:
  - type: device_state
    device: phone
    expect:
      peer_id: peer-1
`))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		result, err := Run(s)
		require.NoError(t, err)
		assert.True(t, result.Pass, "run %d errors: %v", i, result.Errors)
	}
}

func TestRun_MalformedArgAbortsRun(t *testing.T) {
	tests := []struct {
		name string
		step string
	}{
		{"unknown cloud status", "{device: phone, action: cloud_status, args: {status: sunny}}"},
		{"unknown keychain state", "{device: phone, action: lock_keychain, args: {state: frozen}}"},
		{"non-boolean enabled", "{device: phone, action: set_setting, args: {name: walrus, enabled: yes please}}"},
		{"unknown escrow source", "{device: phone, action: fetch_escrow, args: {source: floppy}}"},
		{"unknown fetch scope", "{device: phone, action: fetch_settings, args: {scope: galaxy}}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseScenario([]byte(`
name: bad_args
description: malformed step args
devices: [{name: phone, alt_dsid: alt-1}]
flow:
  - {device: phone, action: start}
  - ` + tt.step + `
assertions: [{type: trace_count, action: start, count: 1}]
`))
			require.NoError(t, err)

			_, err = Run(s)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "flow step 1")
		})
	}
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeOK, outcomeOf(nil))
	assert.Equal(t, "NO_RECOVERY", outcomeOf(trusterr.New(trusterr.CodeNoRecovery, "wrong secret")))
	assert.Equal(t, "ACCOUNT_STATE_UNKNOWN", outcomeOf(
		trusterr.Wrap(trusterr.CodeAccountStateUnknown, "recheck failed",
			trusterr.New(trusterr.CodeXPCSession, "daemon unreachable"))))
	assert.Equal(t, OutcomeError, outcomeOf(errors.New("disk on fire")))
}

func TestNormalize(t *testing.T) {
	assert.Nil(t, normalize(nil))
	assert.Equal(t,
		map[string]interface{}{"clock": float64(3), "enabled": true},
		normalize(struct {
			Enabled bool   `json:"enabled"`
			Clock   uint64 `json:"clock"`
		}{true, 3}),
	)
	assert.Equal(t, []interface{}{}, normalize([]string{}))
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("flow[0] start on phone: unexpected error: boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"flow[0] start on phone: unexpected error: boom"}, r.Errors)
}

func TestResult_TraceSequence(t *testing.T) {
	r := NewResult()
	r.AddStepTrace("phone", ActionStart, nil, OutcomeOK, nil)
	r.AddTransitionTrace("phone", "NotStarted", "NoAccount")
	r.AddStepTrace("phone", ActionEstablish, nil, "NOT_SIGNED_IN", nil)

	require.Len(t, r.Trace, 3)
	for i, event := range r.Trace {
		assert.Equal(t, int64(i+1), event.Seq)
	}
	assert.Equal(t, EventTransition, r.Trace[1].Type)
	assert.Equal(t, "NoAccount", r.Trace[1].To)
	assert.Equal(t, "NOT_SIGNED_IN", r.Trace[2].Outcome)
}
