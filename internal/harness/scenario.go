package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/octagon"
)

// Scenario is a scripted multi-device run against one simulated account.
// Devices share a replication backend; each keeps its own database and
// keychain.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Devices are created in order. Each one is a trust context that has
	// not been started yet.
	Devices []DeviceSpec `yaml:"devices"`

	// Flow is executed in order. After every step the harness waits for
	// every device to settle before recording state changes.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and device state.
	Assertions []Assertion `yaml:"assertions"`
}

// DeviceSpec declares one simulated device.
type DeviceSpec struct {
	// Name identifies the device in flow steps and names its context.
	Name string `yaml:"name"`

	// AltDSID is the account signed in when the device starts.
	// Empty means no primary account.
	AltDSID string `yaml:"alt_dsid,omitempty"`

	// SecurityLevel is "hsa2" (default), "sa" or "unknown".
	SecurityLevel string `yaml:"security_level,omitempty"`

	// CloudStatus is what an out-of-band cloud status query answers:
	// "available" (default), "no_account" or "unknown".
	CloudStatus string `yaml:"cloud_status,omitempty"`
}

// FlowStep is one action performed on a device.
type FlowStep struct {
	// Device names the device the action runs on.
	Device string `yaml:"device"`

	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// Args are the action's arguments.
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Expect validates the step. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// Error is the expected error code. Empty means the step succeeds.
	Error string `yaml:"error,omitempty"`

	// State is the device's expected state once the step has settled.
	State string `yaml:"state,omitempty"`

	// Result is a subset match against the step's result.
	Result map[string]interface{} `yaml:"result,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is a step action (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Device restricts trace assertions to one device and selects the
	// device for transition, final_state and device_state.
	Device string `yaml:"device,omitempty"`

	// Args are matched as a subset of the step's args (trace_contains).
	Args map[string]interface{} `yaml:"args,omitempty"`

	// Outcome is the expected step outcome (trace_contains).
	Outcome string `yaml:"outcome,omitempty"`

	// Count is the exact number of matching steps (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions must appear in this order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// From and To describe a state change (transition). From is optional.
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// Table and Where select exactly one row of the device's database
	// (final_state).
	Table string                 `yaml:"table,omitempty"`
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect is a subset match against the selected row (final_state) or
	// the device's trust status (device_state).
	Expect map[string]interface{} `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertTransition    = "transition"
	AssertFinalState    = "final_state"
	AssertDeviceState   = "device_state"
)

// Flow step actions.
const (
	ActionStart               = "start"
	ActionRestart             = "restart"
	ActionSignIn              = "sign_in"
	ActionSignOut             = "sign_out"
	ActionSecurityLevel       = "security_level"
	ActionCloudStatus         = "cloud_status"
	ActionSetCDP              = "set_cdp"
	ActionEstablish           = "establish"
	ActionResetAndEstablish   = "reset_and_establish"
	ActionJoinWithVoucher     = "join_with_voucher"
	ActionJoinWithBottle      = "join_with_bottle"
	ActionJoinWithRecoveryKey = "join_with_recovery_key"
	ActionLeave               = "leave"
	ActionTrustStatus         = "trust_status"
	ActionSetSetting          = "set_setting"
	ActionFetchSettings       = "fetch_settings"
	ActionFetchEscrow         = "fetch_escrow"
	ActionInvalidateEscrow    = "invalidate_escrow"
	ActionTLKRecoverability   = "tlk_recoverability"
	ActionLockKeychain        = "lock_keychain"
	ActionRemovePeer          = "remove_peer"
	ActionSetRecoveryKey      = "set_recovery_key"
	ActionSetEscrowSecret     = "set_escrow_secret"
	ActionFailNext            = "fail_next"
)

// requiredArgs lists every known action and the args it cannot do without.
var requiredArgs = map[string][]string{
	ActionStart:               nil,
	ActionRestart:             nil,
	ActionSignIn:              {"alt_dsid"},
	ActionSignOut:             nil,
	ActionSecurityLevel:       {"level"},
	ActionCloudStatus:         {"status"},
	ActionSetCDP:              nil,
	ActionEstablish:           nil,
	ActionResetAndEstablish:   nil,
	ActionJoinWithVoucher:     {"sponsor"},
	ActionJoinWithBottle:      {"secret"},
	ActionJoinWithRecoveryKey: {"key"},
	ActionLeave:               nil,
	ActionTrustStatus:         nil,
	ActionSetSetting:          {"name", "enabled"},
	ActionFetchSettings:       nil,
	ActionFetchEscrow:         nil,
	ActionInvalidateEscrow:    nil,
	ActionTLKRecoverability:   nil,
	ActionLockKeychain:        {"state"},
	ActionRemovePeer:          nil,
	ActionSetRecoveryKey:      {"key"},
	ActionSetEscrowSecret:     {"secret"},
	ActionFailNext:            {"op", "code"},
}

// Actions returns every supported flow step action, sorted.
func Actions() []string {
	out := make([]string, 0, len(requiredArgs))
	for a := range requiredArgs {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml and *.yml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", dir)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	names := make(map[string]string, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if prev, ok := names[s.Name]; ok {
			return nil, fmt.Errorf("%s: scenario name %q already used by %s", p, s.Name, prev)
		}
		names[s.Name] = p
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	devices := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if devices[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d.Name)
		}
		devices[d.Name] = true
		if d.SecurityLevel != "" {
			if _, err := account.ParseSecurityLevel(d.SecurityLevel); err != nil {
				return fmt.Errorf("devices[%d]: %w", i, err)
			}
		}
		if d.CloudStatus != "" {
			if _, err := account.ParseCloudStatus(d.CloudStatus); err != nil {
				return fmt.Errorf("devices[%d]: %w", i, err)
			}
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step, devices); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, devices); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step FlowStep, devices map[string]bool) error {
	if step.Device == "" {
		return fmt.Errorf("flow[%d]: device is required", index)
	}
	if !devices[step.Device] {
		return fmt.Errorf("flow[%d]: unknown device %q", index, step.Device)
	}
	if step.Action == "" {
		return fmt.Errorf("flow[%d]: action is required", index)
	}
	required, ok := requiredArgs[step.Action]
	if !ok {
		return fmt.Errorf("flow[%d]: unknown action %q", index, step.Action)
	}
	for _, arg := range required {
		if _, ok := step.Args[arg]; !ok {
			return fmt.Errorf("flow[%d]: %s requires arg %q", index, step.Action, arg)
		}
	}
	for _, arg := range []string{"sponsor", "from"} {
		if v, ok := step.Args[arg]; ok {
			name, _ := v.(string)
			if !devices[name] {
				return fmt.Errorf("flow[%d]: %s names unknown device %v", index, arg, v)
			}
		}
	}
	if step.Action == ActionJoinWithBottle || step.Action == ActionTLKRecoverability {
		_, from := step.Args["from"]
		_, record := step.Args["record"]
		if from == record {
			return fmt.Errorf("flow[%d]: %s needs exactly one of \"from\" or \"record\"", index, step.Action)
		}
	}
	if step.Expect != nil && step.Expect.State != "" {
		if _, ok := octagon.ParseState(step.Expect.State); !ok {
			return fmt.Errorf("flow[%d].expect: unknown state %q", index, step.Expect.State)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, devices map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Device != "" && !devices[a.Device] {
		return fmt.Errorf("assertions[%d]: unknown device %q", index, a.Device)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTransition:
		if a.Device == "" || a.To == "" {
			return fmt.Errorf("assertions[%d]: device and to are required for transition", index)
		}
		for _, s := range []string{a.From, a.To} {
			if s == "" {
				continue
			}
			if _, ok := octagon.ParseState(s); !ok {
				return fmt.Errorf("assertions[%d]: unknown state %q", index, s)
			}
		}
	case AssertFinalState:
		if a.Device == "" {
			return fmt.Errorf("assertions[%d]: device is required for final_state", index)
		}
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertDeviceState:
		if a.Device == "" {
			return fmt.Errorf("assertions[%d]: device is required for device_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for device_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
