// Package harness runs scripted multi-device scenarios against the trust
// engine and checks the resulting trace.
//
// A scenario declares a handful of simulated devices signed in to one
// account. The devices share an in-memory replication backend; each one
// has its own trust context, database and keychain. Flow steps drive real
// context operations: account signals, trust establishment, escrow reads,
// setting changes, keychain locks and restarts.
//
// # Scenario Format
//
//	name: walrus_two_devices
//	description: "A setting written on one device reaches the other"
//	devices:
//	  - name: phone
//	    alt_dsid: alt-1
//	  - name: laptop
//	    alt_dsid: alt-1
//	flow:
//	  - device: phone
//	    action: start
//	    expect:
//	      state: WaitingForCloudKitAccount
//	  - device: phone
//	    action: set_setting
//	    args: { name: walrus, enabled: true }
//	    expect:
//	      result: { enabled: true, clock: 1 }
//	assertions:
//	  - type: transition
//	    device: phone
//	    to: Ready
//	  - type: final_state
//	    device: phone
//	    table: account_metadata
//	    where: { context_id: phone }
//	    expect: { trust_state: 1 }
//
// A step without an expect clause must succeed. Actions() lists every
// supported action.
//
// # Assertion Types
//
//   - trace_contains: a step with matching action, args and outcome exists
//   - trace_order: actions first appear in the given order
//   - trace_count: an action appears exactly N times
//   - transition: a device changed to a state
//   - final_state: one row of a device's database has the given columns
//   - device_state: a device's final trust status has the given fields
//
// # Determinism
//
// After every step the harness waits until each device has drained its
// operation queue and the backend has stopped reporting changes. Only then
// does it record the devices whose state moved, so a trace shows settled
// states rather than the interleaving of background work. Peer IDs come
// from a sequence shared by all devices. Traces are compared byte for byte
// against golden files with goldie.
package harness
