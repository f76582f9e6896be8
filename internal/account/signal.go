// Package account memoizes the three independent account signals a trust
// context waits on: local account presence, cloud account availability and
// the CDP-enabled flag.
//
// Local account presence and CDP are update-only: the tracker never polls
// for them. Cloud availability arrives by push, but when it is still Unknown
// an RPC can ask the tracker to query it out-of-band (RecheckAndWait).
package account

import "fmt"

// CloudStatus is the cloud account availability as last reported.
type CloudStatus int

const (
	CloudUnknown CloudStatus = iota
	CloudAvailable
	CloudNoAccount
)

// String returns the status name.
func (s CloudStatus) String() string {
	switch s {
	case CloudAvailable:
		return "available"
	case CloudNoAccount:
		return "no_account"
	default:
		return "unknown"
	}
}

// ParseCloudStatus parses a status name as produced by String.
func ParseCloudStatus(s string) (CloudStatus, error) {
	switch s {
	case "unknown":
		return CloudUnknown, nil
	case "available":
		return CloudAvailable, nil
	case "no_account":
		return CloudNoAccount, nil
	}
	return CloudUnknown, fmt.Errorf("unknown cloud status %q", s)
}

// SecurityLevel is the local account's security tier.
// Only HSA2 accounts can enable CDP.
type SecurityLevel int

const (
	SecurityUnknown SecurityLevel = iota
	SecuritySA
	SecurityHSA2
)

// String returns the level name.
func (l SecurityLevel) String() string {
	switch l {
	case SecuritySA:
		return "sa"
	case SecurityHSA2:
		return "hsa2"
	default:
		return "unknown"
	}
}

// ParseSecurityLevel parses a level name as produced by String.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch s {
	case "unknown":
		return SecurityUnknown, nil
	case "sa":
		return SecuritySA, nil
	case "hsa2":
		return SecurityHSA2, nil
	}
	return SecurityUnknown, fmt.Errorf("unknown security level %q", s)
}

// Signal is the memoized combination of every account input.
type Signal struct {
	LocalAccountPresent bool
	AltDSID             string
	SecurityLevel       SecurityLevel
	CloudStatus         CloudStatus
	CDPEnabled          bool
}

// HSA2 reports whether the local account can use CDP.
func (s Signal) HSA2() bool {
	return s.SecurityLevel == SecurityHSA2
}

// Ready reports whether every signal needed for trust establishment is in place.
func (s Signal) Ready() bool {
	return s.LocalAccountPresent && s.HSA2() && s.CloudStatus == CloudAvailable && s.CDPEnabled
}
