package harness

import (
	"context"
	"sync"

	"github.com/roach88/trustsync/internal/account"
	"github.com/roach88/trustsync/internal/trusterr"
)

// simAccounts is a device's primary account as the scenario sets it.
type simAccounts struct {
	mu      sync.Mutex
	altDSID string
	levels  map[string]account.SecurityLevel
}

func newSimAccounts(altDSID string, level account.SecurityLevel) *simAccounts {
	a := &simAccounts{levels: make(map[string]account.SecurityLevel)}
	a.signIn(altDSID, level)
	return a
}

func (a *simAccounts) signIn(altDSID string, level account.SecurityLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.altDSID = altDSID
	if altDSID != "" {
		a.levels[altDSID] = level
	}
}

func (a *simAccounts) signOut() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.altDSID = ""
}

// setLevel changes the signed-in account's level and returns the account.
func (a *simAccounts) setLevel(level account.SecurityLevel) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.altDSID != "" {
		a.levels[a.altDSID] = level
	}
	return a.altDSID
}

func (a *simAccounts) PrimaryAltDSID(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.altDSID == "" {
		return "", trusterr.New(trusterr.CodeNoPrimaryAccount, "no primary account")
	}
	return a.altDSID, nil
}

func (a *simAccounts) SecurityLevel(ctx context.Context, altDSID string) (account.SecurityLevel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.levels[altDSID], nil
}

// simCloud answers out-of-band cloud status queries. Unknown answers
// with a transient error, as an unreachable account daemon would.
type simCloud struct {
	mu     sync.Mutex
	status account.CloudStatus
}

func (c *simCloud) set(status account.CloudStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *simCloud) FetchCloudStatus(ctx context.Context) (account.CloudStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == account.CloudUnknown {
		return account.CloudUnknown, trusterr.New(trusterr.CodeXPCSession, "account daemon unreachable")
	}
	return c.status, nil
}
