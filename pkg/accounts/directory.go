package accounts

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"code.kerpass.org/prekeys/pkg/prekeys"
)

// Directory gives access to accounts and their devices.
type Directory interface {
	// FindByServiceID loads the Account addressed by sid.
	// It errors with ErrNotFound if no Account matches.
	FindByServiceID(ctx context.Context, sid prekeys.ServiceIdentifier) (*Account, error)

	// Create saves a new Account.
	// It errors with ErrConflict if the ACI or the PNI is already in use.
	Create(ctx context.Context, acct *Account) error

	// Update replaces the stored Account if its version is acct.Version,
	// and increments acct.Version on success.
	// It errors with ErrConflict if the stored Account has changed.
	Update(ctx context.Context, acct *Account) error
}

// MemDirectory provides "in memory" implementation of Directory.
type MemDirectory struct {
	mut      sync.RWMutex
	accounts map[uuid.UUID]*Account
	pnis     map[uuid.UUID]uuid.UUID
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{
		accounts: make(map[uuid.UUID]*Account),
		pnis:     make(map[uuid.UUID]uuid.UUID),
	}
}

// FindByServiceID loads the Account addressed by sid.
func (self *MemDirectory) FindByServiceID(_ context.Context, sid prekeys.ServiceIdentifier) (*Account, error) {
	self.mut.RLock()
	defer self.mut.RUnlock()

	aci := sid.UUID
	if prekeys.PNI == sid.Kind {
		var found bool
		aci, found = self.pnis[sid.UUID]
		if !found {
			return nil, wrapError(ErrNotFound, "unknown PNI")
		}
	}
	acct, found := self.accounts[aci]
	if !found {
		return nil, wrapError(ErrNotFound, "unknown ACI")
	}

	return acct.Clone(), nil
}

// Create saves a new Account.
func (self *MemDirectory) Create(_ context.Context, acct *Account) error {
	if err := acct.Check(); nil != err {
		return wrapError(err, "can not create invalid account")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	if _, found := self.accounts[acct.ACI]; found {
		return wrapError(ErrConflict, "ACI already in use")
	}
	if _, found := self.pnis[acct.PNI]; found {
		return wrapError(ErrConflict, "PNI already in use")
	}
	self.accounts[acct.ACI] = acct.Clone()
	self.pnis[acct.PNI] = acct.ACI

	return nil
}

// Update replaces the stored Account if its version is acct.Version.
func (self *MemDirectory) Update(_ context.Context, acct *Account) error {
	if err := acct.Check(); nil != err {
		return wrapError(err, "can not save invalid account")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	cur, found := self.accounts[acct.ACI]
	if !found {
		return wrapError(ErrNotFound, "unknown ACI")
	}
	if cur.Version != acct.Version {
		return wrapError(ErrConflict, "stale account version %d, current is %d", acct.Version, cur.Version)
	}
	if cur.PNI != acct.PNI {
		if _, used := self.pnis[acct.PNI]; used {
			return wrapError(ErrConflict, "PNI already in use")
		}
		delete(self.pnis, cur.PNI)
		self.pnis[acct.PNI] = acct.ACI
	}
	acct.Version += 1
	self.accounts[acct.ACI] = acct.Clone()

	return nil
}

var _ Directory = &MemDirectory{}
