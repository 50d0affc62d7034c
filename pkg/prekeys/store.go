package prekeys

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// KeyStore holds the prekeys of every (identity, device).
// identity is the ACI or PNI uuid the keys were uploaded for.
//
// Take operations must be atomic, a one time prekey is never returned twice.
type KeyStore interface {
	// TakeEC removes and returns one EC one time prekey.
	// It returns nil if the pool is empty.
	TakeEC(ctx context.Context, identity uuid.UUID, device DeviceID) (*ECPreKey, error)

	// TakeKEM removes and returns one KEM one time prekey.
	// If the pool is empty it returns the last resort prekey without removing it,
	// or nil if there is none.
	TakeKEM(ctx context.Context, identity uuid.UUID, device DeviceID) (*KEMSignedPreKey, error)

	// CountEC returns the number of EC one time prekeys.
	CountEC(ctx context.Context, identity uuid.UUID, device DeviceID) (int, error)

	// CountKEM returns the number of KEM one time prekeys, the last resort prekey is not counted.
	CountKEM(ctx context.Context, identity uuid.UUID, device DeviceID) (int, error)

	// StoreECOneTime upserts keys in the EC one time pool, using KeyId as key.
	// It errors if any key is malformed, in which case nothing is stored.
	StoreECOneTime(ctx context.Context, identity uuid.UUID, device DeviceID, keys []ECPreKey) error

	// StoreKEMOneTime upserts keys in the KEM one time pool, using KeyId as key.
	// It errors if any key is malformed, in which case nothing is stored.
	StoreKEMOneTime(ctx context.Context, identity uuid.UUID, device DeviceID, keys []KEMSignedPreKey) error

	// StoreLastResort replaces the KEM last resort prekey.
	StoreLastResort(ctx context.Context, identity uuid.UUID, device DeviceID, key KEMSignedPreKey) error

	// GetLastResort returns the KEM last resort prekey or nil.
	GetLastResort(ctx context.Context, identity uuid.UUID, device DeviceID) (*KEMSignedPreKey, error)

	// GetECSigned returns the current EC signed prekey or nil.
	GetECSigned(ctx context.Context, identity uuid.UUID, device DeviceID) (*ECSignedPreKey, error)

	// StoreECSigned replaces the current EC signed prekey.
	StoreECSigned(ctx context.Context, identity uuid.UUID, device DeviceID, key ECSignedPreKey) error
}

type poolKey struct {
	identity uuid.UUID
	device   DeviceID
}

// MemKeyStore provides "in memory" implementation of KeyStore.
type MemKeyStore struct {
	mut        sync.Mutex
	ecOneTime  map[poolKey]map[uint64]ECPreKey
	kemOneTime map[poolKey]map[uint64]KEMSignedPreKey
	lastResort map[poolKey]KEMSignedPreKey
	ecSigned   map[poolKey]ECSignedPreKey
}

func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{
		ecOneTime:  make(map[poolKey]map[uint64]ECPreKey),
		kemOneTime: make(map[poolKey]map[uint64]KEMSignedPreKey),
		lastResort: make(map[poolKey]KEMSignedPreKey),
		ecSigned:   make(map[poolKey]ECSignedPreKey),
	}
}

// TakeEC removes and returns the EC one time prekey with the lowest KeyId.
func (self *MemKeyStore) TakeEC(_ context.Context, identity uuid.UUID, device DeviceID) (*ECPreKey, error) {
	pk := poolKey{identity: identity, device: device}

	self.mut.Lock()
	defer self.mut.Unlock()

	pool := self.ecOneTime[pk]
	keyId, found := lowestKeyId(pool)
	if !found {
		return nil, nil
	}
	rv := pool[keyId]
	delete(pool, keyId)

	return &rv, nil
}

// TakeKEM removes and returns the KEM one time prekey with the lowest KeyId,
// falling back to the last resort prekey.
func (self *MemKeyStore) TakeKEM(_ context.Context, identity uuid.UUID, device DeviceID) (*KEMSignedPreKey, error) {
	pk := poolKey{identity: identity, device: device}

	self.mut.Lock()
	defer self.mut.Unlock()

	pool := self.kemOneTime[pk]
	keyId, found := lowestKeyId(pool)
	if found {
		rv := pool[keyId]
		delete(pool, keyId)
		return &rv, nil
	}

	lr, found := self.lastResort[pk]
	if !found {
		return nil, nil
	}
	rv := lr.Clone()

	return &rv, nil
}

// CountEC returns the number of EC one time prekeys.
func (self *MemKeyStore) CountEC(_ context.Context, identity uuid.UUID, device DeviceID) (int, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	return len(self.ecOneTime[poolKey{identity: identity, device: device}]), nil
}

// CountKEM returns the number of KEM one time prekeys.
func (self *MemKeyStore) CountKEM(_ context.Context, identity uuid.UUID, device DeviceID) (int, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	return len(self.kemOneTime[poolKey{identity: identity, device: device}]), nil
}

// StoreECOneTime upserts keys in the EC one time pool.
func (self *MemKeyStore) StoreECOneTime(_ context.Context, identity uuid.UUID, device DeviceID, keys []ECPreKey) error {
	for pos, key := range keys {
		if err := key.Check(); nil != err {
			return wrapError(err, "can not store invalid key #%d", pos)
		}
	}
	pk := poolKey{identity: identity, device: device}

	self.mut.Lock()
	defer self.mut.Unlock()

	pool, found := self.ecOneTime[pk]
	if !found {
		pool = make(map[uint64]ECPreKey, len(keys))
		self.ecOneTime[pk] = pool
	}
	for _, key := range keys {
		pool[key.KeyId] = key.Clone()
	}

	return nil
}

// StoreKEMOneTime upserts keys in the KEM one time pool.
func (self *MemKeyStore) StoreKEMOneTime(_ context.Context, identity uuid.UUID, device DeviceID, keys []KEMSignedPreKey) error {
	for pos, key := range keys {
		if err := key.Check(); nil != err {
			return wrapError(err, "can not store invalid key #%d", pos)
		}
	}
	pk := poolKey{identity: identity, device: device}

	self.mut.Lock()
	defer self.mut.Unlock()

	pool, found := self.kemOneTime[pk]
	if !found {
		pool = make(map[uint64]KEMSignedPreKey, len(keys))
		self.kemOneTime[pk] = pool
	}
	for _, key := range keys {
		pool[key.KeyId] = key.Clone()
	}

	return nil
}

// StoreLastResort replaces the KEM last resort prekey.
func (self *MemKeyStore) StoreLastResort(_ context.Context, identity uuid.UUID, device DeviceID, key KEMSignedPreKey) error {
	if err := key.Check(); nil != err {
		return wrapError(err, "can not store invalid last resort key")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	self.lastResort[poolKey{identity: identity, device: device}] = key.Clone()

	return nil
}

// GetLastResort returns the KEM last resort prekey or nil.
func (self *MemKeyStore) GetLastResort(_ context.Context, identity uuid.UUID, device DeviceID) (*KEMSignedPreKey, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	lr, found := self.lastResort[poolKey{identity: identity, device: device}]
	if !found {
		return nil, nil
	}
	rv := lr.Clone()

	return &rv, nil
}

// GetECSigned returns the current EC signed prekey or nil.
func (self *MemKeyStore) GetECSigned(_ context.Context, identity uuid.UUID, device DeviceID) (*ECSignedPreKey, error) {
	self.mut.Lock()
	defer self.mut.Unlock()

	sk, found := self.ecSigned[poolKey{identity: identity, device: device}]
	if !found {
		return nil, nil
	}
	rv := sk.Clone()

	return &rv, nil
}

// StoreECSigned replaces the current EC signed prekey.
func (self *MemKeyStore) StoreECSigned(_ context.Context, identity uuid.UUID, device DeviceID, key ECSignedPreKey) error {
	if err := key.Check(); nil != err {
		return wrapError(err, "can not store invalid signed key")
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	self.ecSigned[poolKey{identity: identity, device: device}] = key.Clone()

	return nil
}

var _ KeyStore = &MemKeyStore{}

func lowestKeyId[V any](pool map[uint64]V) (uint64, bool) {
	var rv uint64
	found := false
	for keyId := range pool {
		if !found || keyId < rv {
			rv = keyId
			found = true
		}
	}
	return rv, found
}
