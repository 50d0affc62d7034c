// Package boltdb provides a prekeys.KeyStore that keeps prekeys in a single file.
package boltdb

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"code.kerpass.org/prekeys/internal/transport"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

const (
	connectTimeout = 5 * time.Second
)

var (
	ecOneTimeBucket  = []byte("ecOneTime")
	kemOneTimeBucket = []byte("kemOneTime")
	lastResortBucket = []byte("lastResort")
	ecSignedBucket   = []byte("ecSigned")
)

// values are validated when marshalled and unmarshalled
var srz = transport.WrapInCheckedSerializer(transport.CBORSerializer{})

// KeyStore is a prekeys.KeyStore backed by a bbolt database file.
//
// The one time pools of a (identity, device) are nested buckets keyed by
// big endian KeyId, so a cursor First() yields the lowest KeyId.
// bbolt serializes write transactions, which makes take operations atomic.
type KeyStore struct {
	db *bolt.DB
}

// New opens or creates the database at dbpath.
// It errors if the database schema can not be created.
func New(dbpath string) (*KeyStore, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{ecOneTimeBucket, kemOneTimeBucket, lastResortBucket, ecSignedBucket} {
			_, err := tx.CreateBucketIfNotExists(name)
			if nil != err {
				return wrapError(err, "failed %s bucket creation", name)
			}
		}
		return nil
	})
	if nil != err {
		db.Close()
		return nil, wrapError(err, "failed db initialization")
	}

	return &KeyStore{db: db}, nil
}

// Close releases the database file.
func (self *KeyStore) Close() error {
	return wrapError(self.db.Close(), "failed closing database")
}

// TakeEC removes and returns the EC one time prekey with the lowest KeyId.
func (self *KeyStore) TakeEC(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID) (*prekeys.ECPreKey, error) {
	if err := ctx.Err(); nil != err {
		return nil, wrapError(err, "context done")
	}

	var rv *prekeys.ECPreKey
	err := self.db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}
		var pk prekeys.ECPreKey
		found, err := popFirst(sch.ecOneTime, poolId(identity, device), &pk)
		if found {
			rv = &pk
		}
		return err
	})

	return rv, wrapError(err, "failed db.Update") // nil if err is nil
}

// TakeKEM removes and returns the KEM one time prekey with the lowest KeyId,
// falling back to the last resort prekey.
func (self *KeyStore) TakeKEM(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID) (*prekeys.KEMSignedPreKey, error) {
	if err := ctx.Err(); nil != err {
		return nil, wrapError(err, "context done")
	}

	var rv *prekeys.KEMSignedPreKey
	err := self.db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}
		pid := poolId(identity, device)
		var pk prekeys.KEMSignedPreKey
		found, err := popFirst(sch.kemOneTime, pid, &pk)
		if nil != err {
			return err
		}
		if !found {
			found, err = loadValue(sch.lastResort, pid, &pk)
			if nil != err {
				return err
			}
		}
		if found {
			rv = &pk
		}
		return nil
	})

	return rv, wrapError(err, "failed db.Update") // nil if err is nil
}

// CountEC returns the number of EC one time prekeys.
func (self *KeyStore) CountEC(_ context.Context, identity uuid.UUID, device prekeys.DeviceID) (int, error) {
	return self.count(ecOneTimeBucket, identity, device)
}

// CountKEM returns the number of KEM one time prekeys.
func (self *KeyStore) CountKEM(_ context.Context, identity uuid.UUID, device prekeys.DeviceID) (int, error) {
	return self.count(kemOneTimeBucket, identity, device)
}

func (self *KeyStore) count(name []byte, identity uuid.UUID, device prekeys.DeviceID) (int, error) {
	var count int
	err := self.db.View(func(tx *bolt.Tx) error {
		top := tx.Bucket(name)
		if nil == top {
			return newError("missing %s bucket", name)
		}
		pool := top.Bucket(poolId(identity, device))
		if nil == pool {
			return nil
		}
		c := pool.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count += 1
		}
		return nil
	})

	return count, wrapError(err, "failed db.View")
}

// StoreECOneTime upserts keys in the EC one time pool.
func (self *KeyStore) StoreECOneTime(_ context.Context, identity uuid.UUID, device prekeys.DeviceID, keys []prekeys.ECPreKey) error {
	values := make([][]byte, len(keys))
	for pos, key := range keys {
		srzkey, err := srz.Marshal(key)
		if nil != err {
			return wrapError(err, "can not store invalid key #%d", pos)
		}
		values[pos] = srzkey
	}
	if 0 == len(keys) {
		return nil
	}

	err := self.db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}
		pool, err := sch.ecOneTime.CreateBucketIfNotExists(poolId(identity, device))
		if nil != err {
			return wrapError(err, "failed pool bucket creation")
		}
		for pos, key := range keys {
			if err = pool.Put(byteId(key.KeyId), values[pos]); nil != err {
				return wrapError(err, "failed storing key #%d", pos)
			}
		}
		return nil
	})

	return wrapError(err, "failed db.Update")
}

// StoreKEMOneTime upserts keys in the KEM one time pool.
func (self *KeyStore) StoreKEMOneTime(_ context.Context, identity uuid.UUID, device prekeys.DeviceID, keys []prekeys.KEMSignedPreKey) error {
	values := make([][]byte, len(keys))
	for pos, key := range keys {
		srzkey, err := srz.Marshal(key)
		if nil != err {
			return wrapError(err, "can not store invalid key #%d", pos)
		}
		values[pos] = srzkey
	}
	if 0 == len(keys) {
		return nil
	}

	err := self.db.Update(func(tx *bolt.Tx) error {
		sch, err := loadSchema(tx)
		if nil != err {
			return wrapError(err, "failed loadSchema")
		}
		pool, err := sch.kemOneTime.CreateBucketIfNotExists(poolId(identity, device))
		if nil != err {
			return wrapError(err, "failed pool bucket creation")
		}
		for pos, key := range keys {
			if err = pool.Put(byteId(key.KeyId), values[pos]); nil != err {
				return wrapError(err, "failed storing key #%d", pos)
			}
		}
		return nil
	})

	return wrapError(err, "failed db.Update")
}

// StoreLastResort replaces the KEM last resort prekey.
func (self *KeyStore) StoreLastResort(_ context.Context, identity uuid.UUID, device prekeys.DeviceID, key prekeys.KEMSignedPreKey) error {
	return self.put(lastResortBucket, identity, device, key)
}

// GetLastResort returns the KEM last resort prekey or nil.
func (self *KeyStore) GetLastResort(_ context.Context, identity uuid.UUID, device prekeys.DeviceID) (*prekeys.KEMSignedPreKey, error) {
	var rv prekeys.KEMSignedPreKey
	found, err := self.get(lastResortBucket, identity, device, &rv)
	if nil != err || !found {
		return nil, err
	}
	return &rv, nil
}

// GetECSigned returns the current EC signed prekey or nil.
func (self *KeyStore) GetECSigned(_ context.Context, identity uuid.UUID, device prekeys.DeviceID) (*prekeys.ECSignedPreKey, error) {
	var rv prekeys.ECSignedPreKey
	found, err := self.get(ecSignedBucket, identity, device, &rv)
	if nil != err || !found {
		return nil, err
	}
	return &rv, nil
}

// StoreECSigned replaces the current EC signed prekey.
func (self *KeyStore) StoreECSigned(_ context.Context, identity uuid.UUID, device prekeys.DeviceID, key prekeys.ECSignedPreKey) error {
	return self.put(ecSignedBucket, identity, device, key)
}

func (self *KeyStore) put(name []byte, identity uuid.UUID, device prekeys.DeviceID, key any) error {
	srzkey, err := srz.Marshal(key)
	if nil != err {
		return wrapError(err, "can not store invalid key")
	}

	err = self.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(name)
		if nil == bkt {
			return newError("missing %s bucket", name)
		}
		return bkt.Put(poolId(identity, device), srzkey)
	})

	return wrapError(err, "failed db.Update")
}

func (self *KeyStore) get(name []byte, identity uuid.UUID, device prekeys.DeviceID, dst any) (bool, error) {
	var found bool
	err := self.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(name)
		if nil == bkt {
			return newError("missing %s bucket", name)
		}
		var err error
		found, err = loadValue(bkt, poolId(identity, device), dst)
		return err
	})

	return found, wrapError(err, "failed db.View")
}

var _ prekeys.KeyStore = &KeyStore{}

// schema holds KeyStore buckets reference
type schema struct {
	ecOneTime  *bolt.Bucket
	kemOneTime *bolt.Bucket
	lastResort *bolt.Bucket
	ecSigned   *bolt.Bucket
}

func loadSchema(tx *bolt.Tx) (schema, error) {
	rv := schema{
		ecOneTime:  tx.Bucket(ecOneTimeBucket),
		kemOneTime: tx.Bucket(kemOneTimeBucket),
		lastResort: tx.Bucket(lastResortBucket),
		ecSigned:   tx.Bucket(ecSignedBucket),
	}
	var err error
	if nil == rv.ecOneTime || nil == rv.kemOneTime || nil == rv.lastResort || nil == rv.ecSigned {
		err = newError("1 or more bucket is missing")
	}

	return rv, err
}

// popFirst unmarshals in dst and deletes the first entry of the pid nested bucket of top.
// It returns false if the nested bucket is missing or empty.
func popFirst(top *bolt.Bucket, pid []byte, dst any) (bool, error) {
	pool := top.Bucket(pid)
	if nil == pool {
		return false, nil
	}
	c := pool.Cursor()
	k, v := c.First()
	if nil == k {
		return false, nil
	}
	if err := srz.Unmarshal(v, dst); nil != err {
		return false, wrapError(err, "failed unmarshalling prekey")
	}
	if err := c.Delete(); nil != err {
		return false, wrapError(err, "failed deleting prekey")
	}

	return true, nil
}

func loadValue(bkt *bolt.Bucket, key []byte, dst any) (bool, error) {
	v := bkt.Get(key)
	if nil == v {
		return false, nil
	}
	if err := srz.Unmarshal(v, dst); nil != err {
		return false, wrapError(err, "failed unmarshalling prekey")
	}
	return true, nil
}

// poolId returns the 17 bytes identity|device key of a pool.
func poolId(identity uuid.UUID, device prekeys.DeviceID) []byte {
	rv := make([]byte, 0, 17)
	rv = append(rv, identity[:]...)
	return append(rv, byte(device))
}

// byteId returns the big endian encoding of keyId.
func byteId(keyId uint64) []byte {
	rv := make([]byte, 8)
	binary.BigEndian.PutUint64(rv, keyId)
	return rv
}
