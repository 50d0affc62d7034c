package keyservice

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"code.kerpass.org/prekeys/internal/metrics"
	"code.kerpass.org/prekeys/internal/observability"
	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/auth"
	"code.kerpass.org/prekeys/pkg/prekeys"
	"code.kerpass.org/prekeys/pkg/ratelimit"
)

const (
	PreKeysLimiterName = "prekeys"
	CountLimiterName   = "count"

	// KeysDigestSize is the size of a check-keys digest.
	KeysDigestSize = sha256.Size
)

// Limiters holds the Limiters used by the Service.
// nil Limiters accept every request.
type Limiters struct {
	// PreKeys rations authenticated bundle fetches per (caller, target).
	PreKeys ratelimit.Limiter

	// Count rations key count queries per caller.
	Count ratelimit.Limiter
}

// Service implements the prekey directory operations.
type Service struct {
	Keys      prekeys.KeyStore
	Directory accounts.Directory
	Updater   *accounts.Updater
	Limiters  Limiters

	// Metrics may be nil.
	Metrics *metrics.Metrics
}

// NewService returns a Service without rate limiting.
// It errors if any argument is nil.
func NewService(keys prekeys.KeyStore, dir accounts.Directory, updater *accounts.Updater) (*Service, error) {
	if nil == keys {
		return nil, newError("nil KeyStore")
	}
	if nil == dir {
		return nil, newError("nil Directory")
	}
	if nil == updater {
		return nil, newError("nil Updater")
	}
	return &Service{Keys: keys, Directory: dir, Updater: updater}, nil
}

// KeyCount holds the number of one time prekeys left.
type KeyCount struct {
	Count   int `json:"count"`
	PQCount int `json:"pqCount"`
}

// Count returns the number of one time prekeys left for the caller device.
func (self *Service) Count(ctx context.Context, caller *auth.AuthenticatedDevice, kind prekeys.IdentityKind) (KeyCount, error) {
	var rv KeyCount

	err := self.rateLimit(ctx, CountLimiterName, self.Limiters.Count, callerKey(caller))
	if nil != err {
		return rv, err
	}

	identity := caller.Account.IdentityUUID(kind)
	device := caller.Device.Id
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		count, err := self.Keys.CountEC(grpCtx, identity, device)
		rv.Count = count
		return err
	})
	grp.Go(func() error {
		count, err := self.Keys.CountKEM(grpCtx, identity, device)
		rv.PQCount = count
		return err
	})
	err = grp.Wait()
	if nil != err {
		return KeyCount{}, wrapError(err, "failed counting prekeys")
	}

	return rv, nil
}

// SetKeys stores the keys uploaded by the caller device for identity kind.
//
// Every key is validated before anything is modified. The signed prekey pointer of
// the device is updated first, the pools are written once the device is committed.
func (self *Service) SetKeys(ctx context.Context, caller *auth.AuthenticatedDevice, kind prekeys.IdentityKind, keys *prekeys.SetKeys) error {
	err := keys.Check()
	if nil != err {
		return wrapError(err, "invalid keys")
	}
	err = keys.VerifySignatures(caller.Account.IdentityKey(kind))
	if nil != err {
		return wrapError(err, "invalid keys signature")
	}
	if keys.IsEmpty() {
		return nil
	}

	identity := caller.Account.IdentityUUID(kind)
	device := caller.Device.Id
	mutate := func(dev *accounts.Device) error {
		if nil != keys.SignedPreKey {
			dev.SetSignedPreKey(kind, *keys.SignedPreKey)
		}
		return nil
	}
	postCommit := func(ctx context.Context) error {
		grp, grpCtx := errgroup.WithContext(ctx)
		if len(keys.PreKeys) > 0 {
			grp.Go(func() error {
				return self.Keys.StoreECOneTime(grpCtx, identity, device, keys.PreKeys)
			})
		}
		if len(keys.PQPreKeys) > 0 {
			grp.Go(func() error {
				return self.Keys.StoreKEMOneTime(grpCtx, identity, device, keys.PQPreKeys)
			})
		}
		if nil != keys.PQLastResortPreKey {
			grp.Go(func() error {
				return self.Keys.StoreLastResort(grpCtx, identity, device, *keys.PQLastResortPreKey)
			})
		}
		if nil != keys.SignedPreKey {
			grp.Go(func() error {
				return self.Keys.StoreECSigned(grpCtx, identity, device, *keys.SignedPreKey)
			})
		}
		return grp.Wait()
	}

	_, err = self.Updater.UpdateDeviceTransactional(ctx, caller.Account, device, mutate, postCommit)
	if nil != err {
		return wrapError(err, "failed setting keys")
	}

	self.Metrics.Uploaded(kind.String(), "ec", len(keys.PreKeys))
	self.Metrics.Uploaded(kind.String(), "kem", len(keys.PQPreKeys))
	observability.GetObservability(ctx).Log().Debug(
		"stored prekeys",
		zap.Stringer("identity", identity),
		zap.Uint8("device", uint8(device)),
		zap.Int("ec", len(keys.PreKeys)),
		zap.Int("kem", len(keys.PQPreKeys)),
		zap.Bool("signed", nil != keys.SignedPreKey),
		zap.Bool("lastResort", nil != keys.PQLastResortPreKey),
	)

	return nil
}

// SetSignedKey rotates the caller device EC signed prekey for identity kind.
func (self *Service) SetSignedKey(ctx context.Context, caller *auth.AuthenticatedDevice, kind prekeys.IdentityKind, key prekeys.ECSignedPreKey) error {
	return self.SetKeys(ctx, caller, kind, &prekeys.SetKeys{SignedPreKey: &key})
}

// CheckKeys compares digest with the digest of the caller device repeated use keys.
// It errors with ErrKeysMismatch if the digests differ or if a key is missing.
func (self *Service) CheckKeys(ctx context.Context, caller *auth.AuthenticatedDevice, kind prekeys.IdentityKind, digest []byte) error {
	if KeysDigestSize != len(digest) {
		return flagError(ErrBadRequest, "invalid digest size %d", len(digest))
	}
	identityKey := caller.Account.IdentityKey(kind)
	if nil == identityKey {
		return flagError(ErrKeysMismatch, "missing identity key")
	}

	identity := caller.Account.IdentityUUID(kind)
	device := caller.Device.Id
	var signed *prekeys.ECSignedPreKey
	var lastResort *prekeys.KEMSignedPreKey
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		var err error
		signed, err = self.Keys.GetECSigned(grpCtx, identity, device)
		return err
	})
	grp.Go(func() error {
		var err error
		lastResort, err = self.Keys.GetLastResort(grpCtx, identity, device)
		return err
	})
	if err := grp.Wait(); nil != err {
		return wrapError(err, "failed loading repeated use keys")
	}
	if nil == signed || nil == lastResort {
		return flagError(ErrKeysMismatch, "missing repeated use key")
	}

	expected := KeysDigest(identityKey, signed, lastResort)
	if 1 != subtle.ConstantTimeCompare(expected, digest) {
		return flagError(ErrKeysMismatch, "keys digest mismatch")
	}

	return nil
}

// KeysDigest returns the SHA-256 digest of a device repeated use keys.
func KeysDigest(identityKey []byte, signed *prekeys.ECSignedPreKey, lastResort *prekeys.KEMSignedPreKey) []byte {
	var id [8]byte
	h := sha256.New()
	h.Write(identityKey)
	binary.BigEndian.PutUint64(id[:], signed.KeyId)
	h.Write(id[:])
	h.Write(signed.PublicKey)
	binary.BigEndian.PutUint64(id[:], lastResort.KeyId)
	h.Write(id[:])
	h.Write(lastResort.PublicKey)
	return h.Sum(nil)
}

func (self *Service) rateLimit(ctx context.Context, name string, limiter ratelimit.Limiter, key string) error {
	if nil == limiter {
		return nil
	}
	err := limiter.Validate(ctx, key)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		self.Metrics.RateLimited(name)
	}
	return wrapError(err, "%s limiter rejected request", name)
}

func callerKey(caller *auth.AuthenticatedDevice) string {
	var buf bytes.Buffer
	buf.WriteString(caller.Account.ACI.String())
	buf.WriteByte('.')
	buf.WriteString(caller.Device.Id.String())
	return buf.String()
}
