package keyservice

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"code.kerpass.org/prekeys/internal/observability"
	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/auth"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

// DeviceSelector selects one device by id, or every enabled device when All is set.
type DeviceSelector struct {
	All bool
	Id  prekeys.DeviceID
}

// ParseDeviceSelector parses "*" or a decimal device id.
func ParseDeviceSelector(s string) (DeviceSelector, error) {
	if "*" == s {
		return DeviceSelector{All: true}, nil
	}
	id, err := prekeys.ParseDeviceID(s)
	if nil != err {
		return DeviceSelector{}, wrapError(err, "invalid device selector")
	}
	return DeviceSelector{Id: id}, nil
}

func (self DeviceSelector) String() string {
	if self.All {
		return "*"
	}
	return self.Id.String()
}

// FetchRequest asks for the prekey bundle of Target devices.
type FetchRequest struct {
	Target   prekeys.ServiceIdentifier
	Selector DeviceSelector

	// PQ requests KEM prekeys.
	PQ bool

	// Caller is nil for anonymous requests.
	Caller *auth.AuthenticatedDevice

	// AccessKey is the base64 unidentified access key of anonymous requests.
	AccessKey string
}

// DeviceKeys holds the prekeys of one device. Missing keys are nil.
type DeviceKeys struct {
	DeviceId       prekeys.DeviceID         `json:"deviceId"`
	RegistrationId int                      `json:"registrationId"`
	PreKey         *prekeys.ECPreKey        `json:"preKey,omitempty"`
	PQPreKey       *prekeys.KEMSignedPreKey `json:"pqPreKey,omitempty"`
	SignedPreKey   *prekeys.ECSignedPreKey  `json:"signedPreKey,omitempty"`
}

// PreKeyResponse is the prekey bundle of a target identity.
// Devices are ordered by DeviceId.
type PreKeyResponse struct {
	IdentityKey []byte       `json:"identityKey"`
	Devices     []DeviceKeys `json:"devices"`
}

func (self *PreKeyResponse) DevicesCount() int {
	return len(self.Devices)
}

// FetchBundle dispenses the prekey bundle of the requested devices.
//
// One time prekeys are consumed. A device whose keys are all exhausted is kept
// in the bundle with no key.
func (self *Service) FetchBundle(ctx context.Context, req FetchRequest) (*PreKeyResponse, error) {
	log := observability.GetObservability(ctx).Log()

	if nil != req.Caller {
		limiterKey := callerKey(req.Caller) + "__" + req.Target.UUID.String() + "." + req.Selector.String()
		err := self.rateLimit(ctx, PreKeysLimiterName, self.Limiters.PreKeys, limiterKey)
		if nil != err {
			return nil, err
		}
	}

	acct, err := self.resolveTarget(ctx, req)
	if nil != err {
		return nil, err
	}

	kind := req.Target.Kind
	identityKey := acct.IdentityKey(kind)
	if nil == identityKey {
		return nil, flagError(ErrNotFound, "target has no %s identity key", kind)
	}

	devices := selectDevices(acct, req.Selector)
	if 0 == len(devices) {
		return nil, flagError(ErrNotFound, "no device matches %s", req.Selector)
	}

	identity := acct.IdentityUUID(kind)
	rv := PreKeyResponse{
		IdentityKey: identityKey,
		Devices:     make([]DeviceKeys, len(devices)),
	}
	grp, grpCtx := errgroup.WithContext(ctx)
	for pos, dev := range devices {
		dk := &rv.Devices[pos]
		dk.DeviceId = dev.Id
		dk.RegistrationId = dev.RegistrationIdFor(kind)
		grp.Go(func() error {
			return self.takeDeviceKeys(grpCtx, identity, kind, req.PQ, dk)
		})
	}
	err = grp.Wait()
	if nil != err {
		return nil, wrapError(err, "failed taking prekeys")
	}

	self.Metrics.BundleRequest(kind.String(), req.PQ, len(rv.Devices))
	log.Debug(
		"dispensed prekey bundle",
		zap.Stringer("target", req.Target),
		zap.Stringer("selector", req.Selector),
		zap.Int("devices", len(rv.Devices)),
		zap.Bool("pq", req.PQ),
	)

	return &rv, nil
}

// resolveTarget loads the target Account and verifies the anonymous access key.
func (self *Service) resolveTarget(ctx context.Context, req FetchRequest) (*accounts.Account, error) {
	acct, err := self.Directory.FindByServiceID(ctx, req.Target)
	missing := errors.Is(err, accounts.ErrNotFound)
	if nil != err && !missing {
		return nil, wrapError(err, "failed loading target account")
	}
	if missing || !acct.Enabled {
		if nil == req.Caller {
			return nil, flagError(auth.ErrUnauthenticated, "unknown target for anonymous request")
		}
		return nil, flagError(ErrNotFound, "unknown target %s", req.Target)
	}
	if nil == req.Caller {
		err = auth.CheckUnidentifiedAccess(acct, req.AccessKey)
		if nil != err {
			return nil, wrapError(err, "anonymous access denied")
		}
	}

	return acct, nil
}

func selectDevices(acct *accounts.Account, sel DeviceSelector) []*accounts.Device {
	if !sel.All {
		dev := acct.Device(sel.Id)
		if nil == dev {
			return nil
		}
		return []*accounts.Device{dev}
	}

	rv := make([]*accounts.Device, 0, len(acct.Devices))
	for pos := range acct.Devices {
		if acct.Devices[pos].Enabled {
			rv = append(rv, &acct.Devices[pos])
		}
	}
	return rv
}

func (self *Service) takeDeviceKeys(ctx context.Context, identity uuid.UUID, kind prekeys.IdentityKind, pq bool, dk *DeviceKeys) error {
	grp, grpCtx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		key, err := self.Keys.TakeEC(grpCtx, identity, dk.DeviceId)
		if nil == err && nil == key {
			self.Metrics.Exhausted(kind.String(), "ec")
		}
		dk.PreKey = key
		return err
	})
	if pq {
		grp.Go(func() error {
			key, err := self.Keys.TakeKEM(grpCtx, identity, dk.DeviceId)
			if nil == err && nil == key {
				self.Metrics.Exhausted(kind.String(), "kem")
			}
			dk.PQPreKey = key
			return err
		})
	}
	grp.Go(func() error {
		key, err := self.Keys.GetECSigned(grpCtx, identity, dk.DeviceId)
		dk.SignedPreKey = key
		return err
	})
	return grp.Wait()
}
