package accounts

import (
	"bytes"
	"slices"

	"github.com/google/uuid"

	"code.kerpass.org/prekeys/pkg/prekeys"
)

// Account is reachable by its ACI and by its PNI.
type Account struct {
	ACI uuid.UUID
	PNI uuid.UUID

	// ACIIdentityKey & PNIIdentityKey are serialized Curve25519 public keys.
	ACIIdentityKey []byte
	PNIIdentityKey []byte

	// UnidentifiedAccessKey authorizes anonymous bundle fetches.
	UnidentifiedAccessKey          []byte
	UnrestrictedUnidentifiedAccess bool

	Enabled bool

	// Devices is ordered by Device.Id
	Devices []Device

	// Version is incremented by every successful Directory.Update.
	Version int64
}

// Device is owned by an Account.
type Device struct {
	Id             prekeys.DeviceID
	RegistrationId int

	// PNIRegistrationId is nil when the device never registered a PNI id.
	PNIRegistrationId *int

	Enabled bool

	ACISignedPreKey *prekeys.ECSignedPreKey
	PNISignedPreKey *prekeys.ECSignedPreKey

	// AuthTokenHash & AuthTokenSalt verify the device password.
	AuthTokenHash []byte
	AuthTokenSalt []byte
}

// Check returns an error if the Account is invalid.
func (self *Account) Check() error {
	if nil == self {
		return newError("nil Account")
	}
	if uuid.Nil == self.ACI {
		return newError("missing ACI")
	}
	if uuid.Nil == self.PNI || self.PNI == self.ACI {
		return newError("invalid PNI")
	}
	if nil != self.ACIIdentityKey {
		if err := prekeys.CheckECPublicKey(self.ACIIdentityKey); nil != err {
			return wrapError(err, "invalid ACIIdentityKey")
		}
	}
	if nil != self.PNIIdentityKey {
		if err := prekeys.CheckECPublicKey(self.PNIIdentityKey); nil != err {
			return wrapError(err, "invalid PNIIdentityKey")
		}
	}
	for pos, dev := range self.Devices {
		if 0 == dev.Id {
			return newError("device #%d has invalid id 0", pos)
		}
		if pos > 0 && self.Devices[pos-1].Id >= dev.Id {
			return newError("devices are not ordered by unique id")
		}
	}

	return nil
}

// IdentityUUID returns the uuid of the Account in the kind namespace.
func (self *Account) IdentityUUID(kind prekeys.IdentityKind) uuid.UUID {
	if prekeys.PNI == kind {
		return self.PNI
	}
	return self.ACI
}

// IdentityKey returns the identity key for kind, nil if it is not set.
func (self *Account) IdentityKey(kind prekeys.IdentityKind) []byte {
	if prekeys.PNI == kind {
		return self.PNIIdentityKey
	}
	return self.ACIIdentityKey
}

// IsIdentifiedBy returns true if sid addresses the Account.
func (self *Account) IsIdentifiedBy(sid prekeys.ServiceIdentifier) bool {
	return sid.UUID == self.IdentityUUID(sid.Kind)
}

// Device returns the Device with id, or nil.
// The returned pointer refers to the Account Devices slice.
func (self *Account) Device(id prekeys.DeviceID) *Device {
	pos, found := slices.BinarySearchFunc(self.Devices, id, func(d Device, id prekeys.DeviceID) int {
		return int(d.Id) - int(id)
	})
	if !found {
		return nil
	}
	return &self.Devices[pos]
}

// PutDevice inserts or replaces dev keeping Devices ordered.
func (self *Account) PutDevice(dev Device) {
	pos, found := slices.BinarySearchFunc(self.Devices, dev.Id, func(d Device, id prekeys.DeviceID) int {
		return int(d.Id) - int(id)
	})
	if found {
		self.Devices[pos] = dev
		return
	}
	self.Devices = slices.Insert(self.Devices, pos, dev)
}

// Clone returns a deep copy of the Account.
func (self *Account) Clone() *Account {
	rv := *self
	rv.ACIIdentityKey = bytes.Clone(self.ACIIdentityKey)
	rv.PNIIdentityKey = bytes.Clone(self.PNIIdentityKey)
	rv.UnidentifiedAccessKey = bytes.Clone(self.UnidentifiedAccessKey)
	rv.Devices = make([]Device, len(self.Devices))
	for i, dev := range self.Devices {
		rv.Devices[i] = dev.Clone()
	}
	return &rv
}

// Clone returns a deep copy of the Device.
func (self Device) Clone() Device {
	rv := self
	if nil != self.PNIRegistrationId {
		regId := *self.PNIRegistrationId
		rv.PNIRegistrationId = &regId
	}
	if nil != self.ACISignedPreKey {
		sk := self.ACISignedPreKey.Clone()
		rv.ACISignedPreKey = &sk
	}
	if nil != self.PNISignedPreKey {
		sk := self.PNISignedPreKey.Clone()
		rv.PNISignedPreKey = &sk
	}
	rv.AuthTokenHash = bytes.Clone(self.AuthTokenHash)
	rv.AuthTokenSalt = bytes.Clone(self.AuthTokenSalt)
	return rv
}

// RegistrationIdFor returns the PNI registration id for PNI when it is set,
// the classical registration id otherwise.
func (self *Device) RegistrationIdFor(kind prekeys.IdentityKind) int {
	if prekeys.PNI == kind && nil != self.PNIRegistrationId {
		return *self.PNIRegistrationId
	}
	return self.RegistrationId
}

// SignedPreKey returns the current EC signed prekey for kind, or nil.
func (self *Device) SignedPreKey(kind prekeys.IdentityKind) *prekeys.ECSignedPreKey {
	if prekeys.PNI == kind {
		return self.PNISignedPreKey
	}
	return self.ACISignedPreKey
}

// SetSignedPreKey replaces the current EC signed prekey for kind.
func (self *Device) SetSignedPreKey(kind prekeys.IdentityKind, key prekeys.ECSignedPreKey) {
	sk := key.Clone()
	if prekeys.PNI == kind {
		self.PNISignedPreKey = &sk
	} else {
		self.ACISignedPreKey = &sk
	}
}
