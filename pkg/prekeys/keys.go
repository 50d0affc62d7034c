package prekeys

import (
	"bytes"
	"strconv"
)

// DeviceID identifies a device within an account, 1 is the primary device.
type DeviceID uint8

// PrimaryDeviceID is the id of the device that registered the account.
const PrimaryDeviceID DeviceID = 1

func (self DeviceID) String() string {
	return strconv.Itoa(int(self))
}

// ParseDeviceID parses a decimal device id in the 1..255 range.
func ParseDeviceID(s string) (DeviceID, error) {
	id, err := strconv.ParseUint(s, 10, 8)
	if nil != err || 0 == id {
		return 0, malformed("invalid device id %q", s)
	}
	return DeviceID(id), nil
}

const (
	// ECKeyType prefixes serialized Curve25519 public keys.
	ECKeyType = byte(0x05)
	// ECPublicKeySize is the size of a serialized Curve25519 public key.
	ECPublicKeySize = 33

	// KEMKeyType prefixes serialized ML-KEM-768 public keys.
	KEMKeyType = byte(0x0A)

	// SignatureSize is the size of an XEdDSA signature.
	SignatureSize = 64

	// MaxOneTimeKeys bounds the size of the one time lists of an upload.
	MaxOneTimeKeys = 100
)

// ECPreKey is an unsigned Curve25519 one time prekey.
type ECPreKey struct {
	KeyId     uint64 `json:"keyId" cbor:"1,keyasint"`
	PublicKey []byte `json:"publicKey" cbor:"2,keyasint"`

	// Signature is decoded so that Check can reject signed one time prekeys.
	Signature []byte `json:"signature,omitempty" cbor:"3,keyasint,omitempty"`
}

// ECSignedPreKey is a Curve25519 prekey signed by the account identity key.
type ECSignedPreKey struct {
	KeyId     uint64 `json:"keyId" cbor:"1,keyasint"`
	PublicKey []byte `json:"publicKey" cbor:"2,keyasint"`
	Signature []byte `json:"signature" cbor:"3,keyasint"`
}

// KEMSignedPreKey is a post quantum KEM public key signed by the account identity key.
// It is used for one time prekeys and for the last resort prekey.
type KEMSignedPreKey struct {
	KeyId     uint64 `json:"keyId" cbor:"1,keyasint"`
	PublicKey []byte `json:"publicKey" cbor:"2,keyasint"`
	Signature []byte `json:"signature" cbor:"3,keyasint"`
}

// Equal returns true if self and other hold the same key material.
func (self ECPreKey) Equal(other ECPreKey) bool {
	return self.KeyId == other.KeyId && bytes.Equal(self.PublicKey, other.PublicKey)
}

// Equal returns true if self and other hold the same key material.
func (self ECSignedPreKey) Equal(other ECSignedPreKey) bool {
	return self.KeyId == other.KeyId &&
		bytes.Equal(self.PublicKey, other.PublicKey) &&
		bytes.Equal(self.Signature, other.Signature)
}

// Equal returns true if self and other hold the same key material.
func (self KEMSignedPreKey) Equal(other KEMSignedPreKey) bool {
	return self.KeyId == other.KeyId &&
		bytes.Equal(self.PublicKey, other.PublicKey) &&
		bytes.Equal(self.Signature, other.Signature)
}

// Clone returns a deep copy of self.
func (self ECPreKey) Clone() ECPreKey {
	return ECPreKey{KeyId: self.KeyId, PublicKey: bytes.Clone(self.PublicKey)}
}

// Clone returns a deep copy of self.
func (self ECSignedPreKey) Clone() ECSignedPreKey {
	return ECSignedPreKey{
		KeyId:     self.KeyId,
		PublicKey: bytes.Clone(self.PublicKey),
		Signature: bytes.Clone(self.Signature),
	}
}

// Clone returns a deep copy of self.
func (self KEMSignedPreKey) Clone() KEMSignedPreKey {
	return KEMSignedPreKey{
		KeyId:     self.KeyId,
		PublicKey: bytes.Clone(self.PublicKey),
		Signature: bytes.Clone(self.Signature),
	}
}

// SetKeys is a batch of keys uploaded by a device for one identity kind.
// nil fields mean "no change".
type SetKeys struct {
	PreKeys            []ECPreKey        `json:"preKeys"`
	SignedPreKey       *ECSignedPreKey   `json:"signedPreKey"`
	PQPreKeys          []KEMSignedPreKey `json:"pqPreKeys"`
	PQLastResortPreKey *KEMSignedPreKey  `json:"pqLastResortPreKey"`
}

// IsEmpty returns true if the SetKeys changes nothing.
func (self *SetKeys) IsEmpty() bool {
	return 0 == len(self.PreKeys) && nil == self.SignedPreKey &&
		0 == len(self.PQPreKeys) && nil == self.PQLastResortPreKey
}
