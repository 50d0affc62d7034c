package prekeys

import (
	"github.com/katzenpost/hpqc/kem/mlkem768"

	"code.kerpass.org/prekeys/internal/utils"
	"code.kerpass.org/prekeys/internal/xeddsa"
)

// KEMPublicKeySize is the size of a serialized KEM public key.
const KEMPublicKeySize = 1 + mlkem768.PublicKeySize

// CheckECPublicKey returns an ErrMalformed error if b is not a serialized Curve25519 public key.
func CheckECPublicKey(b []byte) error {
	if ECPublicKeySize != len(b) {
		return malformed("invalid EC public key size %d", len(b))
	}
	if ECKeyType != b[0] {
		return malformed("invalid EC public key type 0x%02x", b[0])
	}
	return nil
}

// CheckKEMPublicKey returns an ErrMalformed error if b is not a serialized ML-KEM-768 public key.
func CheckKEMPublicKey(b []byte) error {
	if 0 == len(b) {
		return malformed("empty KEM public key")
	}
	if KEMKeyType != b[0] {
		return malformed("invalid KEM public key type 0x%02x", b[0])
	}
	_, err := mlkem768.Scheme().UnmarshalBinaryPublicKey(b[1:])
	return wrapMalformed(err, "invalid KEM public key")
}

func checkSignature(sig []byte) error {
	if 0 == len(sig) {
		return malformed("missing signature")
	}
	if SignatureSize != len(sig) {
		return malformed("invalid signature size %d", len(sig))
	}
	return nil
}

// Check returns an error if the ECPreKey is malformed.
func (self ECPreKey) Check() error {
	if nil != self.Signature {
		return malformed("one time EC prekey %d carries a signature", self.KeyId)
	}
	return CheckECPublicKey(self.PublicKey)
}

// Check returns an error if the ECSignedPreKey is malformed.
func (self ECSignedPreKey) Check() error {
	if err := CheckECPublicKey(self.PublicKey); nil != err {
		return err
	}
	return checkSignature(self.Signature)
}

// Check returns an error if the KEMSignedPreKey is malformed.
func (self KEMSignedPreKey) Check() error {
	if err := CheckKEMPublicKey(self.PublicKey); nil != err {
		return err
	}
	return checkSignature(self.Signature)
}

// Check returns an ErrMalformed error if any of the present fields is malformed.
func (self *SetKeys) Check() error {
	if nil == self {
		return malformed("nil SetKeys")
	}
	if len(self.PreKeys) > MaxOneTimeKeys {
		return malformed("too many preKeys, %d > %d", len(self.PreKeys), MaxOneTimeKeys)
	}
	if len(self.PQPreKeys) > MaxOneTimeKeys {
		return malformed("too many pqPreKeys, %d > %d", len(self.PQPreKeys), MaxOneTimeKeys)
	}
	for pos, pk := range self.PreKeys {
		if err := pk.Check(); nil != err {
			return utils.WrapError(err, 0, ErrMalformed, "invalid preKeys[%d]", pos)
		}
	}
	if nil != self.SignedPreKey {
		if err := self.SignedPreKey.Check(); nil != err {
			return utils.WrapError(err, 0, ErrMalformed, "invalid signedPreKey")
		}
	}
	for pos, pk := range self.PQPreKeys {
		if err := pk.Check(); nil != err {
			return utils.WrapError(err, 0, ErrMalformed, "invalid pqPreKeys[%d]", pos)
		}
	}
	if nil != self.PQLastResortPreKey {
		if err := self.PQLastResortPreKey.Check(); nil != err {
			return utils.WrapError(err, 0, ErrMalformed, "invalid pqLastResortPreKey")
		}
	}
	return nil
}

// VerifySignature returns an ErrInvalidSignature error unless signature is the
// identityKey signature of the serialized publicKey.
func VerifySignature(identityKey []byte, publicKey []byte, signature []byte) error {
	if err := CheckECPublicKey(identityKey); nil != err {
		return utils.WrapError(err, 0, ErrInvalidSignature, "unusable identity key")
	}
	if !xeddsa.Verify(identityKey[1:], publicKey, signature) {
		return utils.NewError(0, ErrInvalidSignature, "signature verification failed")
	}
	return nil
}

// VerifySignatures checks the signature of every signed key in the SetKeys.
func (self *SetKeys) VerifySignatures(identityKey []byte) error {
	var err error
	if nil != self.SignedPreKey {
		err = VerifySignature(identityKey, self.SignedPreKey.PublicKey, self.SignedPreKey.Signature)
		if nil != err {
			return wrapError(err, "failed signedPreKey verification")
		}
	}
	for pos, pk := range self.PQPreKeys {
		err = VerifySignature(identityKey, pk.PublicKey, pk.Signature)
		if nil != err {
			return wrapError(err, "failed pqPreKeys[%d] verification", pos)
		}
	}
	if nil != self.PQLastResortPreKey {
		err = VerifySignature(identityKey, self.PQLastResortPreKey.PublicKey, self.PQLastResortPreKey.Signature)
		if nil != err {
			return wrapError(err, "failed pqLastResortPreKey verification")
		}
	}
	return nil
}
