// Package keytest generates valid key material for tests.
package keytest

import (
	"crypto/rand"
	"testing"

	"github.com/katzenpost/hpqc/kem/mlkem768"

	"code.kerpass.org/prekeys/internal/xeddsa"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

// Identity is an identity keypair able to sign prekeys.
type Identity struct {
	Private []byte

	// Public is the serialized identity key, type byte included.
	Public []byte
}

// NewIdentity returns a random Identity.
func NewIdentity(t testing.TB) Identity {
	t.Helper()
	priv, pub, err := xeddsa.GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed xeddsa.GenerateKey, got error %v", err)
	}
	return Identity{Private: priv, Public: append([]byte{prekeys.ECKeyType}, pub...)}
}

// Sign returns the XEdDSA signature of msg.
func (self Identity) Sign(t testing.TB, msg []byte) []byte {
	t.Helper()
	sig, err := xeddsa.Sign(self.Private, msg, rand.Reader)
	if nil != err {
		t.Fatalf("failed xeddsa.Sign, got error %v", err)
	}
	return sig
}

// ECSignedPreKey returns a new EC prekey signed by self.
func (self Identity) ECSignedPreKey(t testing.TB, keyId uint64) prekeys.ECSignedPreKey {
	t.Helper()
	pub := ECPublicKey(t)
	return prekeys.ECSignedPreKey{KeyId: keyId, PublicKey: pub, Signature: self.Sign(t, pub)}
}

// KEMSignedPreKey returns a new KEM prekey signed by self.
func (self Identity) KEMSignedPreKey(t testing.TB, keyId uint64) prekeys.KEMSignedPreKey {
	t.Helper()
	pub := KEMPublicKey(t)
	return prekeys.KEMSignedPreKey{KeyId: keyId, PublicKey: pub, Signature: self.Sign(t, pub)}
}

// ECPublicKey returns a random serialized Curve25519 public key.
func ECPublicKey(t testing.TB) []byte {
	t.Helper()
	_, pub, err := xeddsa.GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed xeddsa.GenerateKey, got error %v", err)
	}
	return append([]byte{prekeys.ECKeyType}, pub...)
}

// ECPreKey returns a new unsigned EC prekey.
func ECPreKey(t testing.TB, keyId uint64) prekeys.ECPreKey {
	t.Helper()
	return prekeys.ECPreKey{KeyId: keyId, PublicKey: ECPublicKey(t)}
}

// ECPreKeys returns count EC prekeys with consecutive ids starting at firstId.
func ECPreKeys(t testing.TB, firstId uint64, count int) []prekeys.ECPreKey {
	t.Helper()
	rv := make([]prekeys.ECPreKey, count)
	for i := range count {
		rv[i] = ECPreKey(t, firstId+uint64(i))
	}
	return rv
}

// KEMPublicKey returns a random serialized ML-KEM-768 public key.
func KEMPublicKey(t testing.TB) []byte {
	t.Helper()
	pk, _, err := mlkem768.Scheme().GenerateKeyPair()
	if nil != err {
		t.Fatalf("failed mlkem768 GenerateKeyPair, got error %v", err)
	}
	srzpk, err := pk.MarshalBinary()
	if nil != err {
		t.Fatalf("failed MarshalBinary, got error %v", err)
	}
	return append([]byte{prekeys.KEMKeyType}, srzpk...)
}
