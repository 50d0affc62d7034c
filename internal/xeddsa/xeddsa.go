// Package xeddsa implements XEdDSA signatures over Curve25519 (Montgomery) keys.
//
// Identity keys are X25519 keys; XEdDSA lets them produce signatures that verify
// as Ed25519 signatures once the Montgomery u-coordinate is mapped to the
// Edwards y-coordinate and the sign bit carried in the signature is restored.
package xeddsa

import (
	"crypto/ed25519"
	"crypto/sha512"
	"io"

	"filippo.io/edwards25519"
	"filippo.io/edwards25519/field"
	"golang.org/x/crypto/curve25519"
)

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	SignatureSize  = 64
)

// hash1 prefix, 0xFE followed by 31 0xFF.
var hash1Prefix = func() []byte {
	p := make([]byte, 32)
	for i := range p {
		p[i] = 0xFF
	}
	p[0] = 0xFE
	return p
}()

// Verify returns true if signature is a valid XEdDSA signature of message by publicKey.
// publicKey is the 32 bytes little-endian Montgomery u-coordinate.
func Verify(publicKey []byte, message []byte, signature []byte) bool {
	if PublicKeySize != len(publicKey) || SignatureSize != len(signature) {
		return false
	}

	u, err := new(field.Element).SetBytes(publicKey)
	if nil != err {
		return false
	}

	// y = (u - 1) / (u + 1)
	one := new(field.Element).One()
	den := new(field.Element).Add(u, one)
	if 1 == den.Equal(new(field.Element).Zero()) {
		return false
	}
	num := new(field.Element).Subtract(u, one)
	y := new(field.Element).Multiply(num, new(field.Element).Invert(den))

	edPub := y.Bytes()
	edPub[31] &= 0x7F
	edPub[31] |= signature[63] & 0x80

	sig := make([]byte, SignatureSize)
	copy(sig, signature)
	sig[63] &= 0x7F

	return ed25519.Verify(ed25519.PublicKey(edPub), message, sig)
}

// Sign returns the XEdDSA signature of message using the X25519 privateKey.
// random must provide 64 bytes, it is usually crypto/rand.Reader.
func Sign(privateKey []byte, message []byte, random io.Reader) ([]byte, error) {
	if PrivateKeySize != len(privateKey) {
		return nil, newError("invalid privateKey size %d", len(privateKey))
	}
	z := make([]byte, 64)
	if _, err := io.ReadFull(random, z); nil != err {
		return nil, wrapError(err, "failed reading random")
	}

	a, err := edwards25519.NewScalar().SetBytesWithClamping(privateKey)
	if nil != err {
		return nil, wrapError(err, "failed loading privateKey")
	}
	A := new(edwards25519.Point).ScalarBaseMult(a)
	edPub := A.Bytes()
	if 0 != edPub[31]&0x80 {
		// keep the Edwards public key sign bit clear
		a = edwards25519.NewScalar().Negate(a)
		A = new(edwards25519.Point).ScalarBaseMult(a)
		edPub = A.Bytes()
	}
	aBytes := a.Bytes()

	h := sha512.New()
	h.Write(hash1Prefix)
	h.Write(aBytes)
	h.Write(message)
	h.Write(z)
	r, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if nil != err {
		return nil, wrapError(err, "failed deriving nonce")
	}
	R := new(edwards25519.Point).ScalarBaseMult(r).Bytes()

	h.Reset()
	h.Write(R)
	h.Write(edPub)
	h.Write(message)
	k, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if nil != err {
		return nil, wrapError(err, "failed deriving challenge")
	}
	s := edwards25519.NewScalar().MultiplyAdd(k, a, r)

	sig := make([]byte, 0, SignatureSize)
	sig = append(sig, R...)
	sig = append(sig, s.Bytes()...)
	sig[63] |= edPub[31] & 0x80

	return sig, nil
}

// PublicKey returns the X25519 public key of privateKey.
func PublicKey(privateKey []byte) ([]byte, error) {
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	return pub, wrapError(err, "failed X25519")
}

// GenerateKey returns a new X25519 keypair.
func GenerateKey(random io.Reader) (privateKey []byte, publicKey []byte, err error) {
	privateKey = make([]byte, PrivateKeySize)
	if _, err = io.ReadFull(random, privateKey); nil != err {
		return nil, nil, wrapError(err, "failed reading random")
	}
	publicKey, err = PublicKey(privateKey)
	if nil != err {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}
