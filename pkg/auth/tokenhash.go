package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// DO NOT EDIT THOSE CONSTANTS
	defaultHashingSeed = "Device token hashing seed must be stored reliably"
	pepperName         = "pepper:device:Password/AuthToken"

	markInfo   = byte('I')
	markPepper = byte('P')

	TokenHashSize = 32
	TokenSaltSize = 16
)

// TokenHasher derives stored device token hashes from device passwords.
//
// Hashes are bound to a server pepper derived from the seed, changing the seed
// invalidates every stored device credential.
//
// TokenHasher is safe for concurrent use.
type TokenHasher struct {
	pepper [32]byte
}

// NewTokenHasher returns a TokenHasher using seed as root secret.
// A default seed is used if seed is empty.
func NewTokenHasher(seed []byte) (*TokenHasher, error) {
	if 0 == len(seed) {
		seed = []byte(defaultHashingSeed)
	}
	prk := hkdf.Extract(sha256.New, seed, nil)

	th := &TokenHasher{}
	_, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(pepperName)), th.pepper[:])
	if nil != err {
		return nil, wrapError(err, "failed initializing pepper")
	}

	return th, nil
}

// Hash returns the token hash of password using salt.
func (self *TokenHasher) Hash(password string, salt []byte) ([]byte, error) {
	var info bytes.Buffer
	info.Write([]byte{markInfo, byte(len("Password/AuthToken"))})
	info.Write([]byte("Password/AuthToken"))
	info.Write([]byte{markPepper, byte(len(self.pepper))})
	info.Write(self.pepper[:])

	rv := make([]byte, TokenHashSize)
	_, err := io.ReadFull(hkdf.New(sha256.New, []byte(password), salt, info.Bytes()), rv)
	if nil != err {
		return nil, wrapError(err, "failed token hash derivation")
	}

	return rv, nil
}

// NewCredentials returns the hash & random salt to be stored for password.
func (self *TokenHasher) NewCredentials(password string) (hash []byte, salt []byte, err error) {
	salt = make([]byte, TokenSaltSize)
	_, err = rand.Read(salt)
	if nil != err {
		return nil, nil, wrapError(err, "failed generating salt")
	}
	hash, err = self.Hash(password, salt)
	if nil != err {
		return nil, nil, err
	}
	return hash, salt, nil
}

// Verify returns true if password matches the stored hash & salt.
func (self *TokenHasher) Verify(password string, hash []byte, salt []byte) bool {
	if TokenHashSize != len(hash) || 0 == len(salt) {
		return false
	}
	computed, err := self.Hash(password, salt)
	if nil != err {
		return false
	}
	return 1 == subtle.ConstantTimeCompare(computed, hash)
}
