package prekeys_test

import (
	"errors"
	"testing"

	"code.kerpass.org/prekeys/internal/keytest"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

func TestSetKeys_Check_Success(t *testing.T) {
	idk := keytest.NewIdentity(t)
	signed := idk.ECSignedPreKey(t, 2)
	lastResort := idk.KEMSignedPreKey(t, 4)
	req := prekeys.SetKeys{
		PreKeys:            keytest.ECPreKeys(t, 1, 3),
		SignedPreKey:       &signed,
		PQPreKeys:          []prekeys.KEMSignedPreKey{idk.KEMSignedPreKey(t, 3)},
		PQLastResortPreKey: &lastResort,
	}
	if err := req.Check(); nil != err {
		t.Fatalf("failed Check, got error %v", err)
	}
	if err := req.VerifySignatures(idk.Public); nil != err {
		t.Fatalf("failed VerifySignatures, got error %v", err)
	}
}

func TestSetKeys_Check_Malformed(t *testing.T) {
	idk := keytest.NewIdentity(t)
	kem := idk.KEMSignedPreKey(t, 1)
	ec := idk.ECSignedPreKey(t, 1)

	testcases := map[string]prekeys.SetKeys{
		"parrot preKey": {
			PreKeys: []prekeys.ECPreKey{{KeyId: 1, PublicKey: []byte("cluck cluck i'm a parrot")}},
		},
		"KEM key in signedPreKey": {
			SignedPreKey: &prekeys.ECSignedPreKey{KeyId: 1, PublicKey: kem.PublicKey, Signature: kem.Signature},
		},
		"EC key in pqPreKeys": {
			PQPreKeys: []prekeys.KEMSignedPreKey{{KeyId: 1, PublicKey: ec.PublicKey, Signature: ec.Signature}},
		},
		"EC key in pqLastResortPreKey": {
			PQLastResortPreKey: &prekeys.KEMSignedPreKey{KeyId: 1, PublicKey: ec.PublicKey, Signature: ec.Signature},
		},
		"unsigned signedPreKey": {
			SignedPreKey: &prekeys.ECSignedPreKey{KeyId: 1, PublicKey: ec.PublicKey},
		},
		"truncated KEM key": {
			PQPreKeys: []prekeys.KEMSignedPreKey{{KeyId: 1, PublicKey: kem.PublicKey[:100], Signature: kem.Signature}},
		},
		"signed preKey": {
			PreKeys: []prekeys.ECPreKey{{KeyId: 1, PublicKey: ec.PublicKey, Signature: ec.Signature}},
		},
		"too many preKeys": {
			PreKeys: keytest.ECPreKeys(t, 1, prekeys.MaxOneTimeKeys+1),
		},
	}
	for name, req := range testcases {
		err := req.Check()
		if !errors.Is(err, prekeys.ErrMalformed) {
			t.Errorf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
}

func TestSetKeys_VerifySignatures_Fail(t *testing.T) {
	idk := keytest.NewIdentity(t)
	foreign := keytest.NewIdentity(t)

	foreignSigned := foreign.ECSignedPreKey(t, 1)
	foreignKem := foreign.KEMSignedPreKey(t, 2)
	testcases := map[string]prekeys.SetKeys{
		"signedPreKey":       {SignedPreKey: &foreignSigned},
		"pqPreKeys":          {PQPreKeys: []prekeys.KEMSignedPreKey{idk.KEMSignedPreKey(t, 1), foreignKem}},
		"pqLastResortPreKey": {PQLastResortPreKey: &foreignKem},
	}
	for name, req := range testcases {
		if err := req.Check(); nil != err {
			t.Fatalf("%s: failed Check, got error %v", name, err)
		}
		err := req.VerifySignatures(idk.Public)
		if !errors.Is(err, prekeys.ErrInvalidSignature) {
			t.Errorf("%s: expected ErrInvalidSignature, got %v", name, err)
		}
	}
}

func TestVerifySignature_NoIdentityKey(t *testing.T) {
	idk := keytest.NewIdentity(t)
	signed := idk.ECSignedPreKey(t, 1)
	err := prekeys.VerifySignature(nil, signed.PublicKey, signed.Signature)
	if !errors.Is(err, prekeys.ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestSetKeys_IsEmpty(t *testing.T) {
	req := prekeys.SetKeys{PreKeys: []prekeys.ECPreKey{}}
	if !req.IsEmpty() {
		t.Error("SetKeys with empty list should be empty")
	}
	req.PreKeys = keytest.ECPreKeys(t, 1, 1)
	if req.IsEmpty() {
		t.Error("SetKeys with one preKey should not be empty")
	}
}
