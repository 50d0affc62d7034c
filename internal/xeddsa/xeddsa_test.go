package xeddsa

import (
	"crypto/rand"
	"testing"
)

func TestSignVerify(t *testing.T) {
	for i := range 32 {
		priv, pub, err := GenerateKey(rand.Reader)
		if nil != err {
			t.Fatalf("#%d: failed GenerateKey, got error %v", i, err)
		}
		msg := []byte{0x05, byte(i), 0x42}
		sig, err := Sign(priv, msg, rand.Reader)
		if nil != err {
			t.Fatalf("#%d: failed Sign, got error %v", i, err)
		}
		if !Verify(pub, msg, sig) {
			t.Errorf("#%d: failed Verify", i)
		}
	}
}

func TestVerify_WrongMessage(t *testing.T) {
	priv, pub, err := GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed GenerateKey, got error %v", err)
	}
	sig, err := Sign(priv, []byte("signed prekey"), rand.Reader)
	if nil != err {
		t.Fatalf("failed Sign, got error %v", err)
	}
	if Verify(pub, []byte("signed prekez"), sig) {
		t.Error("Verify accepted a modified message")
	}
}

func TestVerify_ForeignKey(t *testing.T) {
	priv, _, err := GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed GenerateKey, got error %v", err)
	}
	_, foreign, err := GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed GenerateKey, got error %v", err)
	}
	msg := []byte("signed prekey")
	sig, err := Sign(priv, msg, rand.Reader)
	if nil != err {
		t.Fatalf("failed Sign, got error %v", err)
	}
	if Verify(foreign, msg, sig) {
		t.Error("Verify accepted a signature from a foreign key")
	}
}

func TestVerify_BadSizes(t *testing.T) {
	if Verify(make([]byte, 31), nil, make([]byte, 64)) {
		t.Error("Verify accepted a short public key")
	}
	if Verify(make([]byte, 32), nil, make([]byte, 63)) {
		t.Error("Verify accepted a short signature")
	}
}

func TestVerify_TamperedSignBit(t *testing.T) {
	priv, pub, err := GenerateKey(rand.Reader)
	if nil != err {
		t.Fatalf("failed GenerateKey, got error %v", err)
	}
	msg := []byte("last resort")
	sig, err := Sign(priv, msg, rand.Reader)
	if nil != err {
		t.Fatalf("failed Sign, got error %v", err)
	}
	sig[63] ^= 0x80
	if Verify(pub, msg, sig) {
		t.Error("Verify accepted a signature with flipped sign bit")
	}
}
