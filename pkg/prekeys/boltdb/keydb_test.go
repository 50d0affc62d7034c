package boltdb

import (
	"context"
	"path"
	"testing"

	"github.com/google/uuid"

	"code.kerpass.org/prekeys/internal/keytest"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

func newKeyStore(t *testing.T, dbPath string) *KeyStore {
	store, err := New(dbPath)
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKeyStore(t *testing.T) {
	keytest.RunKeyStoreSuite(t, func(t *testing.T) prekeys.KeyStore {
		return newKeyStore(t, path.Join(t.TempDir(), "prekeys.db"))
	})
}

func TestKeyStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dbPath := path.Join(t.TempDir(), "prekeys.db")
	idk := keytest.NewIdentity(t)
	id := uuid.New()

	store, err := New(dbPath)
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	if err = store.StoreECOneTime(ctx, id, 1, keytest.ECPreKeys(t, 1, 3)); nil != err {
		t.Fatalf("failed StoreECOneTime, got error %v", err)
	}
	signed := idk.ECSignedPreKey(t, 7)
	if err = store.StoreECSigned(ctx, id, 1, signed); nil != err {
		t.Fatalf("failed StoreECSigned, got error %v", err)
	}
	if err = store.Close(); nil != err {
		t.Fatalf("failed Close, got error %v", err)
	}

	// data survives reopening the file
	store = newKeyStore(t, dbPath)
	count, err := store.CountEC(ctx, id, 1)
	if nil != err || 3 != count {
		t.Errorf("expected 3 EC prekeys, got %d, %v", count, err)
	}
	sk, err := store.GetECSigned(ctx, id, 1)
	if nil != err || nil == sk || !sk.Equal(signed) {
		t.Errorf("failed reloading signed prekey, got %v, %v", sk, err)
	}
}

func TestByteId_Order(t *testing.T) {
	ids := []uint64{0, 1, 255, 256, 1 << 32, 1<<63 + 1}
	for i := 1; i < len(ids); i++ {
		if string(byteId(ids[i-1])) >= string(byteId(ids[i])) {
			t.Errorf("byteId(%d) does not sort before byteId(%d)", ids[i-1], ids[i])
		}
	}
}
