package keytest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"code.kerpass.org/prekeys/pkg/prekeys"
)

// StoreFactory returns an empty KeyStore.
type StoreFactory func(t *testing.T) prekeys.KeyStore

// RunKeyStoreSuite checks that the KeyStore returned by newStore behaves as a prekeys.KeyStore.
func RunKeyStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Run("TakeEC_Empty", func(t *testing.T) { testTakeECEmpty(t, newStore(t)) })
	t.Run("TakeEC_Order", func(t *testing.T) { testTakeECOrder(t, newStore(t)) })
	t.Run("StoreEC_Upsert", func(t *testing.T) { testStoreECUpsert(t, newStore(t)) })
	t.Run("StoreEC_Invalid", func(t *testing.T) { testStoreECInvalid(t, newStore(t)) })
	t.Run("TakeKEM_LastResort", func(t *testing.T) { testTakeKEMLastResort(t, newStore(t)) })
	t.Run("StoreLastResort_Overwrite", func(t *testing.T) { testLastResortOverwrite(t, newStore(t)) })
	t.Run("ECSigned", func(t *testing.T) { testECSigned(t, newStore(t)) })
	t.Run("Isolation", func(t *testing.T) { testIsolation(t, newStore(t)) })
	t.Run("ConcurrentTake", func(t *testing.T) { testConcurrentTake(t, newStore(t)) })
	t.Run("ConcurrentTakeKEM", func(t *testing.T) { testConcurrentTakeKEM(t, newStore(t)) })
}

func testTakeECEmpty(t *testing.T, store prekeys.KeyStore) {
	ctx := context.Background()
	id := uuid.New()

	pk, err := store.TakeEC(ctx, id, 1)
	if nil != err {
		t.Fatalf("failed TakeEC, got error %v", err)
	}
	if nil != pk {
		t.Errorf("expected nil from empty pool, got %+v", pk)
	}
	kpk, err := store.TakeKEM(ctx, id, 1)
	if nil != err {
		t.Fatalf("failed TakeKEM, got error %v", err)
	}
	if nil != kpk {
		t.Errorf("expected nil from empty KEM pool without last resort, got keyId %d", kpk.KeyId)
	}
}

func testTakeECOrder(t *testing.T, store prekeys.KeyStore) {
	ctx := context.Background()
	id := uuid.New()

	keys := []prekeys.ECPreKey{ECPreKey(t, 30), ECPreKey(t, 10), ECPreKey(t, 20)}
	if err := store.StoreECOneTime(ctx, id, 1, keys); nil != err {
		t.Fatalf("failed StoreECOneTime, got error %v", err)
	}
	assertCounts(t, store, id, 1, 3, 0)

	for pos, expected := range []uint64{10, 20, 30} {
		pk, err := store.TakeEC(ctx, id, 1)
		if nil != err {
			t.Fatalf("#%d: failed TakeEC, got error %v", pos, err)
		}
		if nil == pk {
			t.Fatalf("#%d: unexpected nil prekey", pos)
		}
		if expected != pk.KeyId {
			t.Errorf("#%d: expected keyId %d, got %d", pos, expected, pk.KeyId)
		}
		assertCounts(t, store, id, 1, 2-pos, 0)
	}

	pk, err := store.TakeEC(ctx, id, 1)
	if nil != err || nil != pk {
		t.Errorf("expected empty pool, got %+v, %v", pk, err)
	}
}

func testStoreECUpsert(t *testing.T, store prekeys.KeyStore) {
	ctx := context.Background()
	id := uuid.New()

	first := ECPreKeys(t, 1, 3)
	if err := store.StoreECOneTime(ctx, id, 2, first); nil != err {
		t.Fatalf("failed StoreECOneTime, got error %v", err)
	}
	// keyId 3 collides
	second := ECPreKeys(t, 3, 2)
	if err := store.StoreECOneTime(ctx, id, 2, second); nil != err {
		t.Fatalf("failed StoreECOneTime, got error %v", err)
	}
	assertCounts(t, store, id, 2, 4, 0)

	// replaying the same batch changes nothing
	if err := store.StoreECOneTime(ctx, id, 2, second); nil != err {
		t.Fatalf("failed StoreECOneTime replay, got error %v", err)
	}
	assertCounts(t, store, id, 2, 4, 0)

	var taken *prekeys.ECPreKey
	for range 3 {
		pk, err := store.TakeEC(ctx, id, 2)
		if nil != err || nil == pk {
			t.Fatalf("failed TakeEC, got %v, %v", pk, err)
		}
		taken = pk
	}
	if !taken.Equal(second[0]) {
		t.Errorf("keyId 3 was not replaced by the second upload")
	}
}

func testStoreECInvalid(t *testing.T, store prekeys.KeyStore) {
	ctx := context.Background()
	id := uuid.New()

	keys := ECPreKeys(t, 1, 2)
	keys = append(keys, prekeys.ECPreKey{KeyId: 3, PublicKey: []byte("cluck cluck i'm a parrot")})
	err := store.StoreECOneTime(ctx, id, 1, keys)
	if !errors.Is(err, prekeys.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	assertCounts(t, store, id, 1, 0, 0)
}

func testTakeKEMLastResort(t *testing.T, store prekeys.KeyStore) {
	ctx := context.Background()
	id := uuid.New()
	idk := NewIdentity(t)

	oneTime := idk.KEMSignedPreKey(t, 5)
	lastResort := idk.KEMSignedPreKey(t, 99)
	if err := store.StoreKEMOneTime(ctx, id, 1, []prekeys.KEMSignedPreKey{oneTime}); nil != err {
		t.Fatalf("failed StoreKEMOneTime, got error %v", err)
	}
	if err := store.StoreLastResort(ctx, id, 1, lastResort); nil != err {
		t.Fatalf("failed StoreLastResort, got error %v", err)
	}
	assertCounts(t, store, id, 1, 0, 1)

	pk, err := store.TakeKEM(ctx, id, 1)
	if nil != err || nil == pk {
		t.Fatalf("failed TakeKEM, got %v, %v", pk, err)
	}
	if !pk.Equal(oneTime) {
		t.Errorf("expected one time key 5, got keyId %d", pk.KeyId)
	}
	assertCounts(t, store, id, 1, 0, 0)

	// pool is empty, the last resort key is returned and kept
	for i := range 3 {
		pk, err = store.TakeKEM(ctx, id, 1)
		if nil != err || nil == pk {
			t.Fatalf("#%d: failed TakeKEM, got %v, %v", i, pk, err)
		}
		if !pk.Equal(lastResort) {
			t.Errorf("#%d: expected last resort key, got keyId %d", i, pk.KeyId)
		}
	}
	assertCounts(t, store, id, 1, 0, 0)
}

func testLastResortOverwrite(t *testing.T, store prekeys.KeyStore) {
	ctx := context.Background()
	id := uuid.New()
	idk := NewIdentity(t)

	lr, err := store.GetLastResort(ctx, id, 1)
	if nil != err || nil != lr {
		t.Fatalf("expected no last resort key, got %v, %v", lr, err)
	}
	for _, keyId := range []uint64{1, 2} {
		if err = store.StoreLastResort(ctx, id, 1, idk.KEMSignedPreKey(t, keyId)); nil != err {
			t.Fatalf("failed StoreLastResort, got error %v", err)
		}
	}
	lr, err = store.GetLastResort(ctx, id, 1)
	if nil != err || nil == lr {
		t.Fatalf("failed GetLastResort, got %v, %v", lr, err)
	}
	if 2 != lr.KeyId {
		t.Errorf("expected last resort keyId 2, got %d", lr.KeyId)
	}
}

func testECSigned(t *testing.T, store prekeys.KeyStore) {
	ctx := context.Background()
	id := uuid.New()
	idk := NewIdentity(t)

	sk, err := store.GetECSigned(ctx, id, 3)
	if nil != err || nil != sk {
		t.Fatalf("expected no signed key, got %v, %v", sk, err)
	}
	signed := idk.ECSignedPreKey(t, 1111)
	if err = store.StoreECSigned(ctx, id, 3, signed); nil != err {
		t.Fatalf("failed StoreECSigned, got error %v", err)
	}
	sk, err = store.GetECSigned(ctx, id, 3)
	if nil != err || nil == sk {
		t.Fatalf("failed GetECSigned, got %v, %v", sk, err)
	}
	if !sk.Equal(signed) {
		t.Errorf("reloaded signed key differs, got keyId %d", sk.KeyId)
	}

	rotated := idk.ECSignedPreKey(t, 2222)
	if err = store.StoreECSigned(ctx, id, 3, rotated); nil != err {
		t.Fatalf("failed StoreECSigned, got error %v", err)
	}
	sk, err = store.GetECSigned(ctx, id, 3)
	if nil != err || nil == sk || !sk.Equal(rotated) {
		t.Errorf("signed key was not rotated, got %v, %v", sk, err)
	}
}

func testIsolation(t *testing.T, store prekeys.KeyStore) {
	ctx := context.Background()
	aci := uuid.New()
	pni := uuid.New()

	if err := store.StoreECOneTime(ctx, aci, 1, ECPreKeys(t, 1, 2)); nil != err {
		t.Fatalf("failed StoreECOneTime, got error %v", err)
	}
	if err := store.StoreECOneTime(ctx, pni, 1, ECPreKeys(t, 1, 1)); nil != err {
		t.Fatalf("failed StoreECOneTime, got error %v", err)
	}
	assertCounts(t, store, aci, 1, 2, 0)
	assertCounts(t, store, pni, 1, 1, 0)
	assertCounts(t, store, aci, 2, 0, 0)

	pk, err := store.TakeEC(ctx, aci, 2)
	if nil != err || nil != pk {
		t.Errorf("device 2 pool should be empty, got %v, %v", pk, err)
	}
}

func testConcurrentTake(t *testing.T, store prekeys.KeyStore) {
	const numKeys = 50
	const numTakers = 8

	ctx := context.Background()
	id := uuid.New()
	if err := store.StoreECOneTime(ctx, id, 1, ECPreKeys(t, 1, numKeys)); nil != err {
		t.Fatalf("failed StoreECOneTime, got error %v", err)
	}

	var mut sync.Mutex
	var wg sync.WaitGroup
	taken := make(map[uint64]int)
	errs := make([]error, numTakers)
	for i := range numTakers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				pk, err := store.TakeEC(ctx, id, 1)
				if nil != err {
					errs[i] = err
					return
				}
				if nil == pk {
					return
				}
				mut.Lock()
				taken[pk.KeyId] += 1
				mut.Unlock()
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if nil != err {
			t.Errorf("taker #%d failed, got error %v", i, err)
		}
	}
	if numKeys != len(taken) {
		t.Errorf("expected %d distinct keys, got %d", numKeys, len(taken))
	}
	for keyId, count := range taken {
		if 1 != count {
			t.Errorf("keyId %d was dispensed %d times", keyId, count)
		}
	}
	assertCounts(t, store, id, 1, 0, 0)
}

func testConcurrentTakeKEM(t *testing.T, store prekeys.KeyStore) {
	const numKeys = 20
	const numTakers = 8
	const lastResortId = 999

	ctx := context.Background()
	id := uuid.New()
	idk := NewIdentity(t)
	keys := make([]prekeys.KEMSignedPreKey, numKeys)
	for i := range numKeys {
		keys[i] = idk.KEMSignedPreKey(t, uint64(i+1))
	}
	if err := store.StoreKEMOneTime(ctx, id, 1, keys); nil != err {
		t.Fatalf("failed StoreKEMOneTime, got error %v", err)
	}
	if err := store.StoreLastResort(ctx, id, 1, idk.KEMSignedPreKey(t, lastResortId)); nil != err {
		t.Fatalf("failed StoreLastResort, got error %v", err)
	}

	var mut sync.Mutex
	var wg sync.WaitGroup
	taken := make(map[uint64]int)
	errs := make([]error, numTakers)
	for i := range numTakers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				pk, err := store.TakeKEM(ctx, id, 1)
				if nil != err {
					errs[i] = err
					return
				}
				if nil == pk {
					errs[i] = errors.New("TakeKEM returned nil with a last resort prekey set")
					return
				}
				mut.Lock()
				taken[pk.KeyId] += 1
				mut.Unlock()
				if lastResortId == pk.KeyId {
					return
				}
			}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if nil != err {
			t.Errorf("taker #%d failed, got error %v", i, err)
		}
	}
	if numTakers != taken[lastResortId] {
		t.Errorf("expected last resort prekey %d times, got %d", numTakers, taken[lastResortId])
	}
	delete(taken, lastResortId)
	if numKeys != len(taken) {
		t.Errorf("expected %d distinct one time keys, got %d", numKeys, len(taken))
	}
	for keyId, count := range taken {
		if 1 != count {
			t.Errorf("keyId %d was dispensed %d times", keyId, count)
		}
	}
	assertCounts(t, store, id, 1, 0, 0)
}

func assertCounts(t *testing.T, store prekeys.KeyStore, id uuid.UUID, device prekeys.DeviceID, ec int, kem int) {
	t.Helper()
	ctx := context.Background()
	count, err := store.CountEC(ctx, id, device)
	if nil != err {
		t.Fatalf("failed CountEC, got error %v", err)
	}
	if ec != count {
		t.Errorf("expected %d EC prekeys, got %d", ec, count)
	}
	count, err = store.CountKEM(ctx, id, device)
	if nil != err {
		t.Fatalf("failed CountKEM, got error %v", err)
	}
	if kem != count {
		t.Errorf("expected %d KEM prekeys, got %d", kem, count)
	}
}
