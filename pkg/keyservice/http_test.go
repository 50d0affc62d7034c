package keyservice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.kerpass.org/prekeys/internal/keytest"
	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/prekeys"
	"code.kerpass.org/prekeys/pkg/ratelimit"
)

func TestGetCount(t *testing.T) {
	fx := newFixture(t)
	caller := fx.caller.Account
	require.NoError(t, fx.keys.StoreECOneTime(fx.ctx, caller.ACI, 1, keytest.ECPreKeys(t, 1, 5)))
	kemKeys := make([]prekeys.KEMSignedPreKey, 5)
	for i := range kemKeys {
		kemKeys[i] = fx.callerACIId.KEMSignedPreKey(t, uint64(100+i))
	}
	require.NoError(t, fx.keys.StoreKEMOneTime(fx.ctx, caller.ACI, 1, kemKeys))

	rec := fx.do(t, testRequest{method: "GET", path: "/v2/keys", auth: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":5,"pqCount":5}`, rec.Body.String())

	rec = fx.do(t, testRequest{method: "GET", path: "/v2/keys?identity=pni", auth: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0,"pqCount":0}`, rec.Body.String())

	rec = fx.do(t, testRequest{method: "GET", path: "/v2/keys?identity=xyz", auth: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, testRequest{method: "GET", path: "/v2/keys"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetBundle_SingleDeviceACI(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/1", fx.target.ACI), auth: true})
	bundle := decodeBundle(t, rec)

	assert.Equal(t, fx.targetACIId.Public, bundle.IdentityKey)
	require.Equal(t, 1, bundle.DevicesCount())
	dev := bundle.Devices[0]
	assert.Equal(t, prekeys.DeviceID(1), dev.DeviceId)
	assert.Equal(t, 999, dev.RegistrationId)
	require.NotNil(t, dev.PreKey)
	assert.Equal(t, uint64(1234), dev.PreKey.KeyId)
	assert.Nil(t, dev.PQPreKey)
	require.NotNil(t, dev.SignedPreKey)
	assert.Equal(t, uint64(1111), dev.SignedPreKey.KeyId)

	assert.Equal(t, 1, fx.keys.Calls("TakeEC"))
	assert.Equal(t, 1, fx.keys.Calls("GetECSigned"))
	assert.Equal(t, 0, fx.keys.Calls("TakeKEM"))
}

func TestGetBundle_PNIWithPQ(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/PNI:%s/1?pq=true", fx.target.PNI), auth: true})
	bundle := decodeBundle(t, rec)

	assert.Equal(t, fx.targetPNIId.Public, bundle.IdentityKey)
	require.Equal(t, 1, bundle.DevicesCount())
	dev := bundle.Devices[0]
	assert.Equal(t, 1717, dev.RegistrationId)
	require.NotNil(t, dev.PreKey)
	assert.Equal(t, uint64(7777), dev.PreKey.KeyId)
	require.NotNil(t, dev.PQPreKey)
	assert.Equal(t, uint64(8888), dev.PQPreKey.KeyId)
	require.NotNil(t, dev.SignedPreKey)
	assert.Equal(t, uint64(4444), dev.SignedPreKey.KeyId)
	assert.Equal(t, 1, fx.keys.Calls("TakeKEM"))
}

func TestGetBundle_Wildcard(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/*", fx.target.ACI), auth: true})
	bundle := decodeBundle(t, rec)

	require.Equal(t, 3, bundle.DevicesCount())
	ids := make([]prekeys.DeviceID, 0, 3)
	for _, dev := range bundle.Devices {
		ids = append(ids, dev.DeviceId)
	}
	assert.Equal(t, []prekeys.DeviceID{1, 2, 4}, ids)

	dev4 := bundle.Devices[2]
	assert.Equal(t, 1555, dev4.RegistrationId)
	assert.Nil(t, dev4.SignedPreKey)
	require.NotNil(t, dev4.PreKey)
	assert.Equal(t, uint64(336), dev4.PreKey.KeyId)
	assert.Equal(t, uint64(5667), bundle.Devices[1].PreKey.KeyId)
	assert.Equal(t, uint64(2222), bundle.Devices[1].SignedPreKey.KeyId)
}

func TestGetBundle_PNIWildcardKeepsDevicesWithoutPNIRegistrationId(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/PNI:%s/*", fx.target.PNI), auth: true})
	bundle := decodeBundle(t, rec)

	require.Equal(t, 3, bundle.DevicesCount())
	assert.Equal(t, 1717, bundle.Devices[0].RegistrationId)
	assert.Equal(t, 1002, bundle.Devices[1].RegistrationId)

	// device 4 has no PNI keys at all
	dev4 := bundle.Devices[2]
	assert.Nil(t, dev4.PreKey)
	assert.Nil(t, dev4.PQPreKey)
	assert.Nil(t, dev4.SignedPreKey)
}

func TestGetBundle_DisabledDeviceById(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/3?pq=true", fx.target.ACI), auth: true})
	bundle := decodeBundle(t, rec)

	require.Equal(t, 1, bundle.DevicesCount())
	dev := bundle.Devices[0]
	assert.Equal(t, uint64(334), dev.PreKey.KeyId)
	assert.Equal(t, uint64(1313), dev.PQPreKey.KeyId)
	assert.Equal(t, uint64(3333), dev.SignedPreKey.KeyId)
}

func TestGetBundle_RateLimited(t *testing.T) {
	fx := newFixture(t)
	var limiterKey string
	fx.svc.Limiters.PreKeys = limiterFunc(func(_ context.Context, key string) error {
		limiterKey = key
		return &ratelimit.RateLimitedError{Key: key, RetryAfter: 31 * time.Second}
	})

	rec := fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/*", fx.target.ACI), auth: true})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "31", rec.Header().Get("Retry-After"))
	assert.Equal(t, fmt.Sprintf("%s.1__%s.*", fx.caller.Account.ACI, fx.target.ACI), limiterKey)
	assert.Equal(t, 0, fx.keys.Calls("TakeEC"))

	// anonymous requests are not rate limited
	accessKey := base64.StdEncoding.EncodeToString(testUAK)
	rec = fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/1", fx.target.ACI), accessKey: accessKey})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetBundle_NotFound(t *testing.T) {
	fx := newFixture(t)

	paths := []string{
		fmt.Sprintf("/v2/keys/%s/22", fx.target.ACI),
		fmt.Sprintf("/v2/keys/PNI:%s/1", fx.target.ACI),
		fmt.Sprintf("/v2/keys/%s/1", fx.target.PNI),
		"/v2/keys/not-a-service-id/1",
	}
	for _, path := range paths {
		rec := fx.do(t, testRequest{method: "GET", path: path, auth: true})
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	rec := fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/abc", fx.target.ACI), auth: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBundle_WildcardWithoutDevice(t *testing.T) {
	fx := newFixture(t)

	lonely := &accounts.Account{
		ACI:            uuid.New(),
		PNI:            uuid.New(),
		ACIIdentityKey: keytest.NewIdentity(t).Public,
		Enabled:        true,
	}
	require.NoError(t, fx.dir.Create(fx.ctx, lonely))
	rec := fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/*", lonely.ACI), auth: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// every device disabled
	lonely.PutDevice(accounts.Device{Id: 1, RegistrationId: 1})
	require.NoError(t, fx.dir.Update(fx.ctx, lonely))
	rec = fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/*", lonely.ACI), auth: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// identity key is required
	rec = fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/PNI:%s/1", lonely.PNI), auth: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBundle_Anonymous(t *testing.T) {
	fx := newFixture(t)
	path := fmt.Sprintf("/v2/keys/%s/1", fx.target.ACI)

	rec := fx.do(t, testRequest{method: "GET", path: path, accessKey: base64.StdEncoding.EncodeToString(testUAK)})
	bundle := decodeBundle(t, rec)
	assert.Equal(t, uint64(1234), bundle.Devices[0].PreKey.KeyId)

	rec = fx.do(t, testRequest{method: "GET", path: path, accessKey: base64.StdEncoding.EncodeToString([]byte("9999999999999999"))})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(t, testRequest{method: "GET", path: path, accessKey: "$$$$$$$$$"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(t, testRequest{method: "GET", path: path})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = fx.do(t, testRequest{method: "GET", path: path, auth: true, accessKey: base64.StdEncoding.EncodeToString(testUAK)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// unknown target
	rec = fx.do(t, testRequest{
		method:    "GET",
		path:      fmt.Sprintf("/v2/keys/%s/1", fx.caller.Account.PNI),
		accessKey: base64.StdEncoding.EncodeToString(testUAK),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetBundle_UnrestrictedUnidentifiedAccess(t *testing.T) {
	fx := newFixture(t)
	acct, err := fx.dir.FindByServiceID(fx.ctx, prekeys.NewACI(fx.target.ACI))
	require.NoError(t, err)
	acct.UnrestrictedUnidentifiedAccess = true
	require.NoError(t, fx.dir.Update(fx.ctx, acct))

	path := fmt.Sprintf("/v2/keys/%s/1", fx.target.ACI)
	rec := fx.do(t, testRequest{method: "GET", path: path, accessKey: base64.StdEncoding.EncodeToString([]byte("9999999999999999"))})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, testRequest{method: "GET", path: path, accessKey: "$$$$$$$$$"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPutKeys_InvalidSignature(t *testing.T) {
	fx := newFixture(t)
	foreign := keytest.NewIdentity(t)

	body := prekeys.SetKeys{
		PreKeys:      keytest.ECPreKeys(t, 1, 3),
		SignedPreKey: ptr(foreign.ECSignedPreKey(t, 8)),
	}
	rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: body, auth: true})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	acct := fx.reloadCaller(t)
	assert.Equal(t, int64(0), acct.Version)
	assert.Nil(t, acct.Device(1).ACISignedPreKey)
	for _, name := range []string{"StoreECOneTime", "StoreKEMOneTime", "StoreLastResort", "StoreECSigned"} {
		assert.Equal(t, 0, fx.keys.Calls(name), name)
	}

	// pq keys are verified too
	body = prekeys.SetKeys{PQPreKeys: []prekeys.KEMSignedPreKey{foreign.KEMSignedPreKey(t, 1)}}
	rec = fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: body, auth: true})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 0, fx.keys.Calls("StoreKEMOneTime"))
}

func TestPutKeys_PNI(t *testing.T) {
	fx := newFixture(t)
	caller := fx.caller.Account

	ec := keytest.ECPreKey(t, 31337)
	signed := fx.callerPNIId.ECSignedPreKey(t, 53)
	pq := fx.callerPNIId.KEMSignedPreKey(t, 31338)
	lastResort := fx.callerPNIId.KEMSignedPreKey(t, 31339)
	body := prekeys.SetKeys{
		PreKeys:            []prekeys.ECPreKey{ec},
		SignedPreKey:       &signed,
		PQPreKeys:          []prekeys.KEMSignedPreKey{pq},
		PQLastResortPreKey: &lastResort,
	}
	rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys?identity=pni", body: body, auth: true})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	assert.Equal(t, 1, fx.keys.Calls("StoreECOneTime"))
	assert.Equal(t, 1, fx.keys.Calls("StoreKEMOneTime"))
	assert.Equal(t, 1, fx.keys.Calls("StoreLastResort"))

	acct := fx.reloadCaller(t)
	require.NotNil(t, acct.Device(1).PNISignedPreKey)
	assert.True(t, signed.Equal(*acct.Device(1).PNISignedPreKey))
	assert.Nil(t, acct.Device(1).ACISignedPreKey)

	stored, err := fx.keys.GetECSigned(fx.ctx, caller.PNI, 1)
	require.NoError(t, err)
	assert.True(t, signed.Equal(*stored))

	taken, err := fx.keys.TakeEC(fx.ctx, caller.PNI, 1)
	require.NoError(t, err)
	assert.True(t, ec.Equal(*taken))
	takenKEM, err := fx.keys.TakeKEM(fx.ctx, caller.PNI, 1)
	require.NoError(t, err)
	assert.True(t, pq.Equal(*takenKEM))
	takenKEM, err = fx.keys.TakeKEM(fx.ctx, caller.PNI, 1)
	require.NoError(t, err)
	assert.True(t, lastResort.Equal(*takenKEM))

	// ACI pools untouched
	count, err := fx.keys.CountEC(fx.ctx, caller.ACI, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPutKeys_Empty(t *testing.T) {
	fx := newFixture(t)

	for _, body := range []string{`{}`, `{"preKeys":[],"pqPreKeys":null}`} {
		rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: body, auth: true})
		assert.Equal(t, http.StatusNoContent, rec.Code, body)
	}
	for _, name := range []string{"StoreECOneTime", "StoreKEMOneTime", "StoreLastResort", "StoreECSigned"} {
		assert.Equal(t, 0, fx.keys.Calls(name), name)
	}
	assert.Equal(t, int64(0), fx.reloadCaller(t).Version)
}

func TestPutKeys_Malformed(t *testing.T) {
	fx := newFixture(t)

	tooMany := prekeys.SetKeys{PreKeys: keytest.ECPreKeys(t, 1, prekeys.MaxOneTimeKeys+1)}
	unsigned := fx.callerACIId.ECSignedPreKey(t, 1)
	unsigned.Signature = nil
	ecAsLastResort := fx.callerACIId.ECSignedPreKey(t, 2)
	signedOneTime := map[string]any{
		"preKeys": []map[string]any{{
			"keyId":     77,
			"publicKey": keytest.ECPublicKey(t),
			"signature": make([]byte, prekeys.SignatureSize),
		}},
	}

	testcases := []struct {
		name string
		path string
		body any
	}{
		{name: "too many", path: "/v2/keys", body: tooMany},
		{name: "unsigned", path: "/v2/keys", body: prekeys.SetKeys{SignedPreKey: &unsigned}},
		{
			name: "EC last resort",
			path: "/v2/keys",
			body: map[string]any{"pqLastResortPreKey": ecAsLastResort},
		},
		{name: "signed one time prekey", path: "/v2/keys", body: signedOneTime},
		{name: "not json", path: "/v2/keys", body: "{preKeys"},
		{name: "bad identity", path: "/v2/keys?identity=foo", body: `{}`},
		{name: "signed missing signature", path: "/v2/keys/signed", body: unsigned},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			rec := fx.do(t, testRequest{method: "PUT", path: tc.path, body: tc.body, auth: true})
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, int64(0), fx.reloadCaller(t).Version)
	assert.Equal(t, 0, fx.keys.Calls("StoreECOneTime"))
}

func TestPutKeys_Unauthenticated(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: `{}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: `{}`, accessKey: base64.StdEncoding.EncodeToString(testUAK)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPutKeys_Replay(t *testing.T) {
	fx := newFixture(t)
	caller := fx.caller.Account
	body := prekeys.SetKeys{PreKeys: keytest.ECPreKeys(t, 10, 20)}

	for range 2 {
		rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: body, auth: true})
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	count, err := fx.keys.CountEC(fx.ctx, caller.ACI, 1)
	require.NoError(t, err)
	assert.Equal(t, 20, count)
}

func TestFetchThenCount(t *testing.T) {
	fx := newFixture(t)
	caller := fx.caller.Account
	body := prekeys.SetKeys{PreKeys: keytest.ECPreKeys(t, 1, 4)}
	rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: body, auth: true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	for range 3 {
		rec = fx.do(t, testRequest{method: "GET", path: fmt.Sprintf("/v2/keys/%s/1", caller.ACI), auth: true})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = fx.do(t, testRequest{method: "GET", path: "/v2/keys", auth: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var count KeyCount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.Equal(t, 1, count.Count)
}

func TestPutSignedKey(t *testing.T) {
	fx := newFixture(t)
	caller := fx.caller.Account

	signed := fx.callerACIId.ECSignedPreKey(t, 77)
	rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys/signed", body: signed, auth: true})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	stored, err := fx.keys.GetECSigned(fx.ctx, caller.ACI, 1)
	require.NoError(t, err)
	assert.True(t, signed.Equal(*stored))
	assert.Equal(t, uint64(77), fx.reloadCaller(t).Device(1).ACISignedPreKey.KeyId)

	// signed with the ACI identity, verified against the PNI one
	rec = fx.do(t, testRequest{method: "PUT", path: "/v2/keys/signed?identity=pni", body: signed, auth: true})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Nil(t, fx.reloadCaller(t).Device(1).PNISignedPreKey)
}

func TestPostCheckKeys(t *testing.T) {
	fx := newFixture(t)
	caller := fx.caller.Account

	signed := fx.callerACIId.ECSignedPreKey(t, 5)
	lastResort := fx.callerACIId.KEMSignedPreKey(t, 6)
	digest := KeysDigest(caller.ACIIdentityKey, &signed, &lastResort)
	check := func(identityType string, digest []byte) int {
		req := CheckKeysRequest{IdentityType: identityType, Digest: digest}
		return fx.do(t, testRequest{method: "POST", path: "/v2/keys/check", body: req, auth: true}).Code
	}

	// no key uploaded yet
	assert.Equal(t, http.StatusConflict, check("aci", digest))

	body := prekeys.SetKeys{SignedPreKey: &signed, PQLastResortPreKey: &lastResort}
	rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: body, auth: true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, http.StatusOK, check("aci", digest))
	assert.Equal(t, http.StatusOK, check("", digest))
	assert.Equal(t, http.StatusConflict, check("pni", digest))
	assert.Equal(t, http.StatusBadRequest, check("aci", digest[:31]))
	assert.Equal(t, http.StatusBadRequest, check("xyz", digest))

	tampered := append([]byte(nil), digest...)
	tampered[0] ^= 1
	assert.Equal(t, http.StatusConflict, check("aci", tampered))
}

func TestPutKeys_PostCommitFailure(t *testing.T) {
	fx := newFixture(t)
	fx.keys.storeFail = errors.New("key store unavailable")

	signed := fx.callerACIId.ECSignedPreKey(t, 9)
	body := prekeys.SetKeys{PreKeys: keytest.ECPreKeys(t, 1, 2), SignedPreKey: &signed}
	rec := fx.do(t, testRequest{method: "PUT", path: "/v2/keys", body: body, auth: true})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// device update stays committed
	acct := fx.reloadCaller(t)
	require.NotNil(t, acct.Device(1).ACISignedPreKey)
	assert.Equal(t, uint64(9), acct.Device(1).ACISignedPreKey.KeyId)
}

func ptr[T any](v T) *T {
	return &v
}
