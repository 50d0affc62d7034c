package keyservice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"code.kerpass.org/prekeys/internal/keytest"
	"code.kerpass.org/prekeys/internal/observability"
	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/auth"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

const callerPassword = "caller-password"

var testUAK = []byte("1337133713371337")

// countingKeyStore records KeyStore calls and may fail store operations.
type countingKeyStore struct {
	prekeys.KeyStore

	mut       sync.Mutex
	calls     map[string]int
	storeFail error
}

func (self *countingKeyStore) count(name string) {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.calls[name] += 1
}

func (self *countingKeyStore) Calls(name string) int {
	self.mut.Lock()
	defer self.mut.Unlock()
	return self.calls[name]
}

func (self *countingKeyStore) Reset() {
	self.mut.Lock()
	defer self.mut.Unlock()
	self.calls = make(map[string]int)
}

func (self *countingKeyStore) TakeEC(ctx context.Context, id uuid.UUID, dev prekeys.DeviceID) (*prekeys.ECPreKey, error) {
	self.count("TakeEC")
	return self.KeyStore.TakeEC(ctx, id, dev)
}

func (self *countingKeyStore) TakeKEM(ctx context.Context, id uuid.UUID, dev prekeys.DeviceID) (*prekeys.KEMSignedPreKey, error) {
	self.count("TakeKEM")
	return self.KeyStore.TakeKEM(ctx, id, dev)
}

func (self *countingKeyStore) GetECSigned(ctx context.Context, id uuid.UUID, dev prekeys.DeviceID) (*prekeys.ECSignedPreKey, error) {
	self.count("GetECSigned")
	return self.KeyStore.GetECSigned(ctx, id, dev)
}

func (self *countingKeyStore) StoreECOneTime(ctx context.Context, id uuid.UUID, dev prekeys.DeviceID, keys []prekeys.ECPreKey) error {
	self.count("StoreECOneTime")
	if nil != self.storeFail {
		return self.storeFail
	}
	return self.KeyStore.StoreECOneTime(ctx, id, dev, keys)
}

func (self *countingKeyStore) StoreKEMOneTime(ctx context.Context, id uuid.UUID, dev prekeys.DeviceID, keys []prekeys.KEMSignedPreKey) error {
	self.count("StoreKEMOneTime")
	if nil != self.storeFail {
		return self.storeFail
	}
	return self.KeyStore.StoreKEMOneTime(ctx, id, dev, keys)
}

func (self *countingKeyStore) StoreLastResort(ctx context.Context, id uuid.UUID, dev prekeys.DeviceID, key prekeys.KEMSignedPreKey) error {
	self.count("StoreLastResort")
	if nil != self.storeFail {
		return self.storeFail
	}
	return self.KeyStore.StoreLastResort(ctx, id, dev, key)
}

func (self *countingKeyStore) StoreECSigned(ctx context.Context, id uuid.UUID, dev prekeys.DeviceID, key prekeys.ECSignedPreKey) error {
	self.count("StoreECSigned")
	if nil != self.storeFail {
		return self.storeFail
	}
	return self.KeyStore.StoreECSigned(ctx, id, dev, key)
}

// limiterFunc adapts a function to ratelimit.Limiter.
type limiterFunc func(ctx context.Context, key string) error

func (self limiterFunc) Validate(ctx context.Context, key string) error {
	return self(ctx, key)
}

// fixture holds a target account with 4 devices, device 3 disabled & device 4
// without signed prekey, and an authenticated caller account.
type fixture struct {
	ctx    context.Context
	keys   *countingKeyStore
	dir    *accounts.MemDirectory
	svc    *Service
	router *mux.Router

	target      *accounts.Account
	targetACIId keytest.Identity
	targetPNIId keytest.Identity

	caller      *auth.AuthenticatedDevice
	callerACIId keytest.Identity
	callerPNIId keytest.Identity
}

func newFixture(t *testing.T) *fixture {
	observability.SetTestLogging(t)
	ctx := context.Background()
	fx := &fixture{
		ctx:         ctx,
		keys:        &countingKeyStore{KeyStore: prekeys.NewMemKeyStore(), calls: make(map[string]int)},
		dir:         accounts.NewMemDirectory(),
		targetACIId: keytest.NewIdentity(t),
		targetPNIId: keytest.NewIdentity(t),
		callerACIId: keytest.NewIdentity(t),
		callerPNIId: keytest.NewIdentity(t),
	}

	// target account
	pniRegId := 1717
	target := &accounts.Account{
		ACI:                   uuid.New(),
		PNI:                   uuid.New(),
		ACIIdentityKey:        fx.targetACIId.Public,
		PNIIdentityKey:        fx.targetPNIId.Public,
		UnidentifiedAccessKey: testUAK,
		Enabled:               true,
	}
	target.PutDevice(accounts.Device{Id: 1, RegistrationId: 999, PNIRegistrationId: &pniRegId, Enabled: true})
	target.PutDevice(accounts.Device{Id: 2, RegistrationId: 1002, Enabled: true})
	target.PutDevice(accounts.Device{Id: 3, RegistrationId: 1002, Enabled: false})
	target.PutDevice(accounts.Device{Id: 4, RegistrationId: 1555, Enabled: true})
	require.NoError(t, fx.dir.Create(ctx, target))
	fx.target = target

	store := fx.keys.KeyStore
	for dev, keyId := range map[prekeys.DeviceID]uint64{1: 1234, 2: 5667, 3: 334, 4: 336} {
		require.NoError(t, store.StoreECOneTime(ctx, target.ACI, dev, []prekeys.ECPreKey{keytest.ECPreKey(t, keyId)}))
	}
	require.NoError(t, store.StoreECOneTime(ctx, target.PNI, 1, []prekeys.ECPreKey{keytest.ECPreKey(t, 7777)}))
	for dev, keyId := range map[prekeys.DeviceID]uint64{1: 2424, 2: 6868, 3: 1313} {
		key := fx.targetACIId.KEMSignedPreKey(t, keyId)
		require.NoError(t, store.StoreKEMOneTime(ctx, target.ACI, dev, []prekeys.KEMSignedPreKey{key}))
	}
	pqPNI := fx.targetPNIId.KEMSignedPreKey(t, 8888)
	require.NoError(t, store.StoreKEMOneTime(ctx, target.PNI, 1, []prekeys.KEMSignedPreKey{pqPNI}))
	for dev, keyId := range map[prekeys.DeviceID]uint64{1: 1111, 2: 2222, 3: 3333} {
		require.NoError(t, store.StoreECSigned(ctx, target.ACI, dev, fx.targetACIId.ECSignedPreKey(t, keyId)))
	}
	for dev, keyId := range map[prekeys.DeviceID]uint64{1: 4444, 2: 5555, 3: 6666} {
		require.NoError(t, store.StoreECSigned(ctx, target.PNI, dev, fx.targetPNIId.ECSignedPreKey(t, keyId)))
	}

	// caller account
	hasher, err := auth.NewTokenHasher(nil)
	require.NoError(t, err)
	hash, salt, err := hasher.NewCredentials(callerPassword)
	require.NoError(t, err)
	caller := &accounts.Account{
		ACI:            uuid.New(),
		PNI:            uuid.New(),
		ACIIdentityKey: fx.callerACIId.Public,
		PNIIdentityKey: fx.callerPNIId.Public,
		Enabled:        true,
	}
	caller.PutDevice(accounts.Device{Id: 1, RegistrationId: 42, Enabled: true, AuthTokenHash: hash, AuthTokenSalt: salt})
	require.NoError(t, fx.dir.Create(ctx, caller))
	fx.caller = &auth.AuthenticatedDevice{Account: caller, Device: caller.Device(1)}

	updater, err := accounts.NewUpdater(fx.dir)
	require.NoError(t, err)
	fx.svc, err = NewService(fx.keys, fx.dir, updater)
	require.NoError(t, err)

	authn, err := auth.NewAuthenticator(fx.dir, hasher)
	require.NoError(t, err)
	handler, err := NewHandler(fx.svc, authn)
	require.NoError(t, err)
	fx.router = mux.NewRouter()
	handler.Register(fx.router)

	fx.keys.Reset()
	return fx
}

// reloadCaller refreshes the caller account from the Directory.
func (self *fixture) reloadCaller(t *testing.T) *accounts.Account {
	acct, err := self.dir.FindByServiceID(self.ctx, prekeys.NewACI(self.caller.Account.ACI))
	require.NoError(t, err)
	return acct
}

func (self *fixture) basicAuth() string {
	creds := self.caller.Account.ACI.String() + ":" + callerPassword
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
}

type testRequest struct {
	method    string
	path      string
	body      any
	auth      bool
	accessKey string
}

func (self *fixture) do(t *testing.T, req testRequest) *httptest.ResponseRecorder {
	var body io.Reader = http.NoBody
	switch b := req.body.(type) {
	case nil:
	case string:
		body = bytes.NewBufferString(b)
	default:
		srz, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewBuffer(srz)
	}
	r := httptest.NewRequest(req.method, req.path, body)
	if req.auth {
		r.Header.Set(auth.AuthorizationHeader, self.basicAuth())
	}
	if "" != req.accessKey {
		r.Header.Set(auth.UnidentifiedAccessHeader, req.accessKey)
	}
	rec := httptest.NewRecorder()
	self.router.ServeHTTP(rec, r)
	return rec
}

func decodeBundle(t *testing.T, rec *httptest.ResponseRecorder) PreKeyResponse {
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rv PreKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rv))
	return rv
}
