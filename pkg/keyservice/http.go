package keyservice

import (
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"code.kerpass.org/prekeys/internal/transport"
	"code.kerpass.org/prekeys/pkg/auth"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

// maxBodySize bounds uploaded bodies, a full SetKeys is about 250kB.
const maxBodySize = 1 << 20

var jsonSerializer = transport.WrapInCheckedSerializer(transport.JSONSerializer{})

// Handler serves the v2 prekey HTTP API.
type Handler struct {
	Service       *Service
	Authenticator *auth.Authenticator
}

// NewHandler returns a Handler. It errors if any argument is nil.
func NewHandler(svc *Service, authn *auth.Authenticator) (*Handler, error) {
	if nil == svc || nil == authn {
		return nil, newError("nil Service or Authenticator")
	}
	return &Handler{Service: svc, Authenticator: authn}, nil
}

// Register adds the prekey API routes to r.
func (self *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v2/keys", self.GetCount).Methods(http.MethodGet)
	r.HandleFunc("/v2/keys", self.PutKeys).Methods(http.MethodPut)
	r.HandleFunc("/v2/keys/signed", self.PutSignedKey).Methods(http.MethodPut)
	r.HandleFunc("/v2/keys/check", self.PostCheckKeys).Methods(http.MethodPost)
	r.HandleFunc("/v2/keys/{identifier}/{deviceId}", self.GetBundle).Methods(http.MethodGet)
}

// GetCount handles GET /v2/keys?identity={aci|pni}
func (self *Handler) GetCount(w http.ResponseWriter, r *http.Request) {
	caller, err := self.authenticate(r)
	if nil != err {
		writeError(w, r, err)
		return
	}
	kind, err := identityKindOf(r)
	if nil != err {
		writeError(w, r, err)
		return
	}
	count, err := self.Service.Count(r.Context(), caller, kind)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, count)
}

// GetBundle handles GET /v2/keys/{identifier}/{deviceId}?pq={true|false}
func (self *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	var err error

	authorization := r.Header.Get(auth.AuthorizationHeader)
	accessKey := r.Header.Get(auth.UnidentifiedAccessHeader)
	switch {
	case "" != authorization && "" != accessKey:
		writeError(w, r, flagError(ErrBadRequest, "both Authorization and %s headers", auth.UnidentifiedAccessHeader))
		return
	case "" != authorization:
		req.Caller, err = self.Authenticator.Authenticate(r.Context(), authorization)
		if nil != err {
			writeError(w, r, err)
			return
		}
	case "" != accessKey:
		req.AccessKey = accessKey
	default:
		writeError(w, r, flagError(auth.ErrUnauthenticated, "missing credentials"))
		return
	}

	vars := mux.Vars(r)
	req.Target, err = prekeys.ParseServiceIdentifier(vars["identifier"])
	if nil != err {
		writeError(w, r, flagError(ErrNotFound, "invalid service identifier"))
		return
	}
	req.Selector, err = ParseDeviceSelector(vars["deviceId"])
	if nil != err {
		writeError(w, r, err)
		return
	}
	req.PQ = strings.EqualFold("true", r.URL.Query().Get("pq"))

	bundle, err := self.Service.FetchBundle(r.Context(), req)
	if nil != err {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, bundle)
}

// PutKeys handles PUT /v2/keys?identity={aci|pni}
func (self *Handler) PutKeys(w http.ResponseWriter, r *http.Request) {
	caller, kind, err := self.authenticateWithKind(r)
	if nil != err {
		writeError(w, r, err)
		return
	}
	var keys prekeys.SetKeys
	if err = readJSON(w, r, &keys); nil != err {
		writeError(w, r, err)
		return
	}
	if err = self.Service.SetKeys(r.Context(), caller, kind, &keys); nil != err {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PutSignedKey handles PUT /v2/keys/signed?identity={aci|pni}
func (self *Handler) PutSignedKey(w http.ResponseWriter, r *http.Request) {
	caller, kind, err := self.authenticateWithKind(r)
	if nil != err {
		writeError(w, r, err)
		return
	}
	var key prekeys.ECSignedPreKey
	if err = readJSON(w, r, &key); nil != err {
		writeError(w, r, err)
		return
	}
	if err = self.Service.SetSignedKey(r.Context(), caller, kind, key); nil != err {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckKeysRequest is the body of POST /v2/keys/check
type CheckKeysRequest struct {
	IdentityType string `json:"identityType"`
	Digest       []byte `json:"digest"`
}

// PostCheckKeys handles POST /v2/keys/check
func (self *Handler) PostCheckKeys(w http.ResponseWriter, r *http.Request) {
	caller, err := self.authenticate(r)
	if nil != err {
		writeError(w, r, err)
		return
	}
	var req CheckKeysRequest
	if err = readJSON(w, r, &req); nil != err {
		writeError(w, r, err)
		return
	}
	kind, err := prekeys.ParseIdentityKind(req.IdentityType)
	if nil != err {
		writeError(w, r, err)
		return
	}
	if err = self.Service.CheckKeys(r.Context(), caller, kind, req.Digest); nil != err {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (self *Handler) authenticate(r *http.Request) (*auth.AuthenticatedDevice, error) {
	authorization := r.Header.Get(auth.AuthorizationHeader)
	if "" == authorization {
		return nil, flagError(auth.ErrUnauthenticated, "missing Authorization header")
	}
	return self.Authenticator.Authenticate(r.Context(), authorization)
}

func (self *Handler) authenticateWithKind(r *http.Request) (*auth.AuthenticatedDevice, prekeys.IdentityKind, error) {
	caller, err := self.authenticate(r)
	if nil != err {
		return nil, prekeys.ACI, err
	}
	kind, err := identityKindOf(r)
	return caller, kind, err
}

func identityKindOf(r *http.Request) (prekeys.IdentityKind, error) {
	return prekeys.ParseIdentityKind(r.URL.Query().Get("identity"))
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if nil != err {
		return flagError(ErrBadRequest, "failed reading body, %v", err)
	}
	return jsonSerializer.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	body, err := jsonSerializer.Marshal(v)
	if nil != err {
		writeError(w, r, wrapError(err, "failed encoding response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
