package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/google/uuid"

	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

const (
	AuthorizationHeader       = "Authorization"
	UnidentifiedAccessHeader  = "Unidentified-Access-Key"
	UnidentifiedAccessKeySize = 16
)

// BasicCredentials are extracted from a Basic Authorization header.
// The user part is "<aci>" or "<aci>.<deviceId>".
type BasicCredentials struct {
	ACI      uuid.UUID
	DeviceId prekeys.DeviceID
	Password string
}

// ParseBasic parses a Basic Authorization header value.
// DeviceId defaults to prekeys.PrimaryDeviceID when the user part has no device.
func ParseBasic(header string) (BasicCredentials, error) {
	var rv BasicCredentials

	scheme, encoded, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold("Basic", scheme) {
		return rv, unauthenticated("unsupported authorization scheme")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if nil != err {
		return rv, unauthenticated("invalid basic credentials encoding")
	}
	user, password, found := strings.Cut(string(decoded), ":")
	if !found || "" == password {
		return rv, unauthenticated("missing password")
	}

	aci, device, hasDevice := strings.Cut(user, ".")
	rv.ACI, err = uuid.Parse(aci)
	if nil != err || 36 != len(aci) {
		return rv, unauthenticated("invalid ACI in basic credentials")
	}
	rv.DeviceId = prekeys.PrimaryDeviceID
	if hasDevice {
		rv.DeviceId, err = prekeys.ParseDeviceID(device)
		if nil != err {
			return rv, unauthenticated("invalid device id in basic credentials")
		}
	}
	rv.Password = password

	return rv, nil
}

// AuthenticatedDevice is the caller of an authenticated request.
type AuthenticatedDevice struct {
	Account *accounts.Account
	Device  *accounts.Device
}

// Authenticator verifies device credentials against a Directory.
type Authenticator struct {
	Directory accounts.Directory
	Hasher    *TokenHasher
}

// NewAuthenticator returns an Authenticator. It errors if any argument is nil.
func NewAuthenticator(dir accounts.Directory, hasher *TokenHasher) (*Authenticator, error) {
	if nil == dir || nil == hasher {
		return nil, wrapError(errors.New("nil argument"), "invalid Authenticator arguments")
	}
	return &Authenticator{Directory: dir, Hasher: hasher}, nil
}

// Authenticate verifies the Basic Authorization header value.
//
// It errors with ErrUnauthenticated if the credentials are invalid or refer to
// an unknown or disabled account or device.
func (self *Authenticator) Authenticate(ctx context.Context, header string) (*AuthenticatedDevice, error) {
	creds, err := ParseBasic(header)
	if nil != err {
		return nil, err
	}

	acct, err := self.Directory.FindByServiceID(ctx, prekeys.NewACI(creds.ACI))
	if errors.Is(err, accounts.ErrNotFound) {
		return nil, unauthenticated("unknown account")
	}
	if nil != err {
		return nil, wrapError(err, "failed loading account")
	}
	dev := acct.Device(creds.DeviceId)
	if nil == dev {
		return nil, unauthenticated("unknown device")
	}
	if !self.Hasher.Verify(creds.Password, dev.AuthTokenHash, dev.AuthTokenSalt) {
		return nil, unauthenticated("invalid password")
	}
	if !acct.Enabled || !dev.Enabled {
		return nil, unauthenticated("disabled account or device")
	}

	return &AuthenticatedDevice{Account: acct, Device: dev}, nil
}

// CheckUnidentifiedAccess verifies the base64 encoded unidentified access key
// presented to fetch acct keys anonymously.
//
// Accounts with UnrestrictedUnidentifiedAccess accept any well formed key.
func CheckUnidentifiedAccess(acct *accounts.Account, encodedKey string) error {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if nil != err || UnidentifiedAccessKeySize != len(key) {
		return unauthenticated("malformed unidentified access key")
	}
	if acct.UnrestrictedUnidentifiedAccess {
		return nil
	}
	if UnidentifiedAccessKeySize != len(acct.UnidentifiedAccessKey) {
		return unauthenticated("account has no unidentified access key")
	}
	if 1 != subtle.ConstantTimeCompare(key, acct.UnidentifiedAccessKey) {
		return unauthenticated("invalid unidentified access key")
	}

	return nil
}
