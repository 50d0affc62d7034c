package mongodb

import (
	"github.com/google/uuid"

	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

type accountDoc struct {
	ACI                            string      `bson:"_id"`
	PNI                            string      `bson:"pni"`
	ACIIdentityKey                 []byte      `bson:"aciIdentityKey,omitempty"`
	PNIIdentityKey                 []byte      `bson:"pniIdentityKey,omitempty"`
	UnidentifiedAccessKey          []byte      `bson:"uak,omitempty"`
	UnrestrictedUnidentifiedAccess bool        `bson:"uua"`
	Enabled                        bool        `bson:"enabled"`
	Devices                        []deviceDoc `bson:"devices"`
	Version                        int64       `bson:"version"`
}

type deviceDoc struct {
	Id                int           `bson:"id"`
	RegistrationId    int           `bson:"registrationId"`
	PNIRegistrationId *int          `bson:"pniRegistrationId,omitempty"`
	Enabled           bool          `bson:"enabled"`
	ACISignedPreKey   *signedKeyDoc `bson:"aciSignedPreKey,omitempty"`
	PNISignedPreKey   *signedKeyDoc `bson:"pniSignedPreKey,omitempty"`
	AuthTokenHash     []byte        `bson:"authTokenHash,omitempty"`
	AuthTokenSalt     []byte        `bson:"authTokenSalt,omitempty"`
}

// signedKeyDoc KeyId is stored as int64, bson has no unsigned integer.
type signedKeyDoc struct {
	KeyId     int64  `bson:"keyId"`
	PublicKey []byte `bson:"publicKey"`
	Signature []byte `bson:"signature"`
}

func toAccountDoc(acct *accounts.Account) accountDoc {
	doc := accountDoc{
		ACI:                            acct.ACI.String(),
		PNI:                            acct.PNI.String(),
		ACIIdentityKey:                 acct.ACIIdentityKey,
		PNIIdentityKey:                 acct.PNIIdentityKey,
		UnidentifiedAccessKey:          acct.UnidentifiedAccessKey,
		UnrestrictedUnidentifiedAccess: acct.UnrestrictedUnidentifiedAccess,
		Enabled:                        acct.Enabled,
		Devices:                        make([]deviceDoc, 0, len(acct.Devices)),
		Version:                        acct.Version,
	}
	for _, dev := range acct.Devices {
		doc.Devices = append(doc.Devices, deviceDoc{
			Id:                int(dev.Id),
			RegistrationId:    dev.RegistrationId,
			PNIRegistrationId: dev.PNIRegistrationId,
			Enabled:           dev.Enabled,
			ACISignedPreKey:   toSignedKeyDoc(dev.ACISignedPreKey),
			PNISignedPreKey:   toSignedKeyDoc(dev.PNISignedPreKey),
			AuthTokenHash:     dev.AuthTokenHash,
			AuthTokenSalt:     dev.AuthTokenSalt,
		})
	}
	return doc
}

func toSignedKeyDoc(key *prekeys.ECSignedPreKey) *signedKeyDoc {
	if nil == key {
		return nil
	}
	return &signedKeyDoc{
		KeyId:     int64(key.KeyId),
		PublicKey: key.PublicKey,
		Signature: key.Signature,
	}
}

func (self *accountDoc) account() (*accounts.Account, error) {
	aci, err := uuid.Parse(self.ACI)
	if nil != err {
		return nil, wrapError(err, "invalid stored ACI")
	}
	pni, err := uuid.Parse(self.PNI)
	if nil != err {
		return nil, wrapError(err, "invalid stored PNI")
	}
	acct := &accounts.Account{
		ACI:                            aci,
		PNI:                            pni,
		ACIIdentityKey:                 self.ACIIdentityKey,
		PNIIdentityKey:                 self.PNIIdentityKey,
		UnidentifiedAccessKey:          self.UnidentifiedAccessKey,
		UnrestrictedUnidentifiedAccess: self.UnrestrictedUnidentifiedAccess,
		Enabled:                        self.Enabled,
		Version:                        self.Version,
	}
	for _, dd := range self.Devices {
		if dd.Id <= 0 || dd.Id > 255 {
			return nil, newError("invalid stored device id %d", dd.Id)
		}
		acct.PutDevice(accounts.Device{
			Id:                prekeys.DeviceID(dd.Id),
			RegistrationId:    dd.RegistrationId,
			PNIRegistrationId: dd.PNIRegistrationId,
			Enabled:           dd.Enabled,
			ACISignedPreKey:   dd.ACISignedPreKey.key(),
			PNISignedPreKey:   dd.PNISignedPreKey.key(),
			AuthTokenHash:     dd.AuthTokenHash,
			AuthTokenSalt:     dd.AuthTokenSalt,
		})
	}
	return acct, nil
}

func (self *signedKeyDoc) key() *prekeys.ECSignedPreKey {
	if nil == self {
		return nil
	}
	return &prekeys.ECSignedPreKey{
		KeyId:     uint64(self.KeyId),
		PublicKey: self.PublicKey,
		Signature: self.Signature,
	}
}
