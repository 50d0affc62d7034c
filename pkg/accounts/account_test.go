package accounts

import (
	"testing"

	"github.com/google/uuid"

	"code.kerpass.org/prekeys/pkg/prekeys"
)

func newTestAccount(deviceIds ...prekeys.DeviceID) *Account {
	acct := &Account{
		ACI:     uuid.New(),
		PNI:     uuid.New(),
		Enabled: true,
	}
	for _, id := range deviceIds {
		acct.PutDevice(Device{Id: id, RegistrationId: 100 + int(id), Enabled: true})
	}
	return acct
}

func TestAccountPutDevice_Ordered(t *testing.T) {
	acct := newTestAccount(3, 1, 2)
	if err := acct.Check(); nil != err {
		t.Fatalf("failed Check, got error %v", err)
	}
	for i, dev := range acct.Devices {
		if prekeys.DeviceID(i+1) != dev.Id {
			t.Fatalf("device #%d has id %d", i, dev.Id)
		}
	}

	acct.PutDevice(Device{Id: 2, RegistrationId: 7})
	if 3 != len(acct.Devices) {
		t.Fatalf("PutDevice inserted a duplicate, got %d devices", len(acct.Devices))
	}
	if 7 != acct.Device(2).RegistrationId {
		t.Errorf("PutDevice did not replace device 2")
	}
	if nil != acct.Device(4) {
		t.Errorf("found unknown device 4")
	}
}

func TestAccountCheck(t *testing.T) {
	testcases := []struct {
		name   string
		mutate func(*Account)
	}{
		{name: "nil ACI", mutate: func(a *Account) { a.ACI = uuid.Nil }},
		{name: "PNI is ACI", mutate: func(a *Account) { a.PNI = a.ACI }},
		{name: "device 0", mutate: func(a *Account) { a.Devices[0].Id = 0 }},
		{name: "unordered", mutate: func(a *Account) { a.Devices[0].Id = 5 }},
		{name: "bad identity key", mutate: func(a *Account) { a.ACIIdentityKey = []byte{5, 1, 2} }},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			acct := newTestAccount(1, 2)
			tc.mutate(acct)
			if nil == acct.Check() {
				t.Errorf("Check accepted invalid account")
			}
		})
	}
}

func TestAccountClone_Deep(t *testing.T) {
	acct := newTestAccount(1)
	regId := 42
	acct.Devices[0].PNIRegistrationId = &regId
	acct.Devices[0].SetSignedPreKey(prekeys.ACI, prekeys.ECSignedPreKey{KeyId: 9, PublicKey: []byte{5, 1}})

	clone := acct.Clone()
	clone.Devices[0].RegistrationId = 1
	*clone.Devices[0].PNIRegistrationId = 1
	clone.Devices[0].ACISignedPreKey.PublicKey[1] = 0xff

	dev := acct.Device(1)
	if 101 != dev.RegistrationId || 42 != *dev.PNIRegistrationId {
		t.Errorf("Clone shares registration ids")
	}
	if 1 != dev.ACISignedPreKey.PublicKey[1] {
		t.Errorf("Clone shares signed prekey")
	}
}

func TestDeviceRegistrationIdFor(t *testing.T) {
	dev := Device{Id: 1, RegistrationId: 999}
	if 999 != dev.RegistrationIdFor(prekeys.PNI) {
		t.Errorf("PNI registration id does not fall back to classical one")
	}
	regId := 1717
	dev.PNIRegistrationId = &regId
	if 1717 != dev.RegistrationIdFor(prekeys.PNI) {
		t.Errorf("PNI registration id ignored")
	}
	if 999 != dev.RegistrationIdFor(prekeys.ACI) {
		t.Errorf("ACI registration id altered")
	}
}

func TestAccountIdentity(t *testing.T) {
	acct := newTestAccount(1)
	acct.PNIIdentityKey = []byte{5}
	if !acct.IsIdentifiedBy(prekeys.NewACI(acct.ACI)) {
		t.Errorf("ACI does not identify account")
	}
	if !acct.IsIdentifiedBy(prekeys.NewPNI(acct.PNI)) {
		t.Errorf("PNI does not identify account")
	}
	if acct.IsIdentifiedBy(prekeys.NewPNI(acct.ACI)) {
		t.Errorf("ACI used as PNI identifies account")
	}
	if nil != acct.IdentityKey(prekeys.ACI) || 1 != len(acct.IdentityKey(prekeys.PNI)) {
		t.Errorf("IdentityKey mixed up kinds")
	}
}
