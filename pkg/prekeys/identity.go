package prekeys

import (
	"strings"

	"github.com/google/uuid"
)

// IdentityKind selects one of the two identity namespaces of an account.
type IdentityKind uint8

const (
	// ACI is the account identifier namespace.
	ACI IdentityKind = iota
	// PNI is the phone number identifier namespace.
	PNI
)

const pniPrefix = "PNI:"

// ParseIdentityKind parses the "identity" query parameter value.
// An empty value selects ACI.
func ParseIdentityKind(s string) (IdentityKind, error) {
	switch strings.ToLower(s) {
	case "", "aci":
		return ACI, nil
	case "pni":
		return PNI, nil
	default:
		return ACI, malformed("unknown identity kind %q", s)
	}
}

func (self IdentityKind) String() string {
	if PNI == self {
		return "pni"
	}
	return "aci"
}

// ServiceIdentifier addresses an account in one of its identity namespaces.
type ServiceIdentifier struct {
	Kind IdentityKind
	UUID uuid.UUID
}

// NewACI returns the ACI ServiceIdentifier for id.
func NewACI(id uuid.UUID) ServiceIdentifier {
	return ServiceIdentifier{Kind: ACI, UUID: id}
}

// NewPNI returns the PNI ServiceIdentifier for id.
func NewPNI(id uuid.UUID) ServiceIdentifier {
	return ServiceIdentifier{Kind: PNI, UUID: id}
}

// ParseServiceIdentifier parses the wire form of a ServiceIdentifier,
// a bare UUID for ACI or "PNI:<uuid>" for PNI.
func ParseServiceIdentifier(s string) (ServiceIdentifier, error) {
	kind := ACI
	if rest, isPni := strings.CutPrefix(s, pniPrefix); isPni {
		kind = PNI
		s = rest
	}
	// uuid.Parse also accepts urn & braced forms, the wire only uses the 36 chars form.
	if 36 != len(s) {
		return ServiceIdentifier{}, malformed("invalid service identifier length")
	}
	id, err := uuid.Parse(s)
	if nil != err {
		return ServiceIdentifier{}, wrapMalformed(err, "invalid service identifier uuid")
	}
	return ServiceIdentifier{Kind: kind, UUID: id}, nil
}

// String returns the wire form of the ServiceIdentifier.
func (self ServiceIdentifier) String() string {
	if PNI == self.Kind {
		return pniPrefix + self.UUID.String()
	}
	return self.UUID.String()
}

func (self ServiceIdentifier) MarshalText() ([]byte, error) {
	return []byte(self.String()), nil
}

func (self *ServiceIdentifier) UnmarshalText(text []byte) error {
	sid, err := ParseServiceIdentifier(string(text))
	if nil != err {
		return err
	}
	*self = sid
	return nil
}
