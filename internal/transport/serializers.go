package transport

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Serializer is an interface that provides methods to Marshal/Unmarshal messages.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer provides a Serializer that uses json Marshal/Unmarshal
type JSONSerializer struct{}

// Marshal wraps json.Marshal
func (self JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal wraps json.Unmarshal
func (self JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

var _ Serializer = JSONSerializer{}

// CBORSerializer provides a Serializer that uses core deterministic cbor encoding.
type CBORSerializer struct{}

var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if nil != err {
		panic(err)
	}
}

// Marshal encodes v using core deterministic cbor encoding.
func (self CBORSerializer) Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// Unmarshal wraps cbor.Unmarshal
func (self CBORSerializer) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

var _ Serializer = CBORSerializer{}

// Checker is an interface that provides a method Check to validate messages.
type Checker interface {
	Check() error
}

// CheckedSerializer wraps a Serializer ensuring that marshaled/unmarshaled messages
// are validated when they implement Checker.
type CheckedSerializer struct {
	Serializer
}

// WrapInCheckedSerializer returns a CheckedSerializer wrapping s.
func WrapInCheckedSerializer(s Serializer) CheckedSerializer {
	if c, isChecked := s.(CheckedSerializer); isChecked {
		return c
	}

	return CheckedSerializer{Serializer: s}
}

// Marshal validates v if it has a Check method, then marshals it.
func (self CheckedSerializer) Marshal(v any) ([]byte, error) {
	if c, validate := v.(Checker); validate {
		if err := c.Check(); nil != err {
			return nil, utilsWrap(ValidationError, err, "invalid message")
		}
	}

	srzmsg, err := self.Serializer.Marshal(v)
	if nil != err {
		return nil, utilsWrap(SerializationError, err, "failed marshalling message")
	}

	return srzmsg, nil
}

// Unmarshal unmarshals data in v, then validates v if it has a Check method.
func (self CheckedSerializer) Unmarshal(data []byte, v any) error {
	err := self.Serializer.Unmarshal(data, v)
	if nil != err {
		return utilsWrap(SerializationError, err, "failed unmarshalling message")
	}

	if c, checkable := v.(Checker); checkable {
		if err = c.Check(); nil != err {
			return utilsWrap(ValidationError, err, "invalid message")
		}
	}

	return nil
}

var _ Serializer = CheckedSerializer{}
