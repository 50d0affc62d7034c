package utils

import (
	"encoding/base64"
)

// B64Binary is a []byte that marshals to standard padded base64 text.
// It is used where a text format has no native binary type, eg TOML seed files.
type B64Binary []byte

func (self *B64Binary) UnmarshalText(text []byte) error {
	dst := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(dst, text)
	if nil != err {
		return err
	}

	*self = B64Binary(dst[:n])
	return nil
}

func (self B64Binary) MarshalText() ([]byte, error) {
	dst := make([]byte, base64.StdEncoding.EncodedLen(len(self)))
	base64.StdEncoding.Encode(dst, self)
	return dst, nil
}
