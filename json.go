package mqrpc

import (
	"encoding/json"
)

// JsonMarshaler passes raw bytes and strings through and JSON-encodes the rest.
type JsonMarshaler struct{}

func (j JsonMarshaler) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	default:
		return json.Marshal(v)
	}
}

func (j JsonMarshaler) Unmarshal(d []byte, v any) error {
	switch p := v.(type) {
	case *[]byte:
		*p = append((*p)[:0], d...)
		return nil
	case *string:
		*p = string(d)
		return nil
	default:
		return json.Unmarshal(d, v)
	}
}

func (j JsonMarshaler) String() string {
	return "json"
}
