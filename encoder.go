package glowq

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Encoder serializes job payloads and the job envelope stored in Redis.
type Encoder interface {
	Encode(any) ([]byte, error)
	Decode([]byte, any) error
}

// JSONEncoder encodes with encoding/json and decodes with sonic.
// The envelope must stay JSON because members are scanned by the runtime.
type JSONEncoder struct{}

func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// encodePayload turns an Enqueue payload into the raw JSON stored on the job.
// json.RawMessage and []byte are taken as already-encoded JSON and only
// validated; nil becomes "null".
func encodePayload(enc Encoder, payload any) (json.RawMessage, error) {
	var raw []byte
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := enc.Encode(payload)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	if !sonic.Valid(raw) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrInvalidPayload)
	}
	return json.RawMessage(raw), nil
}
