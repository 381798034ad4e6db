package codec

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/buger/jsonparser"

	"domain-rpc/message"
)

// JSONCodec encodes with encoding/json and classifies with a single
// jsonparser pass over the top level keys.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte) (*Decoded, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("decode %q: %w", truncate(data), ErrParse)
	}

	d := &Decoded{}
	malformed := false
	err := jsonparser.ObjectEach(data, func(key, value []byte, typ jsonparser.ValueType, _ int) error {
		switch string(key) {
		case "id":
			d.HasID = false
			if typ == jsonparser.Number {
				d.ID, d.HasID = parseID(value)
			}
		case "method":
			d.HasMethod = false
			if typ == jsonparser.String {
				if method, err := jsonparser.ParseString(value); err == nil {
					d.Method, d.HasMethod = method, true
				}
			}
		case "params":
			d.Params = raw(value, typ)
		case "result":
			d.Result, d.HasResult = raw(value, typ), true
		case "error":
			d.HasError = false
			d.Error = nil
			if typ == jsonparser.Null {
				return nil
			}
			d.HasError = true
			if typ != jsonparser.Object {
				malformed = true
				return nil
			}
			var e message.Error
			if err := json.Unmarshal(value, &e); err != nil {
				malformed = true
				return nil
			}
			d.Error = &e
		}
		return nil
	})
	if err != nil {
		// Valid JSON that is not an object: a number, array, string or null.
		return &Decoded{Kind: KindMalformed}, nil
	}

	d.Kind = d.classify()
	if malformed && d.Kind == KindResponse {
		d.Kind = KindMalformed
	}
	return d, nil
}

// parseID accepts any integral JSON number, so 2.0 and 1e1 are ids too.
func parseID(value []byte) (int64, bool) {
	if id, err := jsonparser.ParseInt(value); err == nil {
		return id, true
	}
	f, err := jsonparser.ParseFloat(value)
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// raw rebuilds the JSON text of a value handed out by jsonparser, which strips
// the quotes of strings.
func raw(value []byte, typ jsonparser.ValueType) json.RawMessage {
	if typ == jsonparser.String {
		out := make([]byte, 0, len(value)+2)
		out = append(out, '"')
		out = append(out, value...)
		return append(out, '"')
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}

func truncate(data []byte) string {
	const max = 64
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
