package codecs

import jsoniter "github.com/json-iterator/go"

var (
	json   = jsoniter.ConfigCompatibleWithStandardLibrary
	strict = jsoniter.Config{
		EscapeHTML:             true,
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
		DisallowUnknownFields:  true,
	}.Froze()
)

type JSONIterCodec struct {
	api jsoniter.API
}

// NewJSONIter returns a codec compatible with encoding/json.
func NewJSONIter() *JSONIterCodec {
	return &JSONIterCodec{api: json}
}

// NewStrictJSONIter returns a codec that rejects unknown object fields on
// decode. Resolver inputs are decoded with it.
func NewStrictJSONIter() *JSONIterCodec {
	return &JSONIterCodec{api: strict}
}

func (c *JSONIterCodec) Marshal(v any) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c *JSONIterCodec) Unmarshal(data []byte, v any) error {
	return c.api.Unmarshal(data, v)
}
