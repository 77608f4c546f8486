package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
)

// DecodeFields decodes a JSON object into fields, keeping the key order of the document
func DecodeFields(raw json.RawMessage) ([]Field, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read data object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("data must be a JSON object")
	}

	var fields []Field
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read data key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("data key must be a string")
		}

		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("failed to read value for %q: %w", key, err)
		}
		fields = append(fields, Field{Key: key, Value: value})
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to close data object: %w", err)
	}

	return fields, nil
}

func queryUnescape(s string) (string, error) {
	return url.QueryUnescape(s)
}
