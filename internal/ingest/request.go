package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"telemetry-hub/internal/identity"
	"telemetry-hub/internal/parser"
	"telemetry-hub/internal/types"
)

// flexibleID accepts an identifier sent either as a JSON string or a number
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number")
	}
	*f = flexibleID(n.String())
	return nil
}

// JSONBody is the JSON ingestion contract
type JSONBody struct {
	TenantDeviceID flexibleID      `json:"tenantDeviceId"`
	SerialNumber   flexibleID      `json:"serialNumber"`
	LegacyDeviceID flexibleID      `json:"legacyDeviceId"`
	TenantID       string          `json:"tenantId"`
	Source         string          `json:"source"`
	RawText        string          `json:"rawText"`
	Format         string          `json:"format"`
	Data           json.RawMessage `json:"data"`
	Timestamp      *time.Time      `json:"timestamp"`
}

// FromJSON builds a request from a JSON body. defaultSource applies when the body names none.
func FromJSON(body []byte, defaultSource types.TransportSource) (*Request, error) {
	var b JSONBody
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, &ValidationError{Field: "body", Message: "invalid JSON body"}
	}

	req := &Request{
		Source: defaultSource,
		Hints: identity.Hints{
			DeviceRef:  string(b.TenantDeviceID),
			Serial:     string(b.SerialNumber),
			LegacyID:   string(b.LegacyDeviceID),
			TenantHint: strings.TrimSpace(b.TenantID),
		},
		RawPayload:      string(body),
		ClientTimestamp: b.Timestamp,
	}
	if b.Source != "" {
		req.Source = types.TransportSource(strings.ToLower(strings.TrimSpace(b.Source)))
	}

	hasData := len(bytes.TrimSpace(b.Data)) > 0 && !bytes.Equal(bytes.TrimSpace(b.Data), []byte("null"))
	format, ok := parser.DetectFormat(hasData, b.RawText, false)
	if !ok {
		return req, nil
	}
	if b.Format != "" {
		declared, err := TextFormat(b.Format)
		if err != nil {
			return nil, err
		}
		if !hasData {
			format = declared
		}
	}
	req.Payload.Format = format

	if format == parser.FormatStructured {
		fields, err := parser.DecodeFields(b.Data)
		if err != nil {
			return nil, &ValidationError{Field: "data", Message: err.Error()}
		}
		req.Payload.Fields = fields
	} else {
		req.Payload.Text = b.RawText
	}

	return req, nil
}

// TextFormat resolves a declared raw-text grammar. Only the legacy and inline
// grammars can be declared; the others follow from the request shape.
func TextFormat(name string) (parser.Format, error) {
	format, err := parser.ParseFormat(name)
	if err != nil || !parser.IsTextFormat(format) {
		return "", &ValidationError{Field: "format", Message: "format must be legacy_slash or inline_kv"}
	}
	return format, nil
}

// FromQuery builds a request from the query-string form ?serial=...&VAR=NUM
func FromQuery(rawQuery string) (*Request, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, &ValidationError{Field: "query", Message: "malformed query string"}
	}

	serial := values.Get("serial")
	if serial == "" {
		serial = values.Get("serialNumber")
	}

	req := &Request{
		Source: types.SourceHTTP,
		Hints: identity.Hints{
			Serial:   strings.TrimSpace(serial),
			LegacyID: strings.TrimSpace(values.Get("legacyDeviceId")),
		},
		RawPayload: rawQuery,
	}
	if source := values.Get("source"); source != "" {
		req.Source = types.TransportSource(strings.ToLower(source))
	}

	if format, ok := parser.DetectFormat(false, "", rawQuery != ""); ok {
		req.Payload = parser.Payload{Format: format, RawQuery: rawQuery}
	}
	return req, nil
}

// FromLegacyQuery builds a request from the legacy firmware form
// ?temp=VAR:VAL/VAR:VAL&hum=CODE&CID=tenant&DID=serialOrLegacyId
func FromLegacyQuery(rawQuery string) (*Request, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, &ValidationError{Field: "query", Message: "malformed query string"}
	}

	did := strings.TrimSpace(values.Get("DID"))
	if did == "" {
		return nil, &ValidationError{Field: "DID", Message: "DID is required"}
	}
	temp := values.Get("temp")
	if strings.TrimSpace(temp) == "" {
		return nil, &ValidationError{Field: "temp", Message: "temp is required"}
	}

	return &Request{
		Source: types.SourceHTTP,
		Hints: identity.Hints{
			Serial:     did,
			LegacyID:   did,
			TenantHint: strings.TrimSpace(values.Get("CID")),
		},
		Payload: parser.Payload{
			Format: parser.FormatLegacySlash,
			Text:   parser.LegacyText(temp, values.Get("hum")),
		},
		RawPayload: rawQuery,
	}, nil
}
