package parser

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Format is the wire grammar a payload is decoded with
type Format string

const (
	FormatStructured  Format = "structured"
	FormatLegacySlash Format = "legacy_slash"
	FormatInlineKV    Format = "inline_kv"
	FormatQuerySweep  Format = "query_sweep"
)

// ErrNoValidData is matched by every ParseError caused by zero extracted pairs
var ErrNoValidData = errors.New("no valid data")

// ErrTooManyPairs is returned when a payload carries more variables than allowed
var ErrTooManyPairs = errors.New("too many variables in payload")

// ParseError is returned when a payload cannot be decoded
type ParseError struct {
	Format Format
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error (%s): %s", e.Format, e.Reason)
}

// Is lets errors.Is match ErrNoValidData
func (e *ParseError) Is(target error) bool {
	return target == ErrNoValidData && e.Reason == ErrNoValidData.Error()
}

// Pair is one extracted (variable, value) observation.
// WasCoerced is set when the value arrived as text and was converted.
type Pair struct {
	Key        string
	Value      float64
	WasCoerced bool
}

// Result is the ordered outcome of a parse. Skipped holds tokens that were dropped.
type Result struct {
	Format  Format
	Pairs   []Pair
	Skipped []string
}

// Field is one key/value from a structured payload, in arrival order
type Field struct {
	Key   string
	Value interface{}
}

// Payload is the tagged input to Parse. Only the member matching Format is read.
type Payload struct {
	Format   Format
	Fields   []Field
	Text     string
	RawQuery string
}

// DetectFormat picks a grammar from the fields present in a request.
// Structured data wins over raw text. Text with at least one slash-separated
// VAR:VAL segment is legacy even when labels such as FW=v1.2 are mixed in;
// other text containing '=' is inline key=value.
func DetectFormat(hasData bool, rawText string, hasQuery bool) (Format, bool) {
	text := strings.TrimSpace(rawText)
	switch {
	case hasData:
		return FormatStructured, true
	case text != "" && hasLegacySegment(text):
		return FormatLegacySlash, true
	case text != "" && strings.Contains(text, "="):
		return FormatInlineKV, true
	case text != "":
		return FormatLegacySlash, true
	case hasQuery:
		return FormatQuerySweep, true
	default:
		return "", false
	}
}

// ParseFormat resolves an explicitly declared format name. The short
// aliases "legacy" and "inline" are accepted.
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(name))) {
	case FormatStructured:
		return FormatStructured, nil
	case FormatLegacySlash, "legacy":
		return FormatLegacySlash, nil
	case FormatInlineKV, "inline":
		return FormatInlineKV, nil
	case FormatQuerySweep, "query":
		return FormatQuerySweep, nil
	default:
		return "", fmt.Errorf("unknown payload format %q", name)
	}
}

// IsTextFormat reports whether the format is read from raw text
func IsTextFormat(f Format) bool {
	return f == FormatLegacySlash || f == FormatInlineKV
}

func hasLegacySegment(text string) bool {
	for _, segment := range strings.Split(text, "/") {
		if legacySegment.MatchString(segment) {
			return true
		}
	}
	return false
}

var (
	legacySegment = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z0-9_]*)\s*:\s*([+-]?(?:\d+(?:\.\d*)?|\.\d+))\s*$`)
	inlineToken   = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)=([+-]?(?:\d+(?:\.\d*)?|\.\d+))$`)
)

// Parser decodes wire payloads into ordered pairs
type Parser struct {
	maxPairs     int
	reservedKeys []string
}

// New creates a parser. maxPairs <= 0 disables the bound.
func New(maxPairs int, reservedQueryKeys []string) *Parser {
	return &Parser{
		maxPairs:     maxPairs,
		reservedKeys: reservedQueryKeys,
	}
}

// Parse dispatches on the payload's format
func (p *Parser) Parse(payload Payload) (*Result, error) {
	switch payload.Format {
	case FormatStructured:
		return p.ParseStructured(payload.Fields)
	case FormatLegacySlash:
		return p.ParseLegacySlash(payload.Text)
	case FormatInlineKV:
		return p.ParseInlineKV(payload.Text)
	case FormatQuerySweep:
		return p.ParseQuerySweep(payload.RawQuery)
	default:
		return nil, &ParseError{Format: payload.Format, Reason: "unsupported format"}
	}
}

// ParseStructured coerces an already-decoded key/value list. Non-numeric values are skipped.
func (p *Parser) ParseStructured(fields []Field) (*Result, error) {
	b := newBuilder(FormatStructured, p.maxPairs)
	for _, field := range fields {
		value, coerced, ok := coerce(field.Value)
		if !ok || strings.TrimSpace(field.Key) == "" {
			b.skip(fmt.Sprintf("%s=%v", field.Key, field.Value))
			continue
		}
		if err := b.add(field.Key, value, coerced); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

// ParseLegacySlash decodes VAR:VAL/VAR:VAL. Segments that do not match are skipped.
func (p *Parser) ParseLegacySlash(text string) (*Result, error) {
	b := newBuilder(FormatLegacySlash, p.maxPairs)
	for _, segment := range strings.Split(text, "/") {
		if strings.TrimSpace(segment) == "" {
			continue
		}
		m := legacySegment.FindStringSubmatch(segment)
		if m == nil {
			b.skip(segment)
			continue
		}
		value, ok := parseFinite(m[2])
		if !ok {
			b.skip(segment)
			continue
		}
		if err := b.add(m[1], value, false); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

// ParseInlineKV decodes VAR=VAL tokens separated by commas or whitespace
func (p *Parser) ParseInlineKV(text string) (*Result, error) {
	b := newBuilder(FormatInlineKV, p.maxPairs)
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	for _, token := range tokens {
		m := inlineToken.FindStringSubmatch(token)
		if m == nil {
			b.skip(token)
			continue
		}
		value, ok := parseFinite(m[2])
		if !ok {
			b.skip(token)
			continue
		}
		if err := b.add(m[1], value, false); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

// ParseQuerySweep treats every non-reserved query parameter as a candidate number.
// The raw query is walked in order so the result keeps parameter order.
func (p *Parser) ParseQuerySweep(rawQuery string) (*Result, error) {
	b := newBuilder(FormatQuerySweep, p.maxPairs)
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		key, raw, _ := strings.Cut(part, "=")
		key, kerr := queryUnescape(key)
		raw, verr := queryUnescape(raw)
		if kerr != nil || verr != nil {
			b.skip(part)
			continue
		}
		if p.isReserved(key) {
			continue
		}
		value, ok := parseFinite(strings.TrimSpace(raw))
		if !ok || strings.TrimSpace(key) == "" {
			b.skip(part)
			continue
		}
		if err := b.add(key, value, true); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

func (p *Parser) isReserved(key string) bool {
	for _, reserved := range p.reservedKeys {
		if strings.EqualFold(reserved, key) {
			return true
		}
	}
	return false
}

// LegacyText folds the legacy temp/hum parameter pair into slash text.
// A bare numeric temp is labelled with the hum metric code.
func LegacyText(temp, metricCode string) string {
	temp = strings.TrimSpace(temp)
	metricCode = strings.TrimSpace(metricCode)
	if metricCode == "" || strings.Contains(temp, ":") {
		return temp
	}
	if _, ok := parseFinite(temp); ok {
		return metricCode + ":" + temp
	}
	return temp
}

type builder struct {
	format   Format
	maxPairs int
	pairs    []Pair
	index    map[string]int
	skipped  []string
}

func newBuilder(format Format, maxPairs int) *builder {
	return &builder{
		format:   format,
		maxPairs: maxPairs,
		index:    make(map[string]int),
	}
}

// add uppercases the key; a repeated key overwrites the value in its first slot
func (b *builder) add(key string, value float64, coerced bool) error {
	code := strings.ToUpper(strings.TrimSpace(key))
	if i, exists := b.index[code]; exists {
		b.pairs[i].Value = value
		b.pairs[i].WasCoerced = coerced
		return nil
	}
	if b.maxPairs > 0 && len(b.pairs) >= b.maxPairs {
		return ErrTooManyPairs
	}
	b.index[code] = len(b.pairs)
	b.pairs = append(b.pairs, Pair{Key: code, Value: value, WasCoerced: coerced})
	return nil
}

func (b *builder) skip(token string) {
	b.skipped = append(b.skipped, token)
}

func (b *builder) finish() (*Result, error) {
	if len(b.pairs) == 0 {
		return nil, &ParseError{Format: b.format, Reason: ErrNoValidData.Error()}
	}
	return &Result{Format: b.format, Pairs: b.pairs, Skipped: b.skipped}, nil
}

func coerce(v interface{}) (float64, bool, bool) {
	switch t := v.(type) {
	case float64:
		return t, false, isFinite(t)
	case float32:
		return float64(t), false, isFinite(float64(t))
	case int:
		return float64(t), false, true
	case int64:
		return float64(t), false, true
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		return f, false, err == nil && isFinite(f)
	case string:
		f, ok := parseFinite(strings.TrimSpace(t))
		return f, true, ok
	default:
		return 0, false, false
	}
}

func parseFinite(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !isFinite(f) {
		return 0, false
	}
	return f, true
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
