// Package canonical produces deterministic JSON for golden traces and
// persisted payloads.
//
// Output follows RFC 8785 ordering rules: object keys are sorted by their
// UTF-16 code units, no insignificant whitespace is emitted, and strings are
// NFC-normalized before encoding. Floats are rejected; callers express rates
// and durations as integers (millihertz, nanoseconds).
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes separate hashes of different record kinds.
const (
	DomainTrace    = "framepace/trace/v1"
	DomainDecision = "framepace/decision/v1"
)

// Marshal encodes v canonically. Supported values are nil-free trees of
// map[string]any, []any, []string, string, bool, signed and unsigned
// integers, and time.Duration.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, "$"); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustMarshal is Marshal for values built by this module; it panics on error.
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Hash returns the hex SHA-256 of domain, a zero byte, and the canonical
// encoding of v.
func Hash(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical hash: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func encode(buf *bytes.Buffer, v any, path string) error {
	switch x := v.(type) {
	case nil:
		return fmt.Errorf("%s: null is not allowed", path)
	case string:
		return encodeString(buf, x, path)
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case time.Duration:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case float32, float64:
		return fmt.Errorf("%s: floats are not allowed, use integer units", path)
	case []string:
		buf.WriteByte('[')
		for i, s := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, s, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []any:
		buf.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return encodeObject(buf, x, path)
	default:
		return fmt.Errorf("%s: unsupported type %T", path, v)
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, m map[string]any, path string) error {
	// Keys are normalized before sorting so the order matches the output.
	keys := make([]string, 0, len(m))
	original := make(map[string]string, len(m))
	for k := range m {
		if !utf8.ValidString(k) {
			return fmt.Errorf("%s: invalid UTF-8 in key %q", path, k)
		}
		nk := norm.NFC.String(k)
		if prev, dup := original[nk]; dup {
			return fmt.Errorf("%s: keys %q and %q are equal after NFC normalization", path, prev, k)
		}
		original[nk] = k
		keys = append(keys, nk)
	}
	slices.SortFunc(keys, compareUTF16)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k, path); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encode(buf, m[original[k]], path+"."+k); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// compareUTF16 orders strings by UTF-16 code units, which differs from
// byte order for characters above U+FFFF.
func compareUTF16(a, b string) int {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	return slices.Compare(ua, ub)
}

const hexDigits = "0123456789abcdef"

func encodeString(buf *bytes.Buffer, s, path string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%s: invalid UTF-8", path)
	}
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0xF])
				continue
			}
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}
