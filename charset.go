package zipcore

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// CharsetMode selects how NameEncoding handles characters that cannot be
// represented in the configured charset (§4.B).
type CharsetMode int

const (
	// CharsetStrict reports malformed or unmappable code units as errors.
	CharsetStrict CharsetMode = iota
	// CharsetReplacement substitutes '?' for unmappable characters and, on
	// decode, falls back to a %UXXXX escape for code units the charset
	// cannot express on its own.
	CharsetReplacement
)

// utf8Aliases lists the spellings archives in the wild use for "this name
// is already UTF-8", matched case-insensitively. Detection must be
// alias-aware (§4.B).
var utf8Aliases = map[string]bool{
	"utf8":       true,
	"utf-8":      true,
	"cp65001":    true,
	"unicode-11": true,
}

func isUTF8Alias(name string) bool {
	return utf8Aliases[strings.ToLower(strings.TrimSpace(name))]
}

// NameEncoding encodes and decodes ZIP entry names and comments using a
// configurable charset, defaulting to code page 437 as PKZIP's APPNOTE
// specifies. UTF-8 is handled specially: when the charset is (an alias of)
// UTF-8, or when the general-purpose UTF-8 flag is set on read, bytes are
// interpreted directly as UTF-8 rather than funneled through the
// encoding.Encoding machinery.
type NameEncoding struct {
	// Charset names the configured charset, e.g. "IBM437", "UTF-8". Empty
	// means the default (IBM437).
	Charset string
	Mode    CharsetMode

	enc    encoding.Encoding
	isUTF8 bool
}

// NewNameEncoding builds a NameEncoding for the given charset name and
// mode. An empty charset defaults to code page 437.
func NewNameEncoding(charset string, mode CharsetMode) (*NameEncoding, error) {
	ne := &NameEncoding{Charset: charset, Mode: mode}
	if charset == "" || isUTF8Alias(charset) {
		ne.isUTF8 = isUTF8Alias(charset) || charset == ""
		if charset == "" {
			ne.enc = charmap.CodePage437
			ne.isUTF8 = false
		}
		return ne, nil
	}
	enc, err := charsetByName(charset)
	if err != nil {
		return nil, err
	}
	ne.enc = enc
	return ne, nil
}

func charsetByName(name string) (encoding.Encoding, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "IBM437", "CP437", "437":
		return charmap.CodePage437, nil
	case "IBM850", "CP850", "850":
		return charmap.CodePage850, nil
	case "ISO-8859-1", "LATIN1":
		return charmap.ISO8859_1, nil
	case "WINDOWS-1252", "CP1252":
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("zipcore: unknown charset %q", name)
	}
}

// DetectUTF8 reports whether s is valid UTF-8, and whether it must be
// treated as UTF-8 (i.e. is not plausibly CP-437/ASCII compatible).
// Adapted from the teacher's detectUTF8 in writer.go.
func DetectUTF8(s string) (valid, require bool) {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r < 0x20 || r > 0x7d || r == 0x5c {
			if !utf8.ValidRune(r) || (r == utf8.RuneError && size == 1) {
				return false, false
			}
			require = true
		}
	}
	return true, require
}

// Encode converts s into archive bytes using the configured charset, per
// ne.Mode (strict or replacement). When the charset is UTF-8, s is returned
// unmodified.
func (ne *NameEncoding) Encode(s string) ([]byte, error) {
	if ne.isUTF8 || ne.enc == nil {
		return []byte(s), nil
	}
	encoder := ne.enc.NewEncoder()
	out, err := encoder.Bytes([]byte(s))
	if err == nil {
		return out, nil
	}
	if ne.Mode == CharsetStrict {
		return nil, fmt.Errorf("zipcore: cannot encode %q in charset %s: %w", s, ne.Charset, err)
	}
	return ne.encodeReplacement(s), nil
}

// encodeReplacement encodes s rune by rune, substituting '?' (replacement
// mode) for characters the charset cannot express, used only once strict
// encoding has already failed.
func (ne *NameEncoding) encodeReplacement(s string) []byte {
	var out []byte
	encoder := ne.enc.NewEncoder()
	for _, r := range s {
		b, err := encoder.Bytes([]byte(string(r)))
		if err != nil || len(b) == 0 {
			out = append(out, '?')
			continue
		}
		out = append(out, b...)
	}
	return out
}

// Decode converts archive bytes back into a string. If forceUTF8 is true
// (the general-purpose UTF-8 bit was set) b is interpreted directly as
// UTF-8 regardless of the configured charset.
func (ne *NameEncoding) Decode(b []byte, forceUTF8 bool) (string, error) {
	if forceUTF8 || ne.isUTF8 || ne.enc == nil {
		return string(b), nil
	}
	decoder := ne.enc.NewDecoder()
	out, err := decoder.Bytes(b)
	if err == nil {
		return string(out), nil
	}
	if ne.Mode == CharsetStrict {
		return "", fmt.Errorf("zipcore: cannot decode bytes in charset %s: %w", ne.Charset, err)
	}
	return ne.decodeWithFallback(b), nil
}

// decodeWithFallback decodes byte-by-byte, escaping any code unit the
// charset cannot map as a 6-character %UXXXX sequence using uppercase hex,
// per §4.B.
func (ne *NameEncoding) decodeWithFallback(b []byte) string {
	decoder := ne.enc.NewDecoder()
	var sb strings.Builder
	for _, c := range b {
		out, err := decoder.Bytes([]byte{c})
		if err != nil || len(out) == 0 {
			sb.WriteString("%U")
			sb.WriteString(strings.ToUpper(fmt.Sprintf("%04x", c)))
			continue
		}
		sb.Write(out)
	}
	return sb.String()
}

// percentUEscape renders a single code point as the %UXXXX fallback form.
func percentUEscape(r rune) string {
	return "%U" + strings.ToUpper(paddedHex(int64(r), 4))
}

func paddedHex(v int64, width int) string {
	s := strconv.FormatInt(v, 16)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}
