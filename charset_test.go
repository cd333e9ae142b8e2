package zipcore

import "testing"

func TestNewNameEncodingDefaultsToCP437(t *testing.T) {
	ne, err := NewNameEncoding("", CharsetStrict)
	if err != nil {
		t.Fatal(err)
	}
	if ne.isUTF8 {
		t.Fatal("empty charset should not be treated as UTF-8")
	}
	// 0x90 is 'É' in CP437.
	got, err := ne.Decode([]byte{0x90}, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "É" {
		t.Fatalf("Decode(0x90) = %q, want É", got)
	}
}

func TestUTF8AliasDetection(t *testing.T) {
	for _, alias := range []string{"utf8", "UTF-8", "CP65001", "Unicode-11", "  utf-8  "} {
		if !isUTF8Alias(alias) {
			t.Errorf("isUTF8Alias(%q) = false, want true", alias)
		}
	}
	if isUTF8Alias("IBM437") {
		t.Fatal("IBM437 should not be treated as a UTF-8 alias")
	}
}

func TestNewNameEncodingUTF8Passthrough(t *testing.T) {
	ne, err := NewNameEncoding("utf-8", CharsetStrict)
	if err != nil {
		t.Fatal(err)
	}
	s := "héllo 中文"
	enc, err := ne.Encode(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(enc) != s {
		t.Fatalf("Encode under UTF-8 charset = %q, want unmodified %q", enc, s)
	}
	dec, err := ne.Decode(enc, false)
	if err != nil {
		t.Fatal(err)
	}
	if dec != s {
		t.Fatalf("Decode = %q, want %q", dec, s)
	}
}

func TestNewNameEncodingUnknownCharset(t *testing.T) {
	if _, err := NewNameEncoding("bogus-charset", CharsetStrict); err == nil {
		t.Fatal("expected error for unknown charset")
	}
}

func TestNameEncodingStrictModeRejectsUnmappable(t *testing.T) {
	ne, err := NewNameEncoding("IBM437", CharsetStrict)
	if err != nil {
		t.Fatal(err)
	}
	// A CJK character has no representation in CP437.
	if _, err := ne.Encode("中文"); err == nil {
		t.Fatal("expected strict-mode encode error for unmappable characters")
	}
}

func TestNameEncodingReplacementModeSubstitutes(t *testing.T) {
	ne, err := NewNameEncoding("IBM437", CharsetReplacement)
	if err != nil {
		t.Fatal(err)
	}
	out, err := ne.Encode("a中b")
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "a?b" {
		t.Fatalf("Encode under replacement mode = %q, want a?b", out)
	}
}

func TestNameEncodingForceUTF8Overrides(t *testing.T) {
	ne, err := NewNameEncoding("IBM437", CharsetStrict)
	if err != nil {
		t.Fatal(err)
	}
	s := "héllo"
	got, err := ne.Decode([]byte(s), true)
	if err != nil {
		t.Fatal(err)
	}
	if got != s {
		t.Fatalf("Decode with forceUTF8 = %q, want %q", got, s)
	}
}

func TestDetectUTF8(t *testing.T) {
	tests := []struct {
		s           string
		valid       bool
		requireUTF8 bool
	}{
		{"hello world", true, false},
		{"h\\ello", true, true}, // backslash forces non-ASCII-plain handling
		{"héllo", true, true},
		{string([]byte{0xff, 0xfe}), false, false},
	}
	for _, tc := range tests {
		valid, require := DetectUTF8(tc.s)
		if valid != tc.valid || require != tc.requireUTF8 {
			t.Errorf("DetectUTF8(%q) = (%v, %v), want (%v, %v)", tc.s, valid, require, tc.valid, tc.requireUTF8)
		}
	}
}

func TestPaddedHex(t *testing.T) {
	if got := paddedHex(0xAB, 4); got != "00ab" {
		t.Fatalf("paddedHex(0xAB, 4) = %q, want 00ab", got)
	}
	if got := paddedHex(0xABCDE, 4); got != "abcde" {
		t.Fatalf("paddedHex(0xABCDE, 4) = %q, want abcde", got)
	}
}

func TestPercentUEscape(t *testing.T) {
	if got := percentUEscape(0x20AC); got != "%U20AC" {
		t.Fatalf("percentUEscape(0x20AC) = %q, want %%U20AC", got)
	}
}
