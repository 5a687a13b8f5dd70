package validation

import (
	"strings"
	"testing"
)

func TestParseStreamID(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    int64
		wantErr bool
	}{
		{name: "plain number", raw: "7", want: 7},
		{name: "numeric string with spaces", raw: " 42 ", want: 42},
		{name: "large id", raw: "9007199254740993", want: 9007199254740993},
		{name: "empty", raw: "", wantErr: true},
		{name: "non numeric", raw: "abc", wantErr: true},
		{name: "float", raw: "7.5", wantErr: true},
		{name: "zero", raw: "0", wantErr: true},
		{name: "negative", raw: "-3", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseStreamID(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestValidateChatText(t *testing.T) {
	if err := ValidateChatText("hello"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateChatText("   "); err == nil {
		t.Error("whitespace-only text must be rejected")
	}
	if err := ValidateChatText(strings.Repeat("a", MaxChatMessageLength+1)); err == nil {
		t.Error("over-length text must be rejected")
	}
}

func TestValidateBearerToken(t *testing.T) {
	if err := ValidateBearerToken("aaa.bbb.ccc"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "null", "undefined", "  "} {
		if err := ValidateBearerToken(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com", "https://staging.example.com"}

	if !OriginAllowed("https://app.example.com", allowed) {
		t.Error("listed origin must be allowed")
	}
	if !OriginAllowed("HTTPS://APP.EXAMPLE.COM", allowed) {
		t.Error("origin match is case-insensitive")
	}
	if OriginAllowed("https://evil.example.com", allowed) {
		t.Error("unlisted origin must be rejected")
	}
	if !OriginAllowed("https://anything.example.com", []string{"*"}) {
		t.Error("wildcard allows every origin")
	}
	if !OriginAllowed("", allowed) {
		t.Error("missing Origin header is allowed for non-browser clients")
	}
}
