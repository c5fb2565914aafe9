package export

import (
	"strings"
	"testing"
)

func TestSanitizeName_ControlChars(t *testing.T) {
	got := SanitizeName(" A\nB\rC\tD\x00 ", 100)
	if strings.ContainsAny(got, "\n\r\t\x00") {
		t.Fatalf("sanitize output contains control chars: %q", got)
	}
	if got != "ABCD" {
		t.Fatalf("SanitizeName control char behavior mismatch, got %q", got)
	}
}

func TestSanitizeName_MaxLength(t *testing.T) {
	got := SanitizeName("abcdefghijklmnopqrstuvwxyz", 10)
	if len([]rune(got)) != 10 {
		t.Fatalf("expected length 10, got %d (%q)", len([]rune(got)), got)
	}
}

func TestSanitizeName_AllowedChars(t *testing.T) {
	input := "Az09 -_.,()"
	got := SanitizeName(input, 100)
	if got != input {
		t.Fatalf("SanitizeName changed allowed chars: got %q want %q", got, input)
	}
}

func TestSanitizeName_ReplacesDisallowed(t *testing.T) {
	got := SanitizeName("bad<>|\"name", 100)
	if got != "bad____name" {
		t.Fatalf("SanitizeName disallowed replacement mismatch: got %q", got)
	}
}

func TestObjectName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"weekly sync", "weekly_sync"},
		{"room/../../etc", "room_.._.._etc"},
		{"...hidden", "hidden"},
		{"", "export"},
		{"\x00\x01", "export"},
		{"Interview (final), v2", "Interview__final___v2"},
	}
	for _, tc := range tests {
		if got := ObjectName(tc.in); got != tc.want {
			t.Errorf("ObjectName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
