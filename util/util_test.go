package util

import (
	"testing"
	"time"
)

func TestParseISO8601(t *testing.T) {
	cases := []struct {
		input string
		want  time.Time
	}{
		{"2024-01-02T03:04:05Z", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2024-01-02T03:04:05+02:00", time.Date(2024, 1, 2, 1, 4, 5, 0, time.UTC)},
		// query param decoding turns "+02:00" into " 02:00"
		{"2024-01-02T03:04:05 02:00", time.Date(2024, 1, 2, 1, 4, 5, 0, time.UTC)},
		{"2024-01-02T03:04:05", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"2024-01-02", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
	}

	for _, tc := range cases {
		got, err := ParseISO8601(tc.input)
		if err != nil {
			t.Errorf("ParseISO8601(%q) failed: %v", tc.input, err)
			continue
		}
		if !got.Equal(tc.want) {
			t.Errorf("ParseISO8601(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestParseISO8601Invalid(t *testing.T) {
	for _, input := range []string{"", "not a date", "02.01.2024"} {
		if _, err := ParseISO8601(input); err == nil {
			t.Errorf("ParseISO8601(%q) should have failed", input)
		}
	}
}

func TestDomainFromLink(t *testing.T) {
	cases := []struct {
		link string
		want string
	}{
		{"https://user.com/post/1", "user.com"},
		{"http://User.Com", "user.com"},
		{"https://example.com:8080/path", "example.com"},
		{"https://alice@example.com/profile", "example.com"},
		{"user.com", "user.com"},
		{"user.com/page?x=1", "user.com"},
	}

	for _, tc := range cases {
		if got := DomainFromLink(tc.link); got != tc.want {
			t.Errorf("DomainFromLink(%q) = %q, want %q", tc.link, got, tc.want)
		}
	}
}

func TestIsWeb(t *testing.T) {
	if !IsWeb("https://example.com/") || !IsWeb("http://example.com") {
		t.Error("http(s) URLs should be web ids")
	}
	if IsWeb("example.com") || IsWeb("at://did:plc:abc/post/1") || IsWeb("fake:alice") {
		t.Error("non-URL ids should not be web ids")
	}
}

func TestNormalizeInput(t *testing.T) {
	got := NormalizeInput("hello\nworld <b>")
	want := "hello world &lt;b&gt;"
	if got != want {
		t.Errorf("NormalizeInput = %q, want %q", got, want)
	}
}
