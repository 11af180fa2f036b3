package util

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"
)

//go:embed version.txt
var embeddedVersion string

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func NormalizeInput(text string) string {
	normalized := strings.Replace(text, "\n", " ", -1)
	normalized = html.EscapeString(normalized)
	return normalized
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// ParseISO8601 accepts both RFC 3339 and timezone-less ISO 8601 timestamps.
// Query params arrive with "+" decoded to " ", so that's undone first.
func ParseISO8601(val string) (time.Time, error) {
	val = strings.Replace(val, " ", "+", -1)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, val); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("could not parse %q as ISO8601", val)
}

// DomainFromLink extracts the host from a URL or bare domain, lower cased.
func DomainFromLink(link string) string {
	link = strings.TrimSpace(link)
	if idx := strings.Index(link, "://"); idx >= 0 {
		link = link[idx+3:]
	}
	if idx := strings.IndexAny(link, "/?#"); idx >= 0 {
		link = link[:idx]
	}
	if idx := strings.Index(link, "@"); idx >= 0 {
		link = link[idx+1:]
	}
	if idx := strings.Index(link, ":"); idx >= 0 {
		link = link[:idx]
	}
	return strings.ToLower(link)
}

// IsWeb reports whether id is an http(s) URL.
func IsWeb(id string) bool {
	return strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://")
}
