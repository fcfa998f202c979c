package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// KeySpec controls which request attributes participate in cache keys.
type KeySpec struct {
	// IncludeMethod includes the request method in the key.
	IncludeMethod bool

	// IncludePath includes the request path in the key.
	IncludePath bool

	// QueryParams is the allow-list of query parameters to include.
	QueryParams []string

	// Headers is the allow-list of header names to include.
	Headers []string
}

// DefaultKeySpec returns the key spec used for response caching: method,
// path, full query, and the headers that change response identity.
func DefaultKeySpec() KeySpec {
	return KeySpec{
		IncludeMethod: true,
		IncludePath:   true,
		QueryParams:   nil, // nil means all query parameters
		Headers:       []string{"Authorization", "Content-Type", "Accept"},
	}
}

// Build generates a deterministic cache key from request attributes.
// Multi-valued attributes are sorted so equivalent requests share a key.
func (spec KeySpec) Build(method, path string, query, header map[string][]string) string {
	var parts []string

	if spec.IncludeMethod {
		parts = append(parts, method)
	}
	if spec.IncludePath {
		parts = append(parts, path)
	}

	if queryPart := buildValuesPart("q", query, spec.QueryParams); queryPart != "" {
		parts = append(parts, queryPart)
	}
	if headerPart := buildValuesPart("h", header, spec.Headers); headerPart != "" {
		parts = append(parts, headerPart)
	}

	return strings.Join(parts, ":")
}

// buildValuesPart renders an allow-listed subset of a multi-value map in a
// deterministic order. A nil allow-list selects every name.
func buildValuesPart(label string, values map[string][]string, allowed []string) string {
	if len(values) == 0 {
		return ""
	}

	names := allowed
	if names == nil {
		names = make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
	} else {
		names = append([]string(nil), names...)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		for _, v := range values[name] {
			parts = append(parts, name+"="+v)
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return label + ":" + strings.Join(parts, "&")
}

// HashKey hashes a key to a fixed length.
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// SanitizeKey removes characters that might cause issues in cache keys.
func SanitizeKey(key string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		"\n", "",
		"\r", "",
		"\t", "",
	)
	return replacer.Replace(key)
}
