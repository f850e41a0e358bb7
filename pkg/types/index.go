package types

import (
	"fmt"
	"strings"
)

// DefaultIndexName is the namespace used when no index is specified or
// when a reserved name is requested.
const DefaultIndexName = "default"

// IndexNameMaxLength bounds normalized index names. The limit matches
// common vector store collection name limits.
const IndexNameMaxLength = 128

// reservedIndexNames are replaced with DefaultIndexName. Checked after
// lowercasing and underscore replacement.
var reservedIndexNames = map[string]bool{
	"":         true,
	"default":  true,
	"-default": true,
}

// NormalizeIndexName canonicalizes an index name: lowercase, underscores
// become hyphens, reserved names map to "default". Names with characters
// outside [a-z0-9.-] or longer than IndexNameMaxLength are rejected.
func NormalizeIndexName(name string) (string, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, "_", "-")

	if reservedIndexNames[name] {
		return DefaultIndexName, nil
	}
	if len(name) > IndexNameMaxLength {
		return "", fmt.Errorf("index name exceeds %d characters", IndexNameMaxLength)
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '.' {
			return "", fmt.Errorf("index name contains invalid character %q", r)
		}
	}
	return name, nil
}

// ValidateDocumentID checks a client-supplied document id against the
// same rules index names are normalized with. Unlike index names the id
// is not rewritten; a non-canonical id is an error.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document id is empty")
	}
	if len(id) > IndexNameMaxLength {
		return fmt.Errorf("document id exceeds %d characters", IndexNameMaxLength)
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' && r != '.' {
			return fmt.Errorf("document id contains invalid character %q", r)
		}
	}
	return nil
}
