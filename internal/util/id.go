package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier such as "chk_0f8e...". The suffix is a
// version 4 UUID without dashes.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
