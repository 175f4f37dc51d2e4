package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns an opaque record key such as "sale-3f0c9a1e...".
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
