package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered identifier such as "trf-0192f3...".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + strings.ReplaceAll(id.String(), "-", "")
}
