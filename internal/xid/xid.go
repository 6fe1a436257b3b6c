package xid

import "github.com/google/uuid"

// New returns prefix-<uuid>, using time-ordered v7 ids when available.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return prefix + "-" + uuid.NewString()
	}
	return prefix + "-" + id.String()
}
