package models

import (
	"github.com/oklog/ulid/v2"
)

// NewID returns a lexicographically sortable unique id. Ids are generated
// client-side so optimistic local writes never wait on the remote store.
func NewID() string {
	return ulid.Make().String()
}
