package ids

import "github.com/segmentio/ksuid"

// New returns a new sortable entity id.
func New() string {
	return ksuid.New().String()
}
