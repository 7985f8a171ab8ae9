package protocol

import "github.com/oklog/ulid/v2"

// RequestID is a client-generated command identifier. ULIDs give the
// timestamp+random composite the correlation layer needs: unique for the
// process lifetime and sortable by issue time.
type RequestID string

// NewRequestID generates a fresh request identifier.
func NewRequestID() RequestID {
	return RequestID(ulid.Make().String())
}
