package model

import "fmt"

// SessionKey identifies one conversation thread about one document. It is
// passed explicitly into every session operation.
type SessionKey struct {
	DocumentID string `json:"document_id"`
	ThreadID   string `json:"thread_id"`
}

// String returns "document/thread".
func (k SessionKey) String() string {
	return fmt.Sprintf("%s/%s", k.DocumentID, k.ThreadID)
}

// Valid reports whether both parts are set.
func (k SessionKey) Valid() bool {
	return k.DocumentID != "" && k.ThreadID != ""
}
