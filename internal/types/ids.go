// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type TransferID string
type Recipient string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewTransferID() TransferID {
	return TransferID(uuid.New().String())
}

// NewRecipient joins parts into a delivery address such as "telegram:42".
func NewRecipient(parts ...string) Recipient {
	return Recipient(strings.Join(parts, ":"))
}
