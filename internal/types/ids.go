// internal/types/ids.go
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageID string
type ConversationID string
type UserID string
type EntryID string

func NewEntryID() EntryID {
	return EntryID(uuid.New().String())
}

// NewInjectedMessageID returns an id for a message that did not come from
// the platform (simulation, operator injection).
func NewInjectedMessageID() MessageID {
	return MessageID("sim_" + uuid.New().String())
}

// NewScrapedMessageID derives a stable id for a DOM-scraped message. The
// full text is hashed together with the conversation and the discovery time
// truncated to the second.
func NewScrapedMessageID(conv ConversationID, text string, discovered time.Time) MessageID {
	h := sha256.New()
	h.Write([]byte(conv))
	h.Write([]byte{0})
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(discovered.UTC().Truncate(time.Second).Format(time.RFC3339)))
	return MessageID("dom_" + hex.EncodeToString(h.Sum(nil))[:32])
}

func NewConversationKey(parts ...string) string {
	return strings.Join(parts, ":")
}
