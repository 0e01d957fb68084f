package director

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
)

const sessionKeyVersion = "v1"

// Identity names the conversation a chat-platform message belongs to.
type Identity struct {
	Channel string
	ChatID  string
	Persona string
}

func (id Identity) Validate() error {
	if strings.TrimSpace(id.Channel) == "" {
		return fmt.Errorf("missing channel")
	}
	if strings.TrimSpace(id.ChatID) == "" {
		return fmt.Errorf("missing chat id")
	}
	if strings.TrimSpace(id.Persona) == "" {
		return fmt.Errorf("missing persona")
	}
	return nil
}

func (id Identity) Canonical() string {
	return strings.ToLower(strings.TrimSpace(id.Channel)) + "|" +
		strings.TrimSpace(id.ChatID) + "|" +
		strings.TrimSpace(id.Persona)
}

// SessionKey is a stable, opaque key for the identity.
func (id Identity) SessionKey() string {
	sum := sha1.Sum([]byte(id.Canonical()))
	return sessionKeyVersion + ":" + hex.EncodeToString(sum[:16])
}

// chatKey identifies a chat regardless of persona.
func chatKey(channel, chatID string) string {
	return strings.ToLower(strings.TrimSpace(channel)) + "|" + strings.TrimSpace(chatID)
}
