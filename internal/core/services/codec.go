package services

import (
	"encoding/json"
	"fmt"

	"samspill/internal/core/domain"
	"samspill/pkg/crypto"
)

// Targeted signalling traffic is sealed per field under the participant's
// symmetric key; broadcasts stay cleartext. Open accepts either form, so
// endpoints never need to know in advance which one arrived.

// Seal encrypts a whole message under key for targeted delivery.
func Seal(msg domain.Message, key crypto.KeyID) (json.RawMessage, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	sealed, err := crypto.EncryptValue(string(raw), key)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("encode sealed message: %w", err)
	}
	return out, nil
}

// Open parses inbound data as either a sealed message under key or a
// cleartext one. Sealed data is recognized by its content/iv shape.
func Open(data json.RawMessage, key crypto.KeyID) (domain.Message, error) {
	var sealed crypto.Sealed
	if err := json.Unmarshal(data, &sealed); err == nil && sealed.Content != "" && sealed.IV != "" {
		plain, err := crypto.DecryptValue(sealed, key)
		if err != nil {
			return domain.Message{}, err
		}
		data = json.RawMessage(plain)
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("parse message: %w", err)
	}
	return msg, nil
}
