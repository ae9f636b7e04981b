package envelope

import (
	"bytes"
	"encoding/json"
)

// MaxEnvelopeBytes bounds one encoded envelope.
const MaxEnvelopeBytes = 64 * 1024

// Marshal validates and encodes env as JSON without a trailing newline.
func Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxEnvelopeBytes {
		return nil, ErrEnvelopeTooLarge
	}
	return payload, nil
}

// Unmarshal decodes and validates one envelope. Envelopes from another wire
// version fail with ErrUnsupportedVersion.
func Unmarshal(payload []byte) (Envelope, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) > MaxEnvelopeBytes {
		return Envelope{}, ErrEnvelopeTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
