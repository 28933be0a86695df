// Package shareid turns a bank account id into the copyable string users hand to a
// counterparty, and back. The encoding is plain padded base64: it hides the raw id
// from casual view and carries no secret.
package shareid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrDecode is returned for any input the encoder could not have produced.
var ErrDecode = errors.New("invalid shareable id")

// Encode returns the shareable form of accountID.
func Encode(accountID string) string {
	return base64.StdEncoding.EncodeToString([]byte(accountID))
}

// Decode reverses Encode.
func Decode(shareableID string) (string, error) {
	trimmed := strings.TrimSpace(shareableID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrDecode)
	}

	raw, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: decodes to an empty account id", ErrDecode)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: decoded bytes are not text", ErrDecode)
	}

	return string(raw), nil
}
