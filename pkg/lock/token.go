package lock

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NewToken returns a random ownership token: a version 4 UUID rendered as
// 32 lowercase hex characters without separators.
func NewToken() string {
	u := uuid.New()

	return hex.EncodeToString(u[:])
}
