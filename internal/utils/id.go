package utils

import (
	"strings"

	"github.com/google/uuid"
)

const TempIDPrefix = "tmp-"

func NewID() string {
	return uuid.NewString()
}

// NewTempID returns a client-side id for a message that has not been acknowledged yet.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}
