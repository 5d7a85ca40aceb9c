package uuidx

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new UUID using the version 7 format and returns it as a string.
func NewString() string {
	return New().String()
}

// ClientID returns a broker client identifier for the agent called name.
//
// Brokers reject a second connection with an identifier already in use, so
// the name is suffixed with the random tail of a fresh UUID. The result stays
// under the 23 byte limit MQTT 3.1 servers may enforce when name is short.
func ClientID(name string) string {
	id := strings.ReplaceAll(NewString(), "-", "")
	suffix := id[len(id)-8:]
	if name == "" {
		return suffix
	}
	return name + "-" + suffix
}
