package common

import (
	"os"

	"github.com/google/uuid"
)

// NewRunID generates a unique scheduler run ID
// Format: run_<uuid>
func NewRunID() string {
	return "run_" + uuid.New().String()
}

// NewLockOwner generates a lock owner token that identifies this process and run
// Format: <hostname>:<uuid>
func NewLockOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + uuid.New().String()
}
