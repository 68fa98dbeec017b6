package util

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewID returns a new opaque unique identifier for a persisted row.
func NewID() string {
	return uuid.NewString()
}

// NewWorkerID returns an identifier for a worker process: the host name, the
// pid and a short random suffix so restarts on the same host stay distinct.
func NewWorkerID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s%s-%d-%s", prefix, host, os.Getpid(), uuid.NewString()[:8])
}
