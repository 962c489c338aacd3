// Package services implements the outbound dependencies of the web UI: the PrivateGPT backend
// client, and the stores that keep the conversation state of each session.
package services

import "errors"

// ErrSessionNotFound is returned by the stores when no session has the requested ID.
var ErrSessionNotFound = errors.New("session not found")

const errLoggerKey = "err"
