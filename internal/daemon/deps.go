// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
)

// Subsystem is a long-running background task owned by the daemon, such
// as a stream worker. Run must return promptly once ctx is cancelled.
type Subsystem struct {
	Name string
	Run  func(ctx context.Context) error
}

// Deps contains everything the Manager serves and supervises.
type Deps struct {
	// Logger is the structured logger for the daemon.
	Logger zerolog.Logger

	// APIHandler is the HTTP handler for the API server.
	APIHandler http.Handler

	// Subsystems are launched on Start and drained on shutdown.
	Subsystems []Subsystem
}

// Validate checks that the dependencies can produce a working daemon.
func (d *Deps) Validate() error {
	if d.APIHandler == nil {
		return ErrMissingAPIHandler
	}
	for _, sub := range d.Subsystems {
		if sub.Name == "" || sub.Run == nil {
			return ErrInvalidSubsystem
		}
	}
	return nil
}
