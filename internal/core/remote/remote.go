// Package remote is the boundary to the brokerage service. Everything that
// crosses it comes back as a classified *core.Error.
package remote

import (
	"context"
	"encoding/json"

	"github.com/brokerguard/brokerguard/internal/core/credentials"
)

// Connection describes an authenticated broker session.
type Connection struct {
	Account   string
	SessionID string
}

// Connector authenticates against the broker.
type Connector interface {
	Connect(ctx context.Context, login credentials.Login) (Connection, error)
	Disconnect(ctx context.Context) error
}

// Pinger is implemented by connectors that can cheaply verify the session is alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Invoker performs an opaque remote operation by endpoint name.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string) (json.RawMessage, error)
}

// Service is a full broker adapter.
type Service interface {
	Connector
	Pinger
	Invoker
}
