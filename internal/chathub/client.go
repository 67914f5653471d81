package chathub

import "matchwire/backend/internal/models"

// Client is the interface for any type of connection.
// It abstracts the underlying communication mechanism, allowing the hub to manage
// different client types uniformly.
type Client interface {
	// GetUserID returns the authenticated user bound to the connection.
	GetUserID() string
	// GetConnID returns the identifier of this connection. A user may hold several.
	GetConnID() string

	// Queue hands an event to the connection's writer without blocking. It
	// returns false if the event was dropped because the queue is full or the
	// connection is closed.
	Queue(ev models.Event) bool

	// Run starts the client's read and write pumps.
	Run()
	// Close shuts the connection down. Calling it more than once is a no-op.
	Close()
}
