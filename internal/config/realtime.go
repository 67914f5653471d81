package config

import "time"

const (
	// Calls
	DefaultRingTimeout = 30 * time.Second

	// Collaborator calls made while handling an event
	DefaultStoreTimeout = 5 * time.Second

	// Presence
	DefaultPresenceQueryTimeout = 2 * time.Second
	DefaultPresenceWatchTTL     = 10 * time.Minute

	// WebSocket pumps
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 64 * 1024
	SendBufferSize = 256

	// History
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200

	// Tokens
	DefaultTokenTTL = 72 * time.Hour
	TokenIssuer     = "matchwire"
)

