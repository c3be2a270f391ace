package config

import "time"

const (
	// HTTP
	DefaultHTTPAddr        = ":8080"
	DefaultShutdownTimeout = 15 * time.Second

	// Chat
	DefaultChatMaxBody = 4000
	DefaultSendRetries = 3

	// Push connections
	DefaultSSEIdleTimeout = 30 * time.Minute
	DefaultSSEBuffer      = 16

	// Bus
	DefaultNotificationChannel = "notification:broadcast"
	DefaultAMQPExchange        = "realtime.events"
	DefaultBusDriver           = "redis"

	// Database
	DefaultDBDriver = "postgres"

	// Auth
	DefaultJWTIssuer = "crewlink"
	DefaultTokenTTL  = 72 * time.Hour
)

// DefaultIDEpoch matches idgen.DefaultEpoch; changing it breaks decoding of existing ids.
var DefaultIDEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
