package configs

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds the runtime settings read from the environment.
type Config struct {
	ServerAddress string        `envconfig:"SERVER_ADDRESS" default:"localhost:8080"`
	RedisAddress  string        `envconfig:"REDIS_ADDRESS" default:"localhost:6379"`
	AuthSkew      time.Duration `envconfig:"AUTH_SKEW" default:"60s"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := envconfig.Process("postbox", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	HKDFInfo      = []byte("postbox")
	WebSocketPath = "/ws"
	KeysPath      = "/keys/{userID}"

	// Redis keys

	ServerMailboxQueueKey = "server:mailbox:%s"
	ServerInviteQueueKey  = "server:invites:%s"
	ServerKeyBundleKey    = "publicKeys:%s"
	ServerOneTimeKeysKey  = "oneTimeKeys:%s"

	ClientMessageKey        = "client:message:%s:%s"
	ClientWatermarkKey      = "client:watermark:%s:%s"
	ClientKnownUserKey      = "client:knownUser:%s:%s"
	ClientKnownUserIndexKey = "client:knownUserIndex:%s"
)

const (
	// SaltSize is the HKDF salt length generated by the handshake sender.
	SaltSize = 16
)
