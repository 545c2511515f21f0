package service

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/fx"
)

type Config struct {
	HttpPort      string `envconfig:"HTTP_PORT" default:"8080"`
	WebrtcUDPPort int    `envconfig:"WEBRTC_UDP_PORT" default:"8443"`
	NAT1To1IP     string `envconfig:"WEBRTC_ONE_TO_NAT_PUBLIC_IP"`

	// Presence liveness: a member missing heartbeats for HeartbeatTimeout
	// turns reconnecting, and after ReconnectGrace more it is treated as left.
	HeartbeatTimeout time.Duration `envconfig:"PRESENCE_HEARTBEAT_TIMEOUT" default:"30s"`
	ReconnectGrace   time.Duration `envconfig:"PRESENCE_RECONNECT_GRACE" default:"60s"`

	ChatMessageLimit int `envconfig:"CHAT_MESSAGE_LIMIT" default:"2000"`

	NegotiationRetries int           `envconfig:"NEGOTIATION_RETRIES" default:"3"`
	NegotiationBackoff time.Duration `envconfig:"NEGOTIATION_BACKOFF" default:"250ms"`

	FanoutWorkers int `envconfig:"FANOUT_WORKERS" default:"8"`

	// Empty keeps rooms and chat history in memory only.
	BadgerDir string `envconfig:"BADGER_DIR"`
}

func NewConfig() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

var ConfigModule = fx.Module("config", fx.Provide(NewConfig))
