package mqtt

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autopeer-io/robopeer/pkg/log"
)

// ClientConfig holds the configuration for creating a new MQTT Client.
type ClientConfig struct {
	BrokerURL string
	Username  string
	Password  string

	// ClientID identifies the session on the broker. When empty it is derived
	// from ClientIDPrefix and the hostname, see defaultClientID.
	ClientID       string
	ClientIDPrefix string

	// KeepAlive in seconds. Default is 60.
	KeepAlive uint16

	// ConnectTimeout for the initial connection. Default is 5s.
	ConnectTimeout time.Duration

	// ReconnectDelay between connection attempts. Default is 3s.
	ReconnectDelay time.Duration

	// SessionExpiry in seconds. Zero drops the session on disconnect.
	SessionExpiry uint32

	CleanStart         bool
	InsecureSkipVerify bool

	// Last Will and Testament, published by the broker when the client drops unexpectedly.
	// Robots use it to announce an offline state without waiting for the heartbeat timeout.
	WillTopic   string
	WillPayload []byte
	WillQoS     byte
	WillRetain  bool

	// Logger defaults to the global logger named "mqtt".
	Logger log.Logger
}

func setDefaultConfig(cfg *ClientConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60
	}
	if cfg.ClientID == "" {
		cfg.ClientID = defaultClientID(cfg.ClientIDPrefix)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithName("mqtt")
	}
}

// defaultClientID returns {prefix}-{hostname}-{random}. The random suffix
// keeps two replicas on one host from stealing each other's session.
func defaultClientID(prefix string) string {
	if prefix == "" {
		prefix = "rpeer"
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	host = strings.ReplaceAll(host, ".", "-")
	return fmt.Sprintf("%s-%s-%s", prefix, host, uuid.NewString()[:8])
}

// Validate checks if the configuration is valid.
func (c *ClientConfig) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	u, err := url.Parse(c.BrokerURL)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return errors.New("broker url must include scheme and host")
	}
	if !ValidQoS(int(c.WillQoS)) {
		return errors.New("will qos must be 0, 1 or 2")
	}
	if c.WillTopic != "" && strings.ContainsAny(c.WillTopic, "+#") {
		return fmt.Errorf("will topic %q must not contain wildcards", c.WillTopic)
	}
	return nil
}
