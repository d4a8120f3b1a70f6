package server

import (
	"os"

	"github.com/jinzhu/configor"
	"github.com/pkg/errors"
)

type Config struct {
	SocketConfig struct {
		PingPeriodTime                int `default:"8000"`
		PongWaitTime                  int `default:"10000"`
		WriteWaitTime                 int `default:"5000"`
		ReceivedMessageDecrementCount int `default:"20"`
		OutgoingQueueSize             int `default:"64"`
	}
	RegistryConfig struct {
		Capacity      int `default:"32"`
		SweepPeriod   int `default:"5000"`
		DeadThreshold int `default:"30000"`
	}
	MatchConfig struct {
		InvitationTimeout int `default:"20000"`
		PushTimeout       int `default:"5000"`
		MaxRoundsLimit    int `default:"100"`
	}
	Port               int  `default:"7350"`
	DevelopmentEnabled bool `default:"false"`
}

// NewConfig loads configuration from config.yml when present, falling back
// to the tagged defaults.
func NewConfig() (*Config, error) {
	config := &Config{}

	configFile := os.Getenv("RPSBROKER_CONFIG")
	if configFile == "" {
		configFile = "config.yml"
	}

	if _, err := os.Stat(configFile); err == nil {
		if err := configor.Load(config, configFile); err != nil {
			return nil, errors.Wrapf(err, "error while reading configurations from %s", configFile)
		}
	} else {
		if err := configor.Load(config); err != nil {
			return nil, errors.Wrap(err, "error while loading default configurations")
		}
	}

	return config, nil
}
