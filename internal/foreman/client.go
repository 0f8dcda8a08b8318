package foreman

import (
	"github.com/hexops/foreman/internal/errors"
	"github.com/hexops/foreman/internal/foreman/api"
)

// Client returns an admin API client for the server described by the given config file.
func Client(configFile string) (*api.Client, error) {
	var config Config
	if err := LoadConfig(configFile, &config); err != nil {
		return nil, errors.Wrap(err, "LoadConfig")
	}
	if config.ExternalURL == "" {
		return nil, errors.New("config: ExternalURL must be set")
	}
	if config.Secret == "" {
		return nil, errors.New("config: Secret must be set")
	}
	return &api.Client{URL: config.ExternalURL, Secret: config.Secret}, nil
}
