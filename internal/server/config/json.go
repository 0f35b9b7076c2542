package config

import (
	"encoding/json"
	"os"

	"github.com/finhorizon/plansync/internal/flagx"
	"github.com/finhorizon/plansync/internal/timex"
)

// JsonConfig is the DTO used only for reading JSON configuration files.
// Interval fields use timex.Duration, which accepts both strings like "24h"
// and integer nanoseconds. After unmarshalling, values are copied into the
// runtime Config.
type JsonConfig struct {
	EndpointAddr       string         `json:"endpoint_addr"`
	DatabaseDSN        string         `json:"database_dsn"`
	SecretKey          string         `json:"secret_key"`
	ChangeLogRetention timex.Duration `json:"change_log_retention"`
	PurgeInterval      timex.Duration `json:"purge_interval"`
}

// parseJson loads configuration values from the JSON file named by the
// -c/-config flags into the provided Config. If no file is named, nothing is
// loaded; if the file cannot be read or parsed, the function panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.EndpointAddr != "" {
		config.EndpointAddr = c.EndpointAddr
	}
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.SecretKey != "" {
		config.SecretKey = c.SecretKey
	}
	if c.ChangeLogRetention.Duration != 0 {
		config.ChangeLogRetention = c.ChangeLogRetention.Duration
	}
	if c.PurgeInterval.Duration != 0 {
		config.PurgeInterval = c.PurgeInterval.Duration
	}
}
