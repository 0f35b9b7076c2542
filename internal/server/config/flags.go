package config

import (
	"flag"
	"os"
	"time"

	"github.com/finhorizon/plansync/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-r int      change-log retention, days
//	-p int      purge interval, minutes
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-r", "-p"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	retentionDays := fs.Int("r", int(config.ChangeLogRetention.Hours()/24), "change log retention (in days)")
	purgeMinutes := fs.Int("p", int(config.PurgeInterval.Minutes()), "purge interval (in minutes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.ChangeLogRetention = time.Duration(*retentionDays) * 24 * time.Hour
	config.PurgeInterval = time.Duration(*purgeMinutes) * time.Minute
}
