package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# address the HTTP server listens on
listen_addr: ":8080"
# how long to wait for in-flight requests on shutdown
shutdown_timeout: "10s"

# directory holding cached audio files (default: user data dir)
# cache_dir: "~/.local/share/tunecast/cache"
# cache disk budget in MB; 0 disables eviction
max_cache_mb: 512
# how often the background eviction pass runs; 0 disables it
janitor_interval: "10m"
# reconcile cache files removed behind the service's back
watch_cache_dir: true

# target MP3 bitrate for transcoded audio
bitrate: "192k"
# upper bound on a single origin fetch, download and transcode included
fetch_timeout: "5m"
# cap on origin fetches per minute; 0 means unlimited
fetch_per_minute: 10

# secret for signing stream tokens; a random one is generated when unset,
# which means issued tokens do not survive a restart
# token_secret: "change-me"
# lifetime of issued stream tokens
token_ttl: "1h"

# path of the track metadata database (default: user data dir)
# track_db_path: "~/.local/share/tunecast/tracks.db"
# metadata sink worker pool
sink_workers: 2
sink_capacity: 256
sink_retries: 3

# session credentials: subject id by bearer credential
# sessions:
#   some-long-credential: "user-42"
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the tunecast config file",
	Long:    "\nEdit the tunecast config file. We'll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.",
	Example: "tunecast config\ntunecast config --config path/to/config.yml",
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Tunecast", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
