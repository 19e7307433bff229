// Package main provides the entry point for the tunecast streaming service.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tunecast/tunecast/internal/config"
	"github.com/tunecast/tunecast/internal/origin"
	"github.com/tunecast/tunecast/internal/resolver"
	"github.com/tunecast/tunecast/internal/server"
	"github.com/tunecast/tunecast/internal/store"
	"github.com/tunecast/tunecast/internal/token"
	"github.com/tunecast/tunecast/internal/track"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string

	rootCmd = &cobra.Command{
		Use:           "tunecast",
		Short:         "Cache and stream audio over HTTP",
		Long:          "\nTunecast fetches audio from its origin on demand, transcodes it to MP3,\nand serves it over HTTP with range support, stream tokens, and a\ndisk-budgeted cache.",
		SilenceErrors: false,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          serve,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.Flags().String("listen", "", "listen address")
	rootCmd.Flags().String("cache-dir", "", "cache directory")
	rootCmd.Flags().Int64("max-cache-mb", 0, "cache disk budget in MB")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("cache_dir", rootCmd.Flags().Lookup("cache-dir"))
	_ = viper.BindPFlag("max_cache_mb", rootCmd.Flags().Lookup("max-cache-mb"))

	defaults := config.DefaultConfig()
	viper.SetDefault("listen_addr", defaults.ListenAddr)
	viper.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)
	viper.SetDefault("cache_dir", "")
	viper.SetDefault("max_cache_mb", defaults.MaxCacheMB)
	viper.SetDefault("janitor_interval", defaults.JanitorInterval)
	viper.SetDefault("watch_cache_dir", defaults.WatchCacheDir)
	viper.SetDefault("bitrate", defaults.Bitrate)
	viper.SetDefault("fetch_timeout", defaults.FetchTimeout)
	viper.SetDefault("fetch_per_minute", defaults.FetchPerMinute)
	viper.SetDefault("token_secret", "")
	viper.SetDefault("token_ttl", defaults.TokenTTL)
	viper.SetDefault("track_db_path", "")
	viper.SetDefault("sink_workers", defaults.SinkWorkers)
	viper.SetDefault("sink_capacity", defaults.SinkCapacity)
	viper.SetDefault("sink_retries", defaults.SinkRetries)

	rootCmd.AddCommand(configCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "tunecast")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "tunecast")}, dirs...)
	}

	if c := os.Getenv("TUNECAST_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("tunecast")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}

	configFile = filepath.Join(dirs[0], "tunecast.yml")
}

func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()

	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown_timeout")
	cfg.CacheDir = viper.GetString("cache_dir")
	cfg.MaxCacheMB = viper.GetInt64("max_cache_mb")
	cfg.JanitorInterval = viper.GetDuration("janitor_interval")
	cfg.WatchCacheDir = viper.GetBool("watch_cache_dir")
	cfg.Bitrate = viper.GetString("bitrate")
	cfg.FetchTimeout = viper.GetDuration("fetch_timeout")
	cfg.FetchPerMinute = viper.GetInt("fetch_per_minute")
	cfg.TokenSecret = viper.GetString("token_secret")
	cfg.TokenTTL = viper.GetDuration("token_ttl")
	cfg.TrackDBPath = viper.GetString("track_db_path")
	cfg.SinkWorkers = viper.GetInt("sink_workers")
	cfg.SinkCapacity = viper.GetInt("sink_capacity")
	cfg.SinkRetries = viper.GetInt("sink_retries")
	cfg.Sessions = viper.GetStringMapString("sessions")

	cfg, err := config.FromEnv(cfg)
	if err != nil {
		return cfg, err
	}

	if cfg.CacheDir == "" || cfg.TrackDBPath == "" {
		scope := gap.NewScope(gap.User, "tunecast")
		dataDir, err := scope.DataPath("")
		if err != nil {
			return cfg, fmt.Errorf("locating data directory: %w", err)
		}
		if cfg.CacheDir == "" {
			cfg.CacheDir = filepath.Join(dataDir, "cache")
		}
		if cfg.TrackDBPath == "" {
			cfg.TrackDBPath = filepath.Join(dataDir, "tracks.db")
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serve(*cobra.Command, []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if os.Getenv("TUNECAST_DEBUG") != "" {
		logger.SetLevel(log.DebugLevel)
	}
	log.SetDefault(logger)

	secret := []byte(cfg.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generating token secret: %w", err)
		}
		logger.Warn("no token secret configured, generated a random one; issued tokens will not survive a restart")
	}
	tokens, err := token.NewService(secret)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.TrackDBPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	sink, err := track.NewBoltSink(cfg.TrackDBPath)
	if err != nil {
		return fmt.Errorf("opening track database: %w", err)
	}
	queue := track.NewQueue(track.QueueConfig{
		Workers:    cfg.SinkWorkers,
		Capacity:   cfg.SinkCapacity,
		MaxRetries: cfg.SinkRetries,
	}, logger)
	recorder := track.NewRecorder(sink, queue)

	st, err := store.New(store.Config{
		Dir:             cfg.CacheDir,
		MaxBytes:        cfg.MaxCacheBytes(),
		JanitorInterval: cfg.JanitorInterval,
		WatchDir:        cfg.WatchCacheDir,
		OnEvict: func(e store.Entry) {
			recorder.MarkUnavailable(e.ContentID)
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("opening cache store: %w", err)
	}

	fetcher, err := origin.NewDownloader(origin.Config{
		TempDir:       filepath.Join(cfg.CacheDir, "tmp"),
		Bitrate:       cfg.Bitrate,
		Timeout:       cfg.FetchTimeout,
		RatePerMinute: cfg.FetchPerMinute,
	}, logger)
	if err != nil {
		return err
	}

	resolv := resolver.New(st, fetcher, recorder, cfg.FetchTimeout, logger)

	srv := server.NewServer(resolv,
		server.WithCacheAdmin(st),
		server.WithTokens(tokens),
		server.WithAuthenticator(newSessionAuth(cfg.Sessions)),
		server.WithPlayRecorder(recorder),
		server.WithTokenTTL(cfg.TokenTTL),
		server.WithLogger(logger),
	)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}

	if err := st.Close(); err != nil {
		logger.Error("closing cache store", "err", err)
	}
	queue.Close()
	if err := sink.Close(); err != nil {
		logger.Error("closing track database", "err", err)
	}
	return nil
}

// sessionAuth resolves bearer credentials against the configured session
// table. It stands in for the primary session system, which lives outside
// this service.
type sessionAuth struct {
	subjects map[string]string
}

func newSessionAuth(sessions map[string]string) *sessionAuth {
	return &sessionAuth{subjects: sessions}
}

func (a *sessionAuth) Subject(r *http.Request) (string, bool) {
	cred, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || cred == "" {
		return "", false
	}
	subject, ok := a.subjects[cred]
	return subject, ok
}
