package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nitella/nitellad/internal/approval"
	"github.com/nitella/nitellad/internal/common"
	"github.com/nitella/nitellad/internal/database"
	"github.com/nitella/nitellad/internal/geo"
	"github.com/nitella/nitellad/internal/healthcheck"
	"github.com/nitella/nitellad/internal/proxy"
	"github.com/nitella/nitellad/internal/stats"
)

var (
	configFile = pflag.StringP("config", "c", "config.yml", "Path to the config file in YAML format")
	verbose    = pflag.BoolP("verbose", "v", false, "Verbose logging")
)

func main() {
	pflag.Parse()

	initLogger()
	setLogLevel()

	cfg := parseConfig()

	db := createKeyValueStorage(cfg)
	defer db.Close()

	geoService := createGeoService(db, cfg)
	statsService := stats.NewService()
	approvals := approval.NewManager()
	defer approvals.Close()

	m := runProxyManager(db, geoService, statsService, approvals, cfg)

	ctx, stopHealth := context.WithCancel(context.Background())
	checker := healthcheck.NewChecker(m.HealthTargets)
	go checker.Run(ctx)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-c

	stopHealth()

	sctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	shutdownProxyManager(sctx, m)

	log.Info().Msg("Shutdown successful")
}

func initLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})
}

func setLogLevel() {
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func parseConfig() *common.Config {
	viper.SetConfigFile(*configFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		log.Fatal().Err(err).Msg("Error reading config from yaml")
	}

	cfg := new(common.Config)
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&cfg, hook); err != nil {
		log.Fatal().Err(err).Msg("Error parsing config from file")
	}
	return cfg
}

func createKeyValueStorage(cfg *common.Config) *database.DB {
	path := cfg.Storage
	if path == "" {
		path = "storage"
	}
	db, err := database.New(path, false)
	if err != nil {
		log.Fatal().Err(err).Msg("Can't create key/value storage")
	}
	return db
}

func createGeoService(db *database.DB, cfg *common.Config) *geo.Service {
	s, err := geo.NewService(db, cfg.Geo)
	if err != nil {
		log.Fatal().Err(err).Msg("Can't create geo service")
	}
	return s
}

func runProxyManager(
	db *database.DB,
	geoService *geo.Service,
	statsService *stats.Service,
	approvals *approval.Manager,
	cfg *common.Config,
) *proxy.Manager {
	m := proxy.NewManager(db, geoService, statsService, approvals)

	if err := m.LoadState(); err != nil {
		log.Fatal().Err(err).Msg("Error restoring persisted state")
	}

	m.StartConfigProxies(cfg.Proxies)
	return m
}

func shutdownProxyManager(ctx context.Context, m *proxy.Manager) {
	log.Info().Msg("Shutting down proxies")
	if err := m.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error shutting down proxies")
	}
}
