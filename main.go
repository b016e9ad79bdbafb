package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/trackcore/ingestd/config"
	"github.com/trackcore/ingestd/internal/listener"
	"github.com/trackcore/ingestd/internal/registry"
	"github.com/trackcore/ingestd/internal/store"
	m "github.com/trackcore/ingestd/metrics"
	mi "github.com/trackcore/ingestd/metrics/impl"
)

func parseConfig() *config.Config {
	log := config.NewLogger()

	viper.SetConfigName("cfg")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(fmt.Sprintf("/etc/%s/", config.AppName))
	viper.AddConfigPath(fmt.Sprintf("$HOME/.%s/", config.AppName))
	viper.AddConfigPath(".")
	viper.SetEnvPrefix(config.ViperEnvPrefix)
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		log.Infof("Config file was not found. Using defaults.")
	} else if err != nil {
		log.Fatalf("Failed to parse cfg file. %v", err)
	}

	flag.Bool(config.Debug, config.DefaultDebug, "Set log level to debug")
	flag.Bool(config.Verbose, config.DefaultVerbose, "Set log level to verbose")

	flag.String(config.StoreDSN, config.DefaultStoreDSN, "Store connection string")
	flag.Int(config.StoreMaxOpenConns, config.DefaultStoreMaxOpenConns, "Maximum open store connections")
	flag.Int(config.StoreMaxIdleConns, config.DefaultStoreMaxIdleConns, "Maximum idle store connections")
	flag.Duration(config.StoreConnMaxLifetime, config.DefaultStoreConnMaxLifetime, "Maximum store connection lifetime")

	flag.String(config.TFMS90ListeningIP, config.DefaultTFMS90ListeningIP, "TFMS90 server listening IP address")
	flag.Int(config.TFMS90ListeningPort, config.DefaultTFMS90ListeningPort, "TFMS90 server listening TCP port")
	flag.String(config.TeltonikaListeningIP, config.DefaultTeltonikaListeningIP, "Teltonika server listening IP address")
	flag.Int(config.TeltonikaListenPort, config.DefaultTeltonikaListenPort, "Teltonika server listening TCP port")

	flag.String(config.MetricsListeningIP, config.DefaultMetricsListeningIP, "Metrics server listening IP address")
	flag.Int(config.MetricsListeningPort, config.DefaultMetricsListeningPort, "Metrics server listening port")
	flag.String(config.MetricsFileName, config.DefaultMetricsFileName, "File where metrics are persisted")

	flag.Duration(config.RouterPeekTimeout, config.DefaultRouterPeekTimeout, "Protocol-sniff peek deadline")
	flag.Duration(config.IdentificationTimeout, config.DefaultIdentificationTimeout, "Time allowed to identify a connection before closing it")
	flag.Duration(config.IdleTimeoutTFMS90, config.DefaultIdleTimeoutTFMS90, "TFMS90 idle connection timeout")
	flag.Duration(config.IdleTimeoutTeltonika, config.DefaultIdleTimeoutTeltonika, "Teltonika idle connection timeout")
	flag.Duration(config.StoreCallTimeout, config.DefaultStoreCallTimeout, "Per-call store timeout")
	flag.Duration(config.CoalesceInterval, config.DefaultCoalesceInterval, "Minimum interval between last-seen touches")
	flag.Int(config.DropQueueSize, config.DefaultDropQueueSize, "Depth of the store-insert drop queue")
	flag.Duration(config.ShutdownDrainTimeout, config.DefaultShutdownDrainTimeout, "Grace period for in-flight connections to close on shutdown")

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()
	err = viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Errorf("Failed to bindPFlags. %v", err)
	}

	if viper.GetBool(config.Verbose) {
		log.SetLevel(logrus.TraceLevel)
		log.Warningf("Active log level: %s", log.GetLevel())
	} else if viper.GetBool(config.Debug) {
		log.SetLevel(logrus.DebugLevel)
		log.Warningf("Active log level: %s", log.GetLevel())
	}

	storeConfig := &config.StoreConfig{
		DSN:             viper.GetString(config.StoreDSN),
		MaxOpenConns:    viper.GetInt(config.StoreMaxOpenConns),
		MaxIdleConns:    viper.GetInt(config.StoreMaxIdleConns),
		ConnMaxLifetime: viper.GetDuration(config.StoreConnMaxLifetime),
	}

	tfms90Config := &config.ListenerConfig{
		Host: viper.GetString(config.TFMS90ListeningIP),
		Port: viper.GetInt(config.TFMS90ListeningPort),
	}

	teltonikaConfig := &config.ListenerConfig{
		Host: viper.GetString(config.TeltonikaListeningIP),
		Port: viper.GetInt(config.TeltonikaListenPort),
	}

	metricsConfig := &config.MetricsConfig{
		Host:            viper.GetString(config.MetricsListeningIP),
		Port:            viper.GetInt(config.MetricsListeningPort),
		MetricsFileName: viper.GetString(config.MetricsFileName),
	}

	handlerConfig := &config.HandlerConfig{
		RouterPeekTimeout:     viper.GetDuration(config.RouterPeekTimeout),
		IdentificationTimeout: viper.GetDuration(config.IdentificationTimeout),
		IdleTimeoutTFMS90:     viper.GetDuration(config.IdleTimeoutTFMS90),
		IdleTimeoutTeltonika:  viper.GetDuration(config.IdleTimeoutTeltonika),
		StoreCallTimeout:      viper.GetDuration(config.StoreCallTimeout),
		CoalesceInterval:      viper.GetDuration(config.CoalesceInterval),
		DropQueueSize:         viper.GetInt(config.DropQueueSize),
		ShutdownDrainTimeout:  viper.GetDuration(config.ShutdownDrainTimeout),
	}

	return config.NewConfig(log, storeConfig, tfms90Config, teltonikaConfig, metricsConfig, handlerConfig)
}

func main() {
	var wg sync.WaitGroup

	cfg := parseConfig()
	log := cfg.GetLogger()

	log.Tracef("Used store configuration: %+v", cfg.GetStoreConfig())
	log.Tracef("Used TFMS90 configuration: %+v", cfg.GetTFMS90Config())
	log.Tracef("Used Teltonika configuration: %+v", cfg.GetTeltonikaConfig())
	log.Tracef("Used metrics configuration: %+v", cfg.GetMetricsConfig())
	log.Tracef("Used handler configuration: %+v", cfg.GetHandlerConfig())

	ctxSignals, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx := context.WithValue(ctxSignals, config.ContextConfigKey, cfg)

	gateway, err := store.Open(store.Config{
		DSN:             cfg.GetStoreConfig().DSN,
		MaxOpenConns:    cfg.GetStoreConfig().MaxOpenConns,
		MaxIdleConns:    cfg.GetStoreConfig().MaxIdleConns,
		ConnMaxLifetime: cfg.GetStoreConfig().ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("Failed to open store connection. %v", err)
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			log.Errorf("Failed to close store connection. %v", err)
		}
	}()

	metricsCollector := mi.NewMetrics(ctx, &wg, cfg.GetMetricsConfig().MetricsFileName)
	defer func() {
		if err := metricsCollector.Close(); err != nil {
			log.Errorf("Failed to close metrics. %v", err)
		}
	}()

	hostname, err := os.Hostname()
	if err != nil {
		log.Errorf("Failed to get hostname. %v", err)
	}
	tags := []string{fmt.Sprintf("host=%s", hostname)}

	metricsServer := m.NewServer(ctx, &wg, cfg.GetMetricsConfig(), tags, []m.MetricProvider{metricsCollector})
	wg.Add(1)
	go func() {
		defer wg.Done()
		metricsServer.Start()
	}()

	reg := registry.NewRegistry(ctx, 2*cfg.GetHandlerConfig().IdleTimeoutTeltonika)

	tfms90Server := listener.NewServer(ctx, &wg,
		cfg.GetTFMS90Config().Host, cfg.GetTFMS90Config().Port,
		gateway, metricsCollector, cfg.GetHandlerConfig(), reg)
	if err := tfms90Server.Start(); err != nil {
		log.Fatalf("Failed to start TFMS90 server. %v", err)
	}

	teltonikaServer := listener.NewServer(ctx, &wg,
		cfg.GetTeltonikaConfig().Host, cfg.GetTeltonikaConfig().Port,
		gateway, metricsCollector, cfg.GetHandlerConfig(), reg)
	if err := teltonikaServer.Start(); err != nil {
		log.Fatalf("Failed to start Teltonika server. %v", err)
	}

	<-ctxSignals.Done()
	log.Infof("Shutdown signal received, draining connections.")

	reg.BroadcastClose()

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Infof("All connections drained cleanly.")
	case <-time.After(cfg.GetHandlerConfig().ShutdownDrainTimeout):
		log.Warningf("Shutdown drain timeout elapsed, exiting with connections still open.")
	}
}
