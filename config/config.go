package config

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Config aggregates every sub-configuration the core needs. It is built
// once in main and threaded down explicitly (the teacher's ambient
// package-global client is deliberately not reproduced here, see
// spec.md 9).
type Config struct {
	log            *logrus.Logger
	storeConfig    *StoreConfig
	tfms90Config   *ListenerConfig
	teltonikaConf  *ListenerConfig
	metricsConfig  *MetricsConfig
	handlerConfig  *HandlerConfig
}

func NewConfig(log *logrus.Logger, storeConfig *StoreConfig, tfms90Config, teltonikaConfig *ListenerConfig, metricsConfig *MetricsConfig, handlerConfig *HandlerConfig) *Config {
	return &Config{
		log:           log,
		storeConfig:   storeConfig,
		tfms90Config:  tfms90Config,
		teltonikaConf: teltonikaConfig,
		metricsConfig: metricsConfig,
		handlerConfig: handlerConfig,
	}
}

func (c *Config) GetStoreConfig() *StoreConfig {
	return c.storeConfig
}

func (c *Config) GetTFMS90Config() *ListenerConfig {
	return c.tfms90Config
}

func (c *Config) GetTeltonikaConfig() *ListenerConfig {
	return c.teltonikaConf
}

func (c *Config) GetMetricsConfig() *MetricsConfig {
	return c.metricsConfig
}

func (c *Config) GetHandlerConfig() *HandlerConfig {
	return c.handlerConfig
}

func (c *Config) GetLogger() *logrus.Logger {
	return c.log
}

func GetLogger(ctx context.Context) *logrus.Logger {
	config := ctx.Value(ContextConfigKey).(*Config)
	return config.GetLogger()
}
