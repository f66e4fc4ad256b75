// Package app runs a slacker server as a long lived process: it loads
// configuration, wires the request server to the cluster controller, and
// drives the shutdown sequence off OS signals.
package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/slacker-rpc/slacker-go/pkg/cluster"
	"github.com/slacker-rpc/slacker-go/pkg/coordination"
	"github.com/slacker-rpc/slacker-go/pkg/coordination/etcd"
	"github.com/slacker-rpc/slacker-go/pkg/rpc"
)

var (
	configPath = flag.String("config", "config.yaml", "configuration file path")

	osSigCh = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(osSigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
}

// Run starts the request server, joins the configured cluster, and blocks
// until an OS signal arrives. It returns once the shutdown sequence has
// completed, or errors if shutdown exceeds the configured grace period.
func Run(server rpc.RequestServer) error {
	flag.Parse()

	log := logrus.StandardLogger().WithField("type", "app")

	// viper.ReadInConfig only returns ConfigFileNotFoundError when it had to
	// search for a default config file. With an explicit path it reports a
	// plain read error, so check existence ourselves first.
	if _, err := os.Stat(*configPath); err == nil {
		viper.SetConfigFile(*configPath)
	} else if !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to check if config exists")
	}

	err := viper.ReadInConfig()
	if _, isConfigNotFound := err.(viper.ConfigFileNotFoundError); err != nil && !isConfigNotFound {
		return errors.Wrap(err, "failed to load config")
	}

	config := defaultConfig
	if err := viper.Unmarshal(&config); err != nil {
		return errors.Wrap(err, "failed to unmarshal config")
	}
	if config.AppName == "" {
		return errors.New("must specify an application name")
	}

	configureLogger(config)
	log = log.WithField("app", config.AppName)

	var desc *cluster.Descriptor
	var dial coordination.Dialer
	if config.Cluster.Name != "" && config.Cluster.CoordinationAddress != "" {
		desc = &cluster.Descriptor{
			Name:                config.Cluster.Name,
			CoordinationAddress: config.Cluster.CoordinationAddress,
			RootPath:            config.Cluster.RootPath,
			NodeOverride:        config.Cluster.NodeOverride,
		}
		dial = func(ctx context.Context, addresses string) (coordination.Conn, error) {
			return etcd.Connect(ctx, addresses, etcd.Options{
				SessionTimeout: config.Cluster.SessionTimeout,
			})
		}
	} else {
		log.Info("No cluster configured, running standalone")
	}

	controller := cluster.NewController(server, dial, desc)

	handle, err := controller.Start(context.Background(), config.Namespaces, config.Port)
	if err != nil {
		return errors.Wrap(err, "failed to start")
	}

	log.WithFields(logrus.Fields{
		"port":       config.Port,
		"namespaces": config.Namespaces,
	}).Info("Serving")

	sig := <-osSigCh
	log.WithField("signal", sig.String()).Info("Interrupt received, shutting down")

	shutdownCh := make(chan error, 1)
	go func() {
		shutdownCh <- controller.Stop(context.Background(), handle)
	}()

	select {
	case err := <-shutdownCh:
		return err
	case <-time.After(config.ShutdownGracePeriod):
		return errors.Errorf("failed to stop within %v", config.ShutdownGracePeriod)
	}
}

func configureLogger(config Config) {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(strings.ToLower(config.LogLevel))
	if err != nil {
		logrus.StandardLogger().WithField("log_level", config.LogLevel).Warn("unknown log level, ignoring")
	} else {
		logrus.SetLevel(level)
	}
}
