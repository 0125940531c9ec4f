package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ash2k/stager/wait"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/atlassian/statsdaemon"
	"github.com/atlassian/statsdaemon/pkg/backends"
	"github.com/atlassian/statsdaemon/pkg/stats"
	"github.com/atlassian/statsdaemon/pkg/statsd"
	"github.com/atlassian/statsdaemon/pkg/util"
	"github.com/atlassian/statsdaemon/pkg/web"
)

const (
	// ParamVerbose enables verbose logging.
	ParamVerbose = "verbose"
	// ParamJSON makes logger log in JSON format.
	ParamJSON = "json"
	// ParamConfigPath provides file with configuration.
	ParamConfigPath = "config-path"
	// ParamVersion makes program output its version.
	ParamVersion = "version"
)

func main() {
	v, version, err := setupConfiguration(os.Args)
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		logrus.Fatalf("Error while parsing configuration: %v", err)
	}
	if version {
		fmt.Printf("Version: %s - Commit: %s - Date: %s\n", getVersion(), GitCommit, BuildDate)
		return
	}
	if err := run(v); err != nil {
		logrus.Fatalf("%v", err)
	}
}

func run(v *viper.Viper) error {
	logger := logrus.StandardLogger()
	logger.WithField("version", getVersion()).Info("Starting server")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	s, err := constructServer(v, logger, reg)
	if err != nil {
		return err
	}
	hs, err := web.NewHttpServerFromViper(v, logger, s.Health, reg)
	if err != nil {
		return err
	}

	ctx, cancelFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancelFunc()
	ctx = stats.NewContext(ctx, stats.NewMetrics(reg))

	var wg wait.Group
	defer wg.Wait()
	if hs != nil {
		webCtx, cancelWeb := context.WithCancel(ctx)
		defer cancelWeb()
		wg.StartWithContext(webCtx, hs.Run)
	}

	if err := s.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("server error: %v", err)
	}
	logger.Info("Stopped")
	return nil
}

// constructServer fails if any backend fails to initialise, before anything is started.
func constructServer(v *viper.Viper, logger logrus.FieldLogger, reg prometheus.Registerer) (*statsd.Server, error) {
	startup := time.Now()
	s, err := statsd.NewServerFromViper(v, logger)
	if err != nil {
		return nil, err
	}
	backendsList, err := backends.InitBackends(util.GetStringList(v, statsdaemon.ParamBackends), v, startup, logger)
	if err != nil {
		return nil, err
	}
	s.Backends = backendsList
	s.Registerer = reg
	s.Startup = startup
	return s, nil
}

func setupConfiguration(args []string) (*viper.Viper, bool, error) {
	v := viper.New()
	defer setupLogger(v) // Apply logging configuration in case of early exit
	util.InitViper(v, "")

	var version bool

	cmd := pflag.NewFlagSet(args[0], pflag.ContinueOnError)

	cmd.BoolVar(&version, ParamVersion, false, "Print the version and exit")
	cmd.Bool(ParamVerbose, false, "Verbose")
	cmd.Bool(ParamJSON, false, "Log in JSON format")
	cmd.String(ParamConfigPath, "", "Path to the configuration file")

	statsdaemon.AddFlags(cmd)

	cmd.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err) // Should never happen
		}
	})

	if err := cmd.Parse(args[1:]); err != nil {
		return nil, false, err
	}

	configPath := v.GetString(ParamConfigPath)
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, false, err
		}
	}

	return v, version, nil
}

func setupLogger(v *viper.Viper) {
	if v.GetBool(ParamVerbose) {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if v.GetBool(ParamJSON) {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
}
