package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/promslog"
	"github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/pgwatchdog/watchdog/internal/cluster"
	"github.com/pgwatchdog/watchdog/internal/config"
	"github.com/pgwatchdog/watchdog/internal/ifmon"
)

func init() {
	prometheus.MustRegister(version.NewCollector("watchdog"))
}

// Exit codes follow the original watchdog process's convention: 0 is a
// clean stop, 2 asks the supervisor to restart the process (SIGHUP), 3 is
// a fatal startup failure that a restart would not fix.
const (
	exitOK      = 0
	exitRestart = 2
	exitFatal   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configFile = kingpin.Flag("config.file", "Watchdog configuration file.").Default("watchdog.yml").String()
	)

	promslogConfig := &promslog.Config{}
	flag.AddFlags(kingpin.CommandLine, promslogConfig)
	kingpin.Version(version.Print("watchdog"))
	kingpin.CommandLine.GetFlag("help").Short('h')
	kingpin.Parse()

	logger := promslog.New(promslogConfig)

	if _, err := maxprocs.Set(maxprocs.Logger(func(f string, a ...any) { logger.Debug(fmt.Sprintf(f, a...)) })); err != nil {
		logger.Warn("failed to set GOMAXPROCS", "err", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(logger)); err != nil {
		logger.Debug("failed to set GOMEMLIMIT", "err", err)
	}

	logger.Info("starting watchdog", "config_file", *configFile, "version", version.Info())

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		return exitFatal
	}

	if ok, err := ifmon.AnyRoutableAddress(); err != nil {
		logger.Error("failed to enumerate network interfaces", "err", err)
		return exitFatal
	} else if !ok {
		logger.Error("no routable network interface available at startup")
		return exitFatal
	}

	c := cluster.Build(logger, cfg, prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restart := make(chan struct{}, 1)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigc {
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, requesting restart")
				select {
				case restart <- struct{}{}:
				default:
				}
			} else {
				logger.Info("received signal, shutting down", "signal", sig.String())
			}
			cancel()
			return
		}
	}()

	runErr := c.Run(ctx)

	select {
	case <-restart:
		return exitRestart
	default:
	}

	if runErr != nil {
		logger.Error("watchdog exited with error", "err", runErr)
		return exitFatal
	}
	return exitOK
}
