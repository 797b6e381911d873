// Command linkclient is a thin demo launcher around client.Engine: it
// loads configuration, wires up logging and metrics, and prints every
// line received from the server to stdout. Application-specific behavior
// belongs in a real embedder, not here (spec.md §1 excludes launchers from
// the core).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/peterhinch/golink/client"
	"github.com/peterhinch/golink/internal/config"
	"github.com/peterhinch/golink/internal/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		server     = flag.String("server", "", "server address")
		port       = flag.Int("port", 0, "server port (0: use config/default)")
		id         = flag.String("id", "", "client id")
		timeoutMS  = flag.Int("timeout-ms", 0, "link timeout in milliseconds")
		metricAddr = flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
		verbose    = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	log := logrus.StandardLogger()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	file := config.Default()
	if *configPath != "" {
		f, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("loading config")
		}
		file = f
	}
	if *server != "" {
		file.ServerAddress = *server
	}
	if *port != 0 {
		file.ServerPort = *port
	}
	if *id != "" {
		file.ClientID = *id
	}
	if *timeoutMS != 0 {
		file.TimeoutMS = *timeoutMS
	}

	reg := metrics.NewRegistry("linkclient")
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(reg.Collectors()...)
	if *metricAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
			log.WithError(http.ListenAndServe(*metricAddr, mux)).Warn("metrics server stopped")
		}()
	}

	e := client.NewEngine(client.Config{
		ServerAddress: file.ServerAddress,
		ServerPort:    file.ServerPort,
		ClientID:      file.ClientID,
		TimeoutMS:     file.TimeoutMS,
		Logger:        log,
		Metrics:       reg,
		ConnectedCB: func(up bool) {
			log.WithField("up", up).Info("connection status changed")
		},
	})
	defer e.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for {
		header, body, err := e.ReadLine(ctx)
		if err != nil {
			return
		}
		fmt.Printf("%s %s", header, body)
	}
}
