// Command linkserver is a thin demo launcher around server.Manager: it
// loads configuration, wires up logging and metrics, and prints every
// line received from each expected client to stdout. Application-specific
// dispatch belongs in a real embedder, not here (spec.md §1 excludes
// launchers from the core).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/peterhinch/golink/internal/config"
	"github.com/peterhinch/golink/internal/metrics"
	"github.com/peterhinch/golink/server"
)

func main() {
	var (
		configPath  = flag.String("config", "", "optional YAML config file")
		address     = flag.String("address", "", "listen address")
		port        = flag.Int("port", 0, "listen port (0: use config/default)")
		expectedCSV = flag.String("expected", "", "comma-separated list of expected client ids")
		timeoutMS   = flag.Int("timeout-ms", 0, "link timeout in milliseconds")
		metricAddr  = flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
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
	if *address != "" {
		file.ServerAddress = *address
	}
	if *port != 0 {
		file.ServerPort = *port
	}
	if *timeoutMS != 0 {
		file.TimeoutMS = *timeoutMS
	}

	var expected []string
	if *expectedCSV != "" {
		expected = strings.Split(*expectedCSV, ",")
	}

	reg := metrics.NewRegistry("linkserver")
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(reg.Collectors()...)
	if *metricAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
			log.WithError(http.ListenAndServe(*metricAddr, mux)).Warn("metrics server stopped")
		}()
	}

	m := server.NewManager(server.Config{
		Address:     file.ServerAddress,
		Port:        file.ServerPort,
		ExpectedIDs: expected,
		TimeoutMS:   file.TimeoutMS,
		Logger:      log,
		Metrics:     reg,
		ConnectedCB: func(id string, up bool) {
			log.WithField("client_id", id).WithField("up", up).Info("connection status changed")
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		m.CloseAll()
	}()

	for _, id := range expected {
		go printLinesFrom(ctx, m, id)
	}

	if err := m.Run(ctx); err != nil {
		log.WithError(err).Fatal("server manager stopped")
	}
}

func printLinesFrom(ctx context.Context, m *server.Manager, id string) {
	c, err := m.ClientConn(ctx, id)
	if err != nil {
		return
	}
	for {
		header, body, err := c.ReadLine(ctx)
		if err != nil {
			return
		}
		fmt.Printf("%s: %s %s", id, header, body)
	}
}
