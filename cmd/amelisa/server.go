package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gitter-badger/amelisa"
	"github.com/gitter-badger/amelisa/utils"
)

func serverCommand() *cobra.Command {
	var (
		addr        string
		wsAddr      string
		metricsAddr string
		dataDir     string
		kafka       []string
		kafkaTopic  string
		collections []string
		projections []string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "run a server process",
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			log := utils.NewDefaultLogger(level)

			storage, err := amelisa.OpenPebbleStorage(dataDir, &pebble.Options{})
			if err != nil {
				return err
			}
			defer storage.Close()

			var bus amelisa.Bus
			if len(kafka) > 0 {
				kb := amelisa.NewKafkaBus(log, kafka, kafkaTopic)
				defer kb.Close()
				bus = kb
			}

			opts := amelisa.Options{
				Version:     "amelisa-server",
				Collections: map[string]amelisa.CollectionOptions{},
				Projections: map[string]amelisa.ProjectionOptions{},
				Registerer:  prometheus.DefaultRegisterer,
			}
			for _, name := range collections {
				opts.Collections[name] = amelisa.CollectionOptions{Client: true}
			}
			for _, spec := range projections {
				name, projection, err := parseProjection(spec)
				if err != nil {
					return err
				}
				opts.Projections[name] = projection
			}

			store, err := amelisa.NewStore(log, storage, bus, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := prometheus.DefaultRegisterer.Register(amelisa.NewPebbleCollector(storage.DB())); err != nil {
				return err
			}

			ctx := signalContext()

			n, err := store.Listen(ctx, addr)
			if err != nil {
				return err
			}
			defer n.Close()

			if wsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/", store.WsHandler())
				go func() {
					if err := http.ListenAndServe(wsAddr, mux); err != nil {
						log.Error("ws server failed", "addr", wsAddr, "err", err)
					}
				}()
			}
			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						log.Error("metrics server failed", "addr", metricsAddr, "err", err)
					}
				}()
			}

			log.Info("server running", "addr", addr)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "tcp://0.0.0.0:8745", "listen address (tcp:// or tls://)")
	cmd.Flags().StringVar(&wsAddr, "ws", "", "websocket listen address, e.g. :8746")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "prometheus listen address, e.g. :9100")
	cmd.Flags().StringVar(&dataDir, "data", "amelisa-data", "pebble data directory")
	cmd.Flags().StringSliceVar(&kafka, "kafka", nil, "kafka brokers for inter-process replication")
	cmd.Flags().StringVar(&kafkaTopic, "kafka-topic", "amelisa-ops", "kafka topic for replication")
	cmd.Flags().StringSliceVar(&collections, "collection", []string{"items"}, "collection synchronized to clients (repeatable)")
	cmd.Flags().StringArrayVar(&projections, "projection", nil, "projection as name=base:field1,field2 (repeatable)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// parseProjection reads "name=base:field1,field2".
func parseProjection(spec string) (string, amelisa.ProjectionOptions, error) {
	name, rest, ok := strings.Cut(spec, "=")
	if !ok {
		return "", amelisa.ProjectionOptions{}, errors.New("bad projection spec: " + spec)
	}
	base, fields, ok := strings.Cut(rest, ":")
	if !ok || base == "" || fields == "" {
		return "", amelisa.ProjectionOptions{}, errors.New("bad projection spec: " + spec)
	}
	return name, amelisa.ProjectionOptions{
		CollectionName: base,
		Fields:         strings.Split(fields, ","),
	}, nil
}
