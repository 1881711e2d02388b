package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/pumpsim/internal/broker"
	"github.com/pumpsim/internal/config"
	"github.com/pumpsim/internal/controller"
	"github.com/pumpsim/internal/kafkaclient"
	"github.com/pumpsim/internal/logging"
	"github.com/pumpsim/internal/metrics"
	"github.com/pumpsim/internal/mqttclient"
	"github.com/pumpsim/internal/natsclient"
	"github.com/pumpsim/internal/shard"
	"github.com/pumpsim/internal/status"
	"github.com/pumpsim/internal/tap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional YAML config file")
	host := flag.String("broker_host", "", "broker host (overrides config)")
	port := flag.Int("port", 0, "broker port (overrides config)")
	interval := flag.Duration("interval", 0, "publish interval (overrides config)")
	transport := flag.String("transport", "", "mqtt | nats | kafka (overrides config)")
	httpPort := flag.Int("http_port", 0, "status server port, 0 disables")
	tapPort := flag.Int("tap_port", 0, "live websocket tap port, 0 disables (mqtt only)")
	serialPort := flag.String("serial_port", "", "serial port supplying measured water levels")
	shardIndex := flag.Int("shard_index", 0, "index of this process among -shards")
	shards := flag.Int("shards", 0, "number of processes splitting the roster")
	logLevel := flag.String("log_level", "", "debug | info | warn | error")
	logFormat := flag.String("log_format", "", "console | json")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "broker_host":
			cfg.Broker.Host = *host
		case "port":
			cfg.Broker.Port = *port
		case "interval":
			cfg.Interval = *interval
		case "transport":
			cfg.Broker.Transport = *transport
		case "http_port":
			cfg.HTTPPort = *httpPort
		case "tap_port":
			cfg.TapPort = *tapPort
		case "serial_port":
			cfg.Serial.Port = *serialPort
		case "shard_index":
			cfg.Shard.Index = *shardIndex
		case "shards":
			cfg.Shard.Count = *shards
		case "log_level":
			cfg.LogLevel = *logLevel
		case "log_format":
			cfg.LogFormat = *logFormat
		}
	})

	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	mqttclient.RouteLibraryLogs(log)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	t, err := newTransport(cfg, log)
	if err != nil {
		log.Error().Err(err).Str("transport", cfg.Broker.Transport).Msg("transport setup failed")
		return 1
	}

	opts := []controller.Option{
		controller.WithLogger(log),
		controller.WithMetrics(m),
		controller.WithObserver(newConsoleObserver(log)),
	}

	if cfg.Shard.Count > 1 {
		a, err := shard.NewAssignment(cfg.Shard.Index, cfg.Shard.Count)
		if err != nil {
			log.Error().Err(err).Msg("shard assignment")
			return 1
		}
		log.Info().Str("shard", a.Self()).Int("shards", a.Shards()).Msg("publishing owned devices only")
		opts = append(opts, controller.WithOwnership(a.Owns))
	}

	if cfg.Serial.Port != "" {
		probe, closeProbe, err := openProbe(cfg.Serial, log)
		if err != nil {
			log.Error().Err(err).Str("port", cfg.Serial.Port).Msg("serial probe")
			return 1
		}
		defer closeProbe()
		opts = append(opts, controller.WithLevelProbe(probe))
	}

	ctrl := controller.New(controller.Config{
		Devices:        cfg.Devices,
		Interval:       cfg.Interval,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		Transport:      cfg.Broker.Transport,
		BrokerHost:     cfg.Broker.Host,
		BrokerPort:     cfg.Broker.Port,
		Username:       cfg.Broker.Username,
	}, t, opts...)

	var wg sync.WaitGroup
	defer wg.Wait()

	var liveTap status.Tap
	if cfg.TapPort != 0 {
		hub, closeTap, err := startTap(ctx, cfg, log, &wg)
		if err != nil {
			log.Error().Err(err).Msg("live tap")
			return 1
		}
		defer closeTap()
		liveTap = hub
	}

	if cfg.HTTPPort != 0 {
		srv := status.NewServer(cfg.HTTPPort, status.NewRouter(ctrl, reg, liveTap), log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("status server")
			}
		}()
	}

	err = ctrl.Run(ctx)
	stop()

	var setupErr *controller.SetupError
	switch {
	case err == nil:
		log.Info().Interface("stats", ctrl.Stats()).Msg("stopped")
		return 0
	case errors.As(err, &setupErr):
		fmt.Fprintln(os.Stderr, setupErr.Diagnostic())
		return 1
	case errors.Is(err, context.Canceled):
		log.Info().Msg("interrupted before connecting")
		return 0
	default:
		log.Error().Err(err).Msg("simulator stopped")
		return 1
	}
}

func newTransport(cfg config.Config, log zerolog.Logger) (broker.Transport, error) {
	b := cfg.Broker
	clientID := mqttclient.NewClientID(b.ClientPrefix)

	switch b.Transport {
	case config.TransportNATS:
		return natsclient.New(natsclient.Options{
			URL:            fmt.Sprintf("nats://%s", cfg.BrokerAddress()),
			ClientID:       clientID,
			Username:       b.Username,
			Password:       b.Password,
			ConnectTimeout: b.ConnectTimeout,
			FlushTimeout:   b.PublishTimeout,
		}, log), nil
	case config.TransportKafka:
		return kafkaclient.New(kafkaclient.Options{
			Brokers:     []string{cfg.BrokerAddress()},
			ClientID:    clientID,
			Username:    b.Username,
			Password:    b.Password,
			DialTimeout: b.ConnectTimeout,
			MaxRetries:  3,
		}, log)
	default:
		return mqttclient.New(mqttOptions(b, clientID), log)
	}
}

func mqttOptions(b config.Broker, clientID string) mqttclient.Options {
	return mqttclient.Options{
		Host:                 b.Host,
		Port:                 b.Port,
		ClientID:             clientID,
		Username:             b.Username,
		Password:             b.Password,
		ConnectTimeout:       b.ConnectTimeout,
		PublishTimeout:       b.PublishTimeout,
		KeepAlive:            b.KeepAlive,
		MaxReconnectInterval: b.MaxReconnectInterval,
		CAFile:               b.CAFile,
		CertFile:             b.CertFile,
		KeyFile:              b.KeyFile,
	}
}

// startTap connects a second MQTT session for the websocket relay and serves
// it on the tap port.
func startTap(ctx context.Context, cfg config.Config, log zerolog.Logger, wg *sync.WaitGroup) (*tap.Hub, func(), error) {
	sub, err := mqttclient.New(mqttOptions(cfg.Broker, mqttclient.NewClientID("tap")), log)
	if err != nil {
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout)
	defer cancel()
	if err := sub.Connect(cctx); err != nil {
		return nil, nil, fmt.Errorf("connect tap session: %w", err)
	}

	hub := tap.NewHub(sub, log)
	srv := status.NewServer(cfg.TapPort, tapRouter(hub), log)

	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("tap server")
		}
	}()
	return hub, func() { sub.Close() }, nil
}

func tapRouter(hub *tap.Hub) http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", hub.ServeWS)
	return r
}
