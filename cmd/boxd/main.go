package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"boxd/internal/common/fsutil"
	"boxd/internal/config"
	"boxd/internal/controller"
	"boxd/internal/httpapi"
	"boxd/internal/transport"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	configPath := flag.String("config", envOr("BOXD_CONFIG", ""), "Optional config file (.yaml/.json/.toml)")
	addr := flag.String("addr", envOr("BOXD_ADDR", ""), "HTTP listen address, e.g. :8080")
	device := flag.String("device", envOr("BOXD_DEVICE", ""), "Device name (defaults to box-<hostname>)")
	root := flag.String("root", envOr("BOXD_ROOT", ""), "Managed files root directory")
	source := flag.String("source", envOr("BOXD_SOURCE", ""), "Default device updates are fetched from")
	topicBase := flag.String("topic-base", envOr("BOXD_TOPIC_BASE", ""), "Pub/sub namespace for file transfer topics")
	broker := flag.String("broker", envOr("BOXD_BROKER", ""), "MQTT broker URL, e.g. tcp://broker.local:1883 (empty = in-process loopback)")
	brokerUser := flag.String("broker-user", envOr("BOXD_BROKER_USER", ""), "MQTT username")
	brokerPassword := flag.String("broker-password", envOr("BOXD_BROKER_PASSWORD", ""), "MQTT password")
	chunk := flag.Int("chunk", 0, "Transfer chunk size in bytes")
	retryMS := flag.Int("retry-ms", 0, "Resend a pending range request after this many ms")
	timeoutMS := flag.Int("timeout-ms", 0, "Abort a fetch session after this many ms without progress")
	tickMS := flag.Int("tick-ms", 0, "Controller tick interval in ms")
	pretty := flag.Bool("log-pretty", os.Getenv("BOXD_LOG_PRETTY") == "1", "Human-readable log output")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	var cfg config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
		cfg = loaded
	}

	// Flags and environment override the config file.
	setIf(&cfg.Addr, *addr)
	setIf(&cfg.Device, *device)
	setIf(&cfg.Root, *root)
	setIf(&cfg.Source, *source)
	setIf(&cfg.TopicBase, *topicBase)
	setIf(&cfg.Broker, *broker)
	setIf(&cfg.BrokerUser, *brokerUser)
	setIf(&cfg.BrokerPassword, *brokerPassword)
	setIntIf(&cfg.ChunkSize, *chunk)
	setIntIf(&cfg.RetryMS, *retryMS)
	setIntIf(&cfg.TimeoutMS, *timeoutMS)
	setIntIf(&cfg.TickMS, *tickMS)

	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Device == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "unknown"
		}
		cfg.Device = "box-" + host
	}
	if cfg.Root == "" {
		cfg.Root = "./files"
	}
	rootDir, err := fsutil.ExpandHome(cfg.Root)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve root")
	}
	if err := fsutil.EnsureDir(rootDir); err != nil {
		logger.Fatal().Err(err).Str("root", rootDir).Msg("prepare root")
	}

	var tr transport.Transport
	if cfg.Broker == "" {
		logger.Warn().Msg("no broker configured; using in-process loopback transport")
		tr = transport.NewMemory()
	} else {
		mq, err := transport.NewMQTT(transport.MQTTConfig{
			BrokerURL: cfg.Broker,
			ClientID:  cfg.Device,
			Username:  cfg.BrokerUser,
			Password:  cfg.BrokerPassword,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect broker")
		}
		tr = mq
	}
	defer tr.Close()

	ctrl := controller.New(tr, controller.Config{
		Device:    cfg.Device,
		TopicBase: cfg.TopicBase,
		Root:      rootDir,
		Source:    cfg.Source,
		ChunkSize: cfg.ChunkSize,
		Retry:     time.Duration(cfg.RetryMS) * time.Millisecond,
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		Tick:      time.Duration(cfg.TickMS) * time.Millisecond,
	}, logger)

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewRouter(ctrl, logger)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := ctrl.Run(ctx); err != nil {
			logger.Fatal().Err(err).Msg("controller failed")
		}
	}()
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("device", cfg.Device).Str("root", rootDir).Msg("boxd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "graceful shutdown error: %v\n", err)
	}
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setIntIf(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
