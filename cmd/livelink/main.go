package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	commoncfg "github.com/gaspardpetit/livelink/core/config"
	"github.com/gaspardpetit/livelink/core/logx"
	"github.com/gaspardpetit/livelink/core/secret"
	"github.com/gaspardpetit/livelink/engine"
	"github.com/gaspardpetit/livelink/internal/agent"
	"github.com/gaspardpetit/livelink/internal/config"
	"github.com/gaspardpetit/livelink/internal/httpserve"
	"github.com/gaspardpetit/livelink/internal/sink"
	"github.com/gaspardpetit/livelink/internal/status"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.AgentConfig
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "livelink version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("livelink version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if err := loadConfig(&cfg); err != nil {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	logx.Configure(cfg.LogLevel)
	if err := logx.SetFormat(cfg.LogFormat); err != nil {
		logx.Log.Fatal().Err(err).Msg("log format")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	eng := engine.New(engine.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		AuthTimeout:       cfg.AuthTimeout,
		Registerer:        reg,
	})
	defer eng.CloseNow()

	if cfg.MetricsAddr != "" {
		addr, err := httpserve.StartMetricsServer(ctx, cfg.MetricsAddr, reg)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("metrics server")
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics listening")
	}
	if cfg.StatusAddr != "" {
		tokenPath := commoncfg.SiblingPath(cfg.ConfigFile, "agent.token")
		info := status.VersionInfo{Version: version, BuildSHA: buildSHA, BuildDate: buildDate}
		addr, err := status.Start(ctx, cfg.StatusAddr, eng, info, tokenPath)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("status server")
		}
		logx.Log.Info().Str("addr", addr).Str("token_file", tokenPath).Msg("status listening")
	}

	var onEvent agent.Handler
	if cfg.RedisURL != "" {
		rs, err := sink.NewRedisSink(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		logx.Log.Info().Str("channel", cfg.RedisChannel).Msg("publishing messages to redis")
		onEvent = func(ctx context.Context, ev engine.Event) {
			if err := rs.Handle(context.WithoutCancel(ctx), ev); err != nil {
				logx.Log.Warn().Err(err).Str("cmd", ev.Command).Msg("redis publish")
			}
		}
	}

	logx.Log.Info().Str("endpoint", cfg.Endpoint).Str("auth", secret.Mask(cfg.AuthPayload)).Bool("reconnect", cfg.Reconnect).Msg("livelink starting")
	err := agent.Run(ctx, eng, agent.Config{
		Session:   engine.Session{Endpoint: cfg.Endpoint, AuthPayload: cfg.AuthPayload},
		Reconnect: cfg.Reconnect,
		OnEvent:   onEvent,
	})
	if err != nil {
		logx.Log.Error().Err(err).Msg("livelink exited")
		stop()
		eng.CloseNow()
		os.Exit(1)
	}
}

// loadConfig applies the optional config file and checks the result. A
// missing file is not an error.
func loadConfig(cfg *config.AgentConfig) error {
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := cfg.ResolveAuthPayload(); err != nil {
		return err
	}
	return cfg.Validate()
}
