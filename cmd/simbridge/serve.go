package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/guseggert/simbridge/bridge"
	"github.com/guseggert/simbridge/build"
	"github.com/guseggert/simbridge/internal/config"
	"github.com/guseggert/simbridge/sim"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "compile the simulator and serve sessions on /sim",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: fmt.Sprintf("Path to the config file. Defaults to the nearest %s at or above the working directory.", config.FileName),
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Minimum log level. One of [debug,info,warn,error].",
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Working directory for the compiler and simulator.",
		},
		&cli.StringFlag{
			Name:  "runtime",
			Usage: "The simulator runtime executable.",
		},
		&cli.StringFlag{
			Name:  "compiler",
			Usage: "The compiler executable.",
		},
		&cli.StringSliceFlag{
			Name:  "source",
			Usage: "A source file to compile. May be repeated.",
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "The compiled artifact passed to the runtime.",
		},
		&cli.StringSliceFlag{
			Name:  "tool-dir",
			Usage: "An extra directory to search for the compiler and runtime. May be repeated.",
		},
		&cli.BoolFlag{
			Name:  "skip-build",
			Usage: "Use the existing output artifact instead of compiling.",
		},
		&cli.StringFlag{
			Name:  "tls-cert",
			Usage: "PEM certificate file to serve TLS with.",
		},
		&cli.StringFlag{
			Name:  "tls-key",
			Usage: "PEM key file to serve TLS with.",
		},
		&cli.BoolFlag{
			Name:  "tls-self-signed",
			Usage: "Serve TLS with a generated self-signed certificate.",
		},
		&cli.StringSliceFlag{
			Name:  "allowed-origin",
			Usage: "A browser origin pattern allowed to connect. May be repeated. Any origin is allowed if unset.",
		},
	},
	Action: serve,
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	path := ctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return nil, fmt.Errorf("looking for %s: %w", config.FileName, err)
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("dir") {
		cfg.Simulator.Dir = ctx.String("dir")
	}
	if ctx.IsSet("runtime") {
		cfg.Simulator.Runtime = ctx.String("runtime")
	}
	if ctx.IsSet("compiler") {
		cfg.Simulator.Compiler = ctx.String("compiler")
	}
	if ctx.IsSet("source") {
		cfg.Simulator.Sources = ctx.StringSlice("source")
	}
	if ctx.IsSet("output") {
		cfg.Simulator.Output = ctx.String("output")
	}
	if ctx.IsSet("tool-dir") {
		cfg.Simulator.ToolDirs = ctx.StringSlice("tool-dir")
	}
	if ctx.IsSet("skip-build") {
		cfg.Simulator.SkipBuild = ctx.Bool("skip-build")
	}
	if ctx.IsSet("tls-cert") {
		cfg.TLS.CertFile = ctx.String("tls-cert")
	}
	if ctx.IsSet("tls-key") {
		cfg.TLS.KeyFile = ctx.String("tls-key")
	}
	if ctx.IsSet("tls-self-signed") {
		cfg.TLS.SelfSigned = ctx.Bool("tls-self-signed")
	}
	if ctx.IsSet("allowed-origin") {
		cfg.AllowedOrigins = ctx.StringSlice("allowed-origin")
	}

	return cfg, cfg.Validate()
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	var level zapcore.Level
	err = level.UnmarshalText([]byte(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	simCfg := cfg.Simulator
	dir, err := filepath.Abs(simCfg.Dir)
	if err != nil {
		return fmt.Errorf("resolving simulator dir: %w", err)
	}
	toolDirs := append(append([]string{}, simCfg.ToolDirs...), build.DefaultToolDirs()...)

	runtimePath, err := build.LocateTool(simCfg.Runtime, toolDirs...)
	if err != nil {
		return fmt.Errorf("locating simulator runtime: %w", err)
	}

	if simCfg.SkipBuild {
		log.Infow("skipping build", "Output", simCfg.Output)
	} else {
		compilerPath, err := build.LocateTool(simCfg.Compiler, toolDirs...)
		if err != nil {
			return fmt.Errorf("locating compiler: %w", err)
		}
		err = build.Compile(ctx.Context, log.Named("build"), build.Spec{
			Compiler: compilerPath,
			Output:   simCfg.Output,
			Sources:  simCfg.Sources,
			Dir:      dir,
		})
		if err != nil {
			return err
		}
	}

	opts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithListenAddr(cfg.ListenAddr),
		bridge.WithOriginPatterns(cfg.AllowedOrigins...),
	}
	tlsOpt, err := tlsOption(cfg.TLS, cfg.ListenAddr)
	if err != nil {
		return err
	}
	if tlsOpt != nil {
		opts = append(opts, tlsOpt)
	}

	server, err := bridge.NewServer(sim.Config{
		Command: runtimePath,
		Args:    []string{simCfg.Output},
		Dir:     dir,
	}, opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("got %s, shutting down", sig)
		server.Stop()
	}()

	return server.Run()
}

func tlsOption(cfg config.TLSConfig, listenAddr string) (bridge.Option, error) {
	switch {
	case cfg.SelfSigned:
		hosts := []string{"localhost", "127.0.0.1"}
		if host, _, err := net.SplitHostPort(listenAddr); err == nil && host != "" && host != "0.0.0.0" {
			hosts = append(hosts, host)
		}
		cert, err := bridge.GenerateSelfSignedCert(hosts...)
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		return bridge.WithTLS(cert.CertPEMBytes, cert.KeyPEMBytes), nil
	case cfg.CertFile != "":
		certPEM, err := os.ReadFile(cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("reading TLS cert: %w", err)
		}
		keyPEM, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading TLS key: %w", err)
		}
		return bridge.WithTLS(certPEM, keyPEM), nil
	}
	return nil, nil
}
