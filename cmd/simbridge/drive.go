package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/simbridge/client"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var driveCommand = &cli.Command{
	Name:  "drive",
	Usage: "open a session on a running server, send commands, and print each state as JSON",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "url",
			Usage: "Base URL of the server.",
			Value: "http://localhost:8766",
		},
		&cli.StringFlag{
			Name:  "root-ca",
			Usage: "PEM certificate to trust, for servers with a self-signed certificate.",
		},
		&cli.BoolFlag{
			Name:  "reset",
			Usage: "Reset the simulation first.",
		},
		&cli.IntSliceFlag{
			Name:  "request",
			Usage: "A floor to request before stepping. May be repeated.",
		},
		&cli.StringFlag{
			Name:  "emergency",
			Usage: "Set the emergency input before stepping. One of [on,off].",
		},
		&cli.IntFlag{
			Name:  "steps",
			Usage: "Number of steps to run.",
			Value: 1,
		},
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for the server to become healthy.",
			Value: 10 * time.Second,
		},
	},
	Action: drive,
}

func drive(ctx *cli.Context) error {
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zap.WarnLevel))
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	var opts []client.Option
	if path := ctx.String("root-ca"); path != "" {
		certPEM, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading root CA: %w", err)
		}
		opts = append(opts, client.WithRootCA(certPEM))
	}

	c, err := client.New(logger.Sugar(), ctx.String("url"), opts...)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("wait"))
	defer cancel()
	err = c.WaitForServer(waitCtx)
	if err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}

	conn, err := c.Connect(ctx.Context)
	if err != nil {
		return err
	}
	defer conn.Close()

	if ctx.Bool("reset") {
		err = conn.Reset(ctx.Context)
		if err != nil {
			return fmt.Errorf("sending reset: %w", err)
		}
	}
	for _, floor := range ctx.IntSlice("request") {
		err = conn.Request(ctx.Context, floor)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
	}
	switch e := ctx.String("emergency"); e {
	case "":
	case "on", "off":
		err = conn.Emergency(ctx.Context, e == "on")
		if err != nil {
			return fmt.Errorf("sending emergency: %w", err)
		}
	default:
		return fmt.Errorf("unsupported emergency %q", e)
	}

	enc := json.NewEncoder(os.Stdout)
	for i := 0; i < ctx.Int("steps"); i++ {
		state, err := conn.Step(ctx.Context)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		err = enc.Encode(state)
		if err != nil {
			return err
		}
	}
	return nil
}
