package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "simbridge",
		Usage: "bridge WebSocket clients to interactive simulator subprocesses",
		Commands: []*cli.Command{
			serveCommand,
			driveCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
