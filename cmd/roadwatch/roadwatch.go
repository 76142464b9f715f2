package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/roadwatch/roadwatch/server"
	"github.com/roadwatch/roadwatch/server/config"
)

func main() {
	parser := argparse.NewParser("roadwatch", "Fleet camera capture and object detection pipeline")
	envFile := parser.String("e", "env", &argparse.Options{Help: "Environment file to load", Default: ""})
	role := parser.Selector("r", "role", []string{"all", "beat", "capture", "detect"}, &argparse.Options{Help: "Which part of the pipeline to run", Default: "all"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(logger, *envFile)
	if err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	roles := server.Roles{}
	switch *role {
	case "all":
		roles = server.Roles{Beat: true, Capture: true, Detect: true}
	case "beat":
		roles.Beat = true
	case "capture":
		roles.Capture = true
	case "detect":
		roles.Detect = true
	}

	svc, err := server.NewService(logger, cfg)
	if err != nil {
		logger.Errorf("Failed to start: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx, roles); err != nil {
		logger.Errorf("Failed to start: %v", err)
		os.Exit(1)
	}
	logger.Infof("roadwatch running (role %v)", *role)

	<-ctx.Done()
	logger.Infof("Shutting down")
	svc.Close()
}
