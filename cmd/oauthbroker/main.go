package main

import (
	"context"
	"flag"
	"log"

	"github.com/Seann-Moser/oauthbroker/app"
)

func main() {
	configPath := flag.String("config", "configs/default.yaml", "path to the YAML config file")
	mode := flag.String("mode", "api", "api serves HTTP and runs the refresh worker; worker refreshes and serves gRPC health")
	flag.Parse()

	ctx := context.Background()
	runtime, err := app.NewRuntime(ctx, *configPath)
	if err != nil {
		log.Fatalf("bootstrap runtime: %v", err)
	}
	switch *mode {
	case "api":
		err = runtime.Run(ctx)
	case "worker":
		err = runtime.RunWorker(ctx)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
	if err != nil {
		log.Fatalf("run %s: %v", *mode, err)
	}
}
