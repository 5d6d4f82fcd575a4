package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	serverapp "github.com/flowlite/flowlite/internal/server/app"
)

func main() {
	var (
		natsHost  = flag.String("host", "", "NATS server host (overrides NATS_HOST)")
		natsPort  = flag.String("port", "", "NATS server port (overrides NATS_PORT)")
		storePath = flag.String("store", "", "process store path (overrides STORE_PATH)")
	)
	flag.Parse()

	ctx := context.Background()
	if err := serverapp.Run(ctx, serverapp.Options{
		NATSHost:  *natsHost,
		NATSPort:  *natsPort,
		StorePath: *storePath,
	}); err != nil {
		slog.Error("manager exited with error", "error", err)
		os.Exit(1)
	}
}
