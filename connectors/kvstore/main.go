// Command kvstore-connector is a reference connector that manages keys in a
// JSON file standing in for a remote key/value service. Desired state files
// live under kv/<name>.json inside the prefix; the connector reconciles them
// against the backing store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
	"github.com/autoschematic-sh/autoschematic/pkg/connector/protocol"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().
		Timestamp().
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	err := protocol.RunConnector(ctx, os.Args[1:], logger,
		func(name, prefix string) (connector.Connector, error) {
			storePath := os.Getenv("KVSTORE_PATH")
			if storePath == "" {
				storePath = "kvstore.json"
			}
			return NewKVConnector(storePath, logger.With().
				Str("connector", name).
				Str("prefix", prefix).
				Logger()), nil
		})
	if err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("connector exited with error")
	}
}
