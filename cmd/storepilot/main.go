// Command storepilot runs the automation run engine: the HTTP API, the queue
// worker and the schema migrations.
package main

import (
	"context"
	"log/slog"
	"os"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
