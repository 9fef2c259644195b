// MarketDeck streams live market data from a brokerage feed to the browser.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/marketdeck/marketdeck/app"
	"github.com/marketdeck/marketdeck/ops"
)

var (
	// version is injected at build time via -ldflags.
	version = "v0.0.0"

	// buildString carries build time and git info, also injected at build.
	buildString = "dev build"
)

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Tee records into a ring buffer so the admin log tail sees the same
	// stream as stderr.
	logBuffer := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(ops.NewTeeHandler(inner, logBuffer)), logBuffer
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("MarketDeck %s\n", version)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	logger, logBuffer := initLogger()

	application := app.NewApp(logger)
	application.SetLogBuffer(logBuffer)
	application.SetVersion(version)

	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting MarketDeck...", "version", version, "build", buildString)
	if err := application.RunServer(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
