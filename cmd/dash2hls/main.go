package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phsym/console-slog"

	dash2hls "m7s.live/dash2hls"
)

func main() {
	confPath := os.Getenv("DASH2HLS_CONFIG_FILE")
	if confPath == "" {
		confPath = "config.yaml"
	}
	conf := flag.String("c", confPath, "config file")
	flag.Parse()

	cfg, err := dash2hls.LoadConfig(*conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var level slog.LevelVar
	if err = level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}
	slog.SetDefault(slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{
		Level:      level.Level(),
		TimeFormat: "2006-01-02 15:04:05.000",
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = dash2hls.NewServer(cfg).Run(ctx); err != nil {
		slog.Error("server", "error", err)
		os.Exit(1)
	}
}
