package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"modelgate/api"
	"modelgate/common"
	"modelgate/logger"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

func main() {
	// Load .env file if any
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Warning: failed to load .env file")
		}
	}

	log.Logger = log.Level(zerolog.InfoLevel).Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cmd := &cli.Command{
		Name:  "modelgate",
		Usage: "Proxy between coding-tool clients and an upstream LLM gateway",
		Commands: []*cli.Command{
			NewServeCommand(),
			NewVersionCommand(),
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the proxy server",
		Description: "Starts the HTTP server that translates Anthropic-style and " +
			"OpenAI-style requests onto the configured upstream gateway.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a config file (yaml, toml or json); discovered in the working directory when omitted",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := common.LoadConfig(cmd.String("config"))
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg common.Config) error {
	// Console plus daily-rotating file output under the state home.
	log.Logger = logger.Get()

	srv := api.RunServer(cfg)
	log.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).
		Str("upstream", cfg.Upstream.BaseURL).Msg("modelgate started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func NewVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the modelgate version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("modelgate " + common.Version)
			return nil
		},
	}
}
