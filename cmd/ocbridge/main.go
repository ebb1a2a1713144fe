package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.ocbridge.dev/ocbridge/internal/config"
	"go.ocbridge.dev/ocbridge/internal/server"
)

func main() {
	flags := ff.NewFlagSet("ocbridge")

	var conf config.Config
	if err := flags.AddStruct(&conf); err != nil {
		panic(err)
	}

	cmd := &ff.Command{
		Name:  "ocbridge",
		Usage: "ocbridge [FLAGS] <SUBCOMMAND>",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			setLogger(conf.Level)

			if err := conf.Validate(); err != nil {
				return err
			}

			srv, err := server.New(conf)
			if err != nil {
				return err
			}

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Subcommands = append(cmd.Subcommands, exposeCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ParseAndRun(ctx, os.Args[1:],
		ff.WithEnvVarPrefix("OCBRIDGE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(cmd))
		if !errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

		os.Exit(1)
	}
}

func setLogger(level config.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.Level(level),
	})))
}
