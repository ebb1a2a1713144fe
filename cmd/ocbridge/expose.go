package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/peterbourgon/ff/v4"
	"go.ocbridge.dev/ocbridge/client"
	"go.ocbridge.dev/ocbridge/internal/config"
	"go.ocbridge.dev/ocbridge/pkg/protocol"
)

type exposeConfig struct {
	Level           config.Level  `ff:" short=l | long=log               | default=info             | usage: 'debug, info, warn or error'                     "`
	RelayAddress    string        `ff:" short=a | long=relay-address     | default='127.0.0.1:3330' | usage: address of the relay tunnel port                 "`
	TargetAddress   string        `ff:" short=t | long=target-address    |                            usage: local address exposed through the relay (required) "`
	Secret          string        `ff:" short=s | long=secret            |                            usage: control secret presented to the relay            "`
	SecretPath      string        `ff:"         | long=secret-path       |                            usage: file containing the control secret               "`
	Framing         string        `ff:"         | long=framing           | default=legacy           | usage: 'control channel framing: legacy or msgpack'     "`
	KeepAlivePeriod time.Duration `ff:"         | long=keep-alive-period | default=15s              | usage: period between keepalive probes                  "`
}

func (c exposeConfig) validate() error {
	if c.TargetAddress == "" {
		return errors.New("target-address must be non-empty string")
	}

	if c.Secret != "" && c.SecretPath != "" {
		return errors.New("only one of secret or secret-path may be provided")
	}

	return nil
}

func (c exposeConfig) authenticator() client.Authenticator {
	switch {
	case c.SecretPath != "":
		return client.FileAuthenticator(c.SecretPath)
	case c.Secret != "":
		return client.SecretAuthenticator(c.Secret)
	default:
		return nil
	}
}

func exposeCommand() *ff.Command {
	flags := ff.NewFlagSet("expose")

	var conf exposeConfig
	if err := flags.AddStruct(&conf); err != nil {
		panic(err)
	}

	return &ff.Command{
		Name:      "expose",
		Usage:     "ocbridge expose [FLAGS]",
		ShortHelp: "expose a local TCP service through a relay",
		Flags:     flags,
		Exec: func(ctx context.Context, args []string) error {
			setLogger(conf.Level)

			if err := conf.validate(); err != nil {
				return err
			}

			codec, err := protocol.CodecFor(conf.Framing)
			if err != nil {
				return err
			}

			c := &client.Client{
				TargetAddress:   conf.TargetAddress,
				Authenticator:   conf.authenticator(),
				Codec:           codec,
				KeepAlivePeriod: conf.KeepAlivePeriod,
				OnListening: func() {
					slog.Info("Exposed", "target", conf.TargetAddress)
				},
			}

			return c.DialAndServe(ctx, conf.RelayAddress)
		},
	}
}
