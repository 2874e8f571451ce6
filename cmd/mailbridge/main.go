// Package main is the entry point for the mailbridge CLI.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shineum/mailbridge/internal/compose"
	"github.com/shineum/mailbridge/internal/config"
	"github.com/shineum/mailbridge/internal/logging"
	"github.com/shineum/mailbridge/internal/mapper"
	"github.com/shineum/mailbridge/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envFile    string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "mailbridge",
		Short: "Deliver domain emails through SES, Microsoft Graph, SMTP or stdout",
		Long: `mailbridge turns an email draft (YAML or .eml) into a transport
message and hands it to a delivery provider.

Example:
  mailbridge send welcome.yaml          # deliver with the configured provider
  mailbridge render welcome.yaml        # print the RFC 5322 message`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	root.AddCommand(newSendCmd(opts))
	root.AddCommand(newRenderCmd())

	return root
}

// init loads the dotenv file, configuration and logger. A missing dotenv
// file is not an error.
func (o *options) init(cmd *cobra.Command) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", o.envFile, err)
		}
	}

	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	o.cfg = cfg

	logging.Setup(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <draft>",
		Short: "Deliver a draft with the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			msg, err := loadMessage(args[0])
			if err != nil {
				return err
			}

			prov, err := selectProvider(ctx, opts.cfg, cmd.OutOrStdout())
			if err != nil {
				slog.Error("failed to select provider", "error", err)
				return err
			}

			if err := prov.Send(ctx, msg); err != nil {
				slog.Error("delivery failed",
					"provider", prov.Name(),
					"error", err,
				)
				return err
			}

			slog.Info("email delivered",
				"provider", prov.Name(),
				"subject", msg.Subject,
				"recipients", len(msg.Recipients()),
			)
			return nil
		},
	}
}

func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render <draft>",
		Short: "Print a draft as an RFC 5322 message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := loadMessage(args[0])
			if err != nil {
				return err
			}

			msg.Stamp(time.Now())
			raw, err := transport.Render(msg)
			if err != nil {
				return fmt.Errorf("failed to render message: %w", err)
			}

			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
}

// loadMessage reads a draft and maps it to a transport message.
func loadMessage(path string) (*transport.Message, error) {
	e, err := compose.LoadFile(path)
	if err != nil {
		return nil, err
	}

	msg, err := mapper.Map(e)
	if err != nil {
		var verr *transport.ValidationError
		if errors.As(err, &verr) {
			slog.Error("draft has an invalid address", "address", verr.Address)
		}
		return nil, err
	}
	return msg, nil
}
