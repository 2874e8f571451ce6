package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/shineum/mailbridge/internal/config"
	"github.com/shineum/mailbridge/internal/provider"
	"github.com/shineum/mailbridge/internal/provider/graph"
	"github.com/shineum/mailbridge/internal/provider/ses"
	"github.com/shineum/mailbridge/internal/provider/smtp"
	"github.com/shineum/mailbridge/internal/provider/stdout"
)

// selectProvider chooses the email delivery backend based on configuration.
// If PROVIDER is set, it takes precedence. Otherwise the first configured
// backend wins in the order Graph, SES, SMTP, falling back to stdout.
func selectProvider(ctx context.Context, cfg *config.Config, out io.Writer) (provider.Provider, error) {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES provider selected but SES_REGION and SES_SENDER are required")
		}
		return newSES(ctx, cfg)

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, and GRAPH_SENDER are required")
		}
		return newGraph(cfg), nil

	case "smtp":
		if !cfg.SMTPConfigured() {
			return nil, errors.New("SMTP provider selected but SMTP_HOST is required")
		}
		return newSMTP(cfg)

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.NewWithWriter(out), nil

	case "":
		switch {
		case cfg.GraphConfigured():
			slog.Info("Graph credentials found, auto-selecting provider")
			return newGraph(cfg), nil
		case cfg.SESConfigured():
			slog.Info("SES settings found, auto-selecting provider")
			return newSES(ctx, cfg)
		case cfg.SMTPConfigured():
			slog.Info("SMTP relay host found, auto-selecting provider")
			return newSMTP(cfg)
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.NewWithWriter(out), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	p, err := ses.New(ctx, ses.SESProviderConfig{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES provider: %w", err)
	}
	return p, nil
}

func newGraph(cfg *config.Config) provider.Provider {
	slog.Info("using Microsoft Graph provider",
		"sender", cfg.Graph.Sender,
	)
	return graph.New(graph.GraphProviderConfig{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
	})
}

func newSMTP(cfg *config.Config) (provider.Provider, error) {
	slog.Info("using SMTP relay provider",
		"host", cfg.SMTP.Host,
		"port", cfg.SMTP.Port,
		"tls", cfg.SMTP.TLS,
	)
	p, err := smtp.New(smtp.SMTPProviderConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		TLS:      cfg.SMTP.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP provider: %w", err)
	}
	return p, nil
}
