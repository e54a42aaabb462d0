package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"

	"graphql-client/internal/domain"
	"graphql-client/internal/infra/config"
	"graphql-client/internal/infra/logger"
	"graphql-client/internal/infra/tracer"
	"graphql-client/pkg/graphql"
)

// connect loads config, applies flag overrides, and builds the client along
// with its logger and tracer. cleanup must be called when done.
func connect(ctx context.Context, flags cliFlags) (*graphql.Client, *slog.Logger, func(), error) {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	if flags.Transport != "" {
		cfg.Client.Transport = flags.Transport
	}
	if len(flags.Headers) > 0 {
		if cfg.Client.Headers == nil {
			cfg.Client.Headers = make(map[string]string)
		}
		maps.Copy(cfg.Client.Headers, flags.Headers)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}
	log.Debug("config loaded", "transport", cfg.Client.Transport, logger.Headers("headers", cfg.Client.Headers))

	client, err := graphql.NewFromConfig(ctx, cfg, log)
	if err != nil {
		_ = tracerShutdown(context.Background())
		logCloser()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := client.Close(); err != nil {
			log.Warn("close client", "error", err)
		}
		_ = tracerShutdown(context.Background())
		logCloser()
	}
	return client, log, cleanup, nil
}

func runQuery(ctx context.Context, args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	req, err := flags.request()
	if err != nil {
		return err
	}

	client, _, cleanup, err := connect(ctx, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.Query(ctx, req)
	if err != nil {
		return err
	}
	return writeJSON(out, resp)
}

func runSubscribe(ctx context.Context, args []string, out io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	req, err := flags.request()
	if err != nil {
		return err
	}

	client, log, cleanup, err := connect(ctx, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	frames := make(chan domain.Frame, 64)
	done := make(chan struct{})
	defer close(done)

	id, err := client.Subscribe(ctx, req, func(_ string, f domain.Frame) {
		select {
		case frames <- f:
		case <-done:
		}
	})
	if err != nil {
		return err
	}
	log.Info("subscribed", "id", id)

	stop := func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), config.Defaults().Client.StopTimeout)
		defer cancel()
		return client.StopSubscription(stopCtx, id)
	}

	received := 0
	for {
		select {
		case <-ctx.Done():
			return stop()
		case f := <-frames:
			switch f.Type {
			case domain.FrameData:
				resp, err := domain.DecodeResponse(f.Payload)
				if err != nil {
					log.Warn("undecodable event", "id", id, "error", err)
					continue
				}
				if err := writeJSON(out, resp); err != nil {
					return err
				}
				received++
				if flags.Count > 0 && received >= flags.Count {
					return stop()
				}
			case domain.FrameComplete:
				return nil
			case domain.FrameError:
				return &domain.OperationError{ID: id, Payload: f.Payload}
			case domain.FrameInitError:
				return &domain.ConnectionError{Op: "subscribe", Payload: f.Payload, Err: domain.ErrConnectionLost}
			}
		}
	}
}

func runEncrypt(args []string, out io.Writer) error {
	if len(args) != 1 {
		return errors.New("usage: gqlclient encrypt VALUE")
	}
	passphrase := os.Getenv("GQLCLIENT_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("GQLCLIENT_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "enc:%s\n", enc)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
