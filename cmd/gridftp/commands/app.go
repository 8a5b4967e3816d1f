package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/marmos91/gridftp/internal/cli/output"
	"github.com/marmos91/gridftp/internal/cli/prompt"
	"github.com/marmos91/gridftp/internal/logger"
	"github.com/marmos91/gridftp/internal/telemetry"
	"github.com/marmos91/gridftp/pkg/config"
	"github.com/marmos91/gridftp/pkg/gridftp"
	"github.com/marmos91/gridftp/pkg/metrics"
	"github.com/marmos91/gridftp/pkg/metrics/prometheus"
	"github.com/spf13/cobra"
)

// app is everything a command needs to talk to servers: loaded
// configuration, a client, operation attributes and an output printer.
type app struct {
	ctx     context.Context
	cfg     *config.Config
	client  *gridftp.Client
	attr    *gridftp.OperationAttr
	printer *output.Printer

	closers []func()
}

// newApp loads configuration, applies flag overrides and initializes
// logging, telemetry and metrics. urls are the remote arguments of the
// command; X.509 credentials are only loaded when one of them is gsiftp.
func newApp(cmd *cobra.Command, urls ...string) (*app, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, err
	}
	if err := clientOverrides.apply(cmd, &cfg.Client); err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "DEBUG"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}

	if err := InitLogger(cfg); err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	a := &app{
		ctx:     ctx,
		cfg:     cfg,
		printer: output.NewPrinter(cmd.OutOrStdout(), format, true),
		closers: []func(){stop},
	}

	if err := a.initTelemetry(cmd.Name()); err != nil {
		a.Close()
		return nil, err
	}

	var m metrics.TransferMetrics
	if cfg.Metrics.Enabled {
		m = a.initMetrics()
	}

	auth, err := authenticator(cfg, urls)
	if err != nil {
		a.Close()
		return nil, err
	}

	hattr, err := cfg.Client.HandleAttr()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, hattr.Destroy)

	a.client, err = gridftp.NewClient(hattr, gridftp.WithAuthenticator(auth), gridftp.WithMetrics(m))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.client.Destroy(); err != nil {
			logger.Debug("client destroy", logger.KeyError, err)
		}
	})

	a.attr, err = cfg.Client.OperationAttr()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.attr.Destroy)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) initTelemetry(command string) error {
	tcfg := a.cfg.Telemetry
	shutdown, err := telemetry.Init(a.ctx, telemetry.Config{
		Enabled:        tcfg.Enabled,
		ServiceName:    "gridftp",
		ServiceVersion: Version,
		Endpoint:       tcfg.Endpoint,
		Insecure:       tcfg.Insecure,
		SampleRate:     tcfg.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown error", logger.KeyError, err)
		}
	})

	stopProfiling, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        tcfg.Profiling.Enabled,
		ServiceName:    "gridftp",
		ServiceVersion: Version,
		Endpoint:       tcfg.Profiling.Endpoint,
		ProfileTypes:   tcfg.Profiling.ProfileTypes,
		Tags: map[string]string{
			"command":     command,
			"mode":        a.cfg.Client.Mode,
			"parallelism": strconv.Itoa(a.cfg.Client.Parallelism),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := stopProfiling(); err != nil {
			logger.Warn("profiling shutdown error", logger.KeyError, err)
		}
	})

	if telemetry.IsEnabled() {
		logger.Debug("tracing enabled", "endpoint", tcfg.Endpoint, "sample_rate", tcfg.SampleRate)
	}
	return nil
}

// initMetrics starts the /metrics endpoint for the lifetime of the
// command.
func (a *app) initMetrics() metrics.TransferMetrics {
	metrics.InitRegistry()
	m := prometheus.NewTransferMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	addr := fmt.Sprintf(":%d", a.cfg.Metrics.Port)
	go func() {
		defer close(done)
		if err := metrics.Serve(ctx, addr); err != nil {
			logger.Warn("metrics server stopped", logger.KeyAddr, addr, logger.KeyError, err)
		}
	}()
	logger.Debug("metrics endpoint started", logger.KeyAddr, addr)

	a.closers = append(a.closers, func() {
		cancel()
		<-done
	})
	return m
}

// authenticator picks TLS with the configured X.509 credential when any
// URL is gsiftp, plain TCP otherwise.
func authenticator(cfg *config.Config, urls []string) (gridftp.Authenticator, error) {
	secure := false
	for _, u := range urls {
		if strings.HasPrefix(strings.ToLower(u), "gsiftp://") {
			secure = true
		}
	}
	if !secure {
		return &gridftp.PlainAuthenticator{}, nil
	}

	creds := cfg.Credentials.GSI()
	if creds.PKCS12File != "" && creds.ProxyFile == "" && creds.PKCS12Password == "" {
		pw, err := prompt.Password(fmt.Sprintf("Password for %s", creds.PKCS12File))
		if err != nil {
			return nil, err
		}
		creds.PKCS12Password = pw
	}
	tlsCfg, err := creds.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return &gridftp.TLSAuthenticator{Config: tlsCfg}, nil
}

// wait blocks until op resolves. An interrupt aborts the operation and
// still waits for it, so the server sees ABOR before the process exits.
func (a *app) wait(op *gridftp.Operation) error {
	select {
	case <-op.Done():
	case <-a.ctx.Done():
		logger.Info("interrupted, aborting", logger.KeyOperation, op.Kind())
		if err := a.client.Abort(); err != nil && !errors.Is(err, gridftp.ErrInvalidState) {
			logger.Warn("abort failed", logger.KeyError, err)
		}
		<-op.Done()
	}
	return op.Err()
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	loggerCfg := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}
	if err := logger.Init(loggerCfg); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
