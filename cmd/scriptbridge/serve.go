package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"pkt.systems/pslog"
	"pkt.systems/scriptbridge"
	"pkt.systems/scriptbridge/httpapi"
	"pkt.systems/scriptbridge/internal/appconfig"
	"pkt.systems/scriptbridge/internal/browser"
	"pkt.systems/scriptbridge/internal/connmgr"
	"pkt.systems/scriptbridge/schema"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var devtoolsURL string
	var headless bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if devtoolsURL != "" {
				cfg.Browser.DevToolsURL = devtoolsURL
			}
			if cmd.Flags().Changed("headless") {
				cfg.Browser.Headless = headless
			}
			logger := pslog.Ctx(cmd.Context())
			if cfg.Logging.File != "" {
				rotating, err := openLogFile(cfg.Logging)
				if err != nil {
					return err
				}
				defer func() { _ = rotating.Close() }()
				logger = pslog.LoggerFromEnv(
					pslog.WithEnvWriter(io.MultiWriter(os.Stderr, rotating)),
					pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, NoColor: true}),
				)
			}
			if err := ensureStateDirs(cfg); err != nil {
				return err
			}

			serverCfg := toServerConfig(cfg)
			server, err := scriptbridge.New(serverCfg, scriptbridge.ServerDeps{Logger: logger}, scriptbridge.WithHTTP())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(pslog.ContextWithLogger(cmd.Context(), logger), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if serverCfg.Browser.DevToolsURL != "" {
				logger.Info("browser attach", "devtools", serverCfg.Browser.DevToolsURL)
			} else {
				logger.Info("browser launch", "exec", serverCfg.Browser.ExecPath, "headless", serverCfg.Browser.Headless)
			}
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&devtoolsURL, "devtools-url", "", "attach to a running browser instead of launching one")
	cmd.Flags().BoolVar(&headless, "headless", false, "launch the browser headless")
	return cmd
}

func toServerConfig(cfg appconfig.Config) scriptbridge.ServerConfig {
	return scriptbridge.ServerConfig{
		StateDir: cfg.StateDir,
		StoreDSN: cfg.Store.DSN,
		HTTP: httpapi.Config{
			Addr:           cfg.HTTP.Addr,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		},
		Browser: browser.Config{
			DevToolsURL: cfg.Browser.DevToolsURL,
			ExecPath:    cfg.Browser.ExecPath,
			Headless:    cfg.Browser.Headless,
			EvalTimeout: time.Duration(cfg.Browser.EvalTimeoutMS) * time.Millisecond,
		},
		Connection: connmgr.Config{
			PollInterval:    time.Duration(cfg.Connection.PollIntervalMS) * time.Millisecond,
			ReadyTimeout:    time.Duration(cfg.Connection.ReadyTimeoutMS) * time.Millisecond,
			DefaultEndpoint: schema.Endpoint(cfg.Connection.DefaultEndpoint),
		},
		AutoReconnect:  cfg.Connection.AutoReconnect,
		InstallerHosts: cfg.Installer.AllowedHosts,
	}
}

func openLogFile(cfg appconfig.LoggingConfig) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}, nil
}

func ensureStateDirs(cfg appconfig.Config) error {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o700)
}
