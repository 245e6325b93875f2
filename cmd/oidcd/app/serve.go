// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/oidcd/pkg/logger"
	"github.com/stacklok/oidcd/pkg/oidc"
)

const (
	defaultListenAddress  = ":8080"
	readHeaderTimeout     = 10 * time.Second
	shutdownGracePeriod   = 10 * time.Second
	defaultConfigFileName = "oidcd.yaml"
	configFlagName        = "config"
	listenAddressFlagName = "listen-address"
)

// serveConfig is the daemon configuration file shape: the provider
// configuration plus the listen address.
type serveConfig struct {
	ListenAddress string `mapstructure:"listen_address"`

	oidc.Config `mapstructure:",squash"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the OIDC provider",
	Long:  "Run the OIDC provider, serving the protocol endpoints until interrupted.",
	RunE:  serveCmdFunc,
}

func init() {
	serveCmd.Flags().String(configFlagName, defaultConfigFileName, "Path to the YAML configuration file")
	serveCmd.Flags().String(listenAddressFlagName, "", "Address to listen on (overrides the configuration file)")
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString(configFlagName)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if override, _ := cmd.Flags().GetString(listenAddressFlagName); override != "" {
		cfg.ListenAddress = override
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := oidc.New(ctx, &cfg.Config)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warnw("failed to close provider", "error", err.Error())
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           provider.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("listening", "address", cfg.ListenAddress, "issuer", cfg.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// loadConfig reads and decodes the daemon configuration file.
func loadConfig(path string) (*serveConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}

	var cfg serveConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration %s: %w", path, err)
	}
	return &cfg, nil
}
