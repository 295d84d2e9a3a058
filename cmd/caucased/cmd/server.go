package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmcleod/caucase/api"
	"github.com/jmcleod/caucase/backup"
	"github.com/jmcleod/caucase/internal/logging"
)

func newHTTPServer(addr string, handler http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ErrorLog:          logging.StandardErrorLog(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, err := cfg.Hostname()
	if err != nil {
		return err
	}
	auth, err := openAuthorities(ctx, cfg)
	if err != nil {
		return err
	}
	defer auth.Close()

	certs := &certManager{
		fs:        afero.NewOsFs(),
		path:      cfg.ServerKey,
		authority: auth.httpCAS,
		host:      host,
		keyLen:    cfg.KeyLen,
		threshold: cfg.Threshold,
		log:       logging.L.Named("server-cert"),
	}
	if err := certs.Update(ctx, false); err != nil {
		return err
	}

	router := api.New(auth.cas, auth.cau).Router()
	httpServer := newHTTPServer(cfg.HTTPAddr, router, nil)
	httpsServer := newHTTPServer(cfg.HTTPSAddr, router, &tls.Config{
		GetCertificate: certs.GetCertificate,
		// Client certificates are verified against the CAU by the API.
		ClientAuth: tls.RequestClientCert,
		MinVersion: tls.VersionTLS12,
	})

	done := make(chan error, 4)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("http server failed: %w", err)
		}
	}()
	go func() {
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("https server failed: %w", err)
		}
	}()
	go func() {
		if err := certs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			done <- err
		}
	}()
	if cfg.BackupDirectory != "" {
		scheduler := &backup.Scheduler{
			Fs:        afero.NewOsFs(),
			Dir:       cfg.BackupDirectory,
			Period:    cfg.BackupPeriod,
			Authority: auth.cau,
			Log:       logging.L.Named("backup"),
		}
		go func() {
			if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				done <- fmt.Errorf("backup scheduler failed: %w", err)
			}
		}()
	}

	printBanner()
	logging.L.Info("caucased started",
		zap.String("netloc", cfg.Netloc),
		zap.String("http", cfg.HTTPAddr),
		zap.String("https", cfg.HTTPSAddr),
		zap.String("db", cfg.DB),
		zap.Time("next_certificate_update", certs.NextUpdate()),
	)

	select {
	case <-ctx.Done():
		logging.L.Info("shutting down")
		err = nil
	case err = <-done:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(err, httpServer.Shutdown(shutdownCtx), httpsServer.Shutdown(shutdownCtx))
}
