package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/adapters/auditexport"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/adapters/httpapi"
	"github.com/joshuawendorf21310/FusionEMS-Core-sub002/internal/blob"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root, addr, cmd)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func serve(ctx context.Context, root *rootOptions, addr string, cmd *cobra.Command) error {
	rt, err := openRuntime(ctx, root.configPath, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer rt.Close()
	if addr == "" {
		addr = rt.cfg.HTTP.Addr
	}

	store, err := blob.Open(ctx, rt.cfg.BlobStore())
	if err != nil {
		return err
	}
	exporter := auditexport.New(rt.svc, store, auditexport.WithLogger(rt.logger))
	exporter.Start()

	auth := httpapi.NewAuthenticator(rt.cfg.Auth.JWTSecret, rt.cfg.Auth.Issuer)
	if auth == nil {
		rt.logger.Warn("no jwt secret configured; all /v1 requests will be rejected",
			"event", "auth_disabled",
			"module", "cmd/opscore",
			"layer", "cli",
		)
	}
	opts := []httpapi.Option{
		httpapi.WithLogger(rt.logger),
		httpapi.WithExporter(exporter),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})),
	}
	if rt.subscriber != nil {
		opts = append(opts, httpapi.WithSubscriber(rt.subscriber))
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpapi.New(rt.svc, auth, opts...).Handler(),
		ReadTimeout:  rt.cfg.HTTP.ReadTimeout,
		WriteTimeout: rt.cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("http server listening",
			"event", "http_listen",
			"module", "cmd/opscore",
			"layer", "cli",
			"addr", addr,
			"storage", rt.cfg.Storage.Driver,
			"publisher", rt.cfg.Publisher.Driver,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = exporter.Stop(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	rt.logger.Info("shutting down", "event", "http_shutdown", "module", "cmd/opscore", "layer", "cli")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return exporter.Stop(shutdownCtx)
}
