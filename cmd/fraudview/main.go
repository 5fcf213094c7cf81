// fraudview is a browser-facing fraud-operations dashboard fronted by an
// OpenID Connect authorization-code-with-PKCE login flow.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fraudview/internal/authflow"
	"fraudview/internal/config"
	"fraudview/internal/oidc"
	"fraudview/internal/session"
	"fraudview/internal/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fraudview exited with error", "err", err.Error())
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to optional YAML config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := session.New(session.WithPath(cfg.SessionFile))
	if err != nil {
		return err
	}

	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	discovery := oidc.NewCache(oidc.WithHTTPClient(hc))
	verifier := oidc.NewVerifier(oidc.NewKeyCache(oidc.WithKeyHTTPClient(hc)))

	flow := authflow.New(authflow.Config{
		Issuer:                 cfg.Issuer,
		ClientID:               cfg.ClientID,
		ClientSecret:           cfg.ClientSecret,
		RedirectURL:            cfg.RedirectURL,
		Scopes:                 cfg.Scopes,
		ProbeAuthorizeEndpoint: cfg.ProbeAuthorizeEndpoint,
		HTTPClient:             hc,
	}, discovery, verifier, store)

	cookies := authflow.NewCookies(cfg.Production(), []byte(cfg.CookieAuthKey))
	srv := web.New(flow, cookies, store)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr, "environment", cfg.Environment)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = store.Close()
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err.Error())
	}

	// final synchronous persist so a restart does not log everyone out
	return store.Close()
}
