// Package app wires configuration, the journal, the session manager and
// the HTTP surface into one runnable server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"patchcast/internal/retention"
	"patchcast/pkg/config"
	"patchcast/pkg/ingest"
	"patchcast/pkg/journal"
	"patchcast/pkg/logger"
	"patchcast/pkg/session"
	"patchcast/pkg/state"
	"patchcast/pkg/stream"
	"patchcast/pkg/validation"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	manager *session.Manager
	hub     *stream.Hub

	retentionCancel context.CancelFunc
	srv             *http.Server
}

// New initializes resources that do not require a running context
// (journal, validation rules, runtime keys, session manager). It does
// not start retention or the HTTP server; call Run to start those and
// block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	// validate effective config early and fail fast
	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	logger.InitWithLevel(eff.Config.Logging.Level)

	// runtime keys: signing keys are the backend API keys
	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range eff.Config.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	initValidation(eff)

	if n := eff.Config.Delivery.MaxPooledBuffer.Int64(); n > 0 {
		ingest.SetMaxPooledBuffer(int(n))
	}

	if err := state.EnsureStateDirs(eff.DBPath); err != nil {
		return nil, fmt.Errorf("failed to prepare state dirs under %s: %w", eff.DBPath, err)
	}
	if err := journal.Open(state.PathsVar.Journal); err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", state.PathsVar.Journal, err)
	}

	opts, err := sessionOptions(eff)
	if err != nil {
		return nil, err
	}

	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate}
	a.hub = stream.NewHub(eff.Config.Security.CORS.AllowedOrigins, eff.Config.Delivery.SubscriberBuffer)
	a.manager = session.NewManager(opts, a.hub)
	return a, nil
}

// Run starts retention (if enabled) and the HTTP server, and blocks
// until ctx is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	cancel, err := retention.Start(ctx, a.eff.Config.Retention)
	if err != nil {
		return err
	}
	a.retentionCancel = cancel

	errCh := a.startHTTP(ctx)

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return err
	}
}

// shutdown stops accepting requests, drains session workers and closes
// the journal. Order matters: HTTP first so no new patches arrive while
// workers drain.
func (a *App) shutdown() {
	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			logger.Warn("http_shutdown_error", "error", err)
		}
	}
	if a.retentionCancel != nil {
		a.retentionCancel()
	}
	a.manager.Close()
	a.hub.CloseAll()
	if err := journal.Close(); err != nil {
		logger.Warn("journal_close_error", "error", err)
	}
	logger.Info("shutdown_complete")
}

// sessionOptions maps delivery config onto the session manager's knobs,
// reading the page template file once up front.
func sessionOptions(eff config.EffectiveConfigResult) (session.Options, error) {
	opts := session.Options{
		Containers:        append([]string{}, eff.Config.Delivery.Containers...),
		PrependContainers: append([]string{}, eff.Config.Delivery.PrependContainers...),
		MarkerFormat:      eff.Config.Delivery.ModifiedMarker,
		QueueCapacity:     eff.Config.Delivery.QueueCapacity,
	}
	if f := eff.Config.Delivery.PageTemplateFile; f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return opts, fmt.Errorf("failed to read page template %s: %w", f, err)
		}
		opts.PageTemplate = string(b)
	}
	return opts, nil
}

// initValidation builds patch policy rules from config and sets them globally.
func initValidation(eff config.EffectiveConfigResult) {
	v := eff.Config.Validation
	validation.SetRules(validation.Rules{
		MaxContentBytes:   int(v.MaxContentBytes.Int64()),
		MaxAuthorLen:      v.MaxAuthorLen,
		MaxDependencies:   v.MaxDependencies,
		AllowedContainers: append([]string{}, v.AllowedContainers...),
		RequireAuthor:     v.RequireAuthor,
	})
}
