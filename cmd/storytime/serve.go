package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	storyhttp "github.com/mihaimyh/storytime/middleware/http"
	"github.com/mihaimyh/storytime/pkg/api"
	"github.com/mihaimyh/storytime/pkg/engine"
)

// AccountHeader carries the caller's account on every API request.
const AccountHeader = "X-Account-ID"

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var progressEvery time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the profile, progression and quota API. Requests identify the
account with the X-Account-ID header. POST /v1/stories is gated on the daily
quota and charged only when it succeeds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			router, err := a.newRouter()
			if err != nil {
				return err
			}
			return a.serve(ctx, router, progressEvery)
		},
	}

	cmd.Flags().StringVar(&a.overrides.ListenAddr, "listen", "", "address to listen on")
	cmd.Flags().DurationVar(&progressEvery, "progress-every", 0, "progress every stored account on this interval (0 disables)")
	return cmd
}

func (a *app) serve(ctx context.Context, handler http.Handler, progressEvery time.Duration) error {
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("listening", engine.Field{Key: "addr", Value: srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if progressEvery > 0 {
		g.Go(func() error {
			a.progressLoop(ctx, progressEvery)
			return nil
		})
	}
	return g.Wait()
}

// progressLoop plays the part of the foreground trigger for accounts whose
// device is not running.
func (a *app) progressLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := a.registry.RunEvery(ctx, a.cfg.Concurrency)
			if err != nil {
				a.log.Error("scheduled progression failed", engine.Field{Key: "error", Value: err})
				continue
			}
			a.log.Debug("scheduled progression finished", engine.Field{Key: "accounts", Value: len(results)})
		}
	}
}

func (a *app) newRouter() (http.Handler, error) {
	h, err := api.NewHandler(api.Config{
		Registry:     a.registry,
		GetAccountID: api.FromHeader(AccountHeader),
		Logger:       a.log,
	})
	if err != nil {
		return nil, err
	}

	gate := storyhttp.Middleware(storyhttp.Config{
		Registry:     a.registry,
		GetAccountID: storyhttp.FromHeader(AccountHeader),
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			a.log.Error("quota check failed", engine.Field{Key: "error", Value: err})
			http.Error(w, http.StatusText(api.StatusCode(err)), api.StatusCode(err))
		},
		Logger: a.log,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{Registry: a.reg}))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Post("/progress", h.Progress)
		r.Put("/model", h.SelectModel)
		r.Put("/tier", h.ChangeTier)

		r.Get("/profile", h.GetProfile)
		r.Post("/profile", h.Onboard)
		r.Patch("/profile", h.EditProfile)

		r.With(gate).Post("/stories", acceptStory)
	})
	return r, nil
}

// storyAccepted is returned for an admitted generation request.
type storyAccepted struct {
	Model     string `json:"model"`
	Remaining int    `json:"remaining"`
}

// acceptStory admits a generation request. Producing the story itself is
// left to the generator service behind this API.
func acceptStory(w http.ResponseWriter, r *http.Request) {
	s, _ := storyhttp.SnapshotFromContext(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(storyAccepted{
		Model:     s.Model,
		Remaining: s.Remaining - 1,
	})
}

func (a *app) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		a.zlog.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
