package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	leaseguard "go-leaseguard"
	"go-leaseguard/notify"
	"go-leaseguard/pipeline"
	"go-leaseguard/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coachnode_http_requests_total",
	Help: "HTTP requests handled by coachnode, by route and status.",
}, []string{"route", "status"})

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the notification endpoint and run the background lease check",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	var a, err = openApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lease, err := a.lease()
	if err != nil {
		return err
	}

	var (
		mailbox = newLogMailbox(a.logger)
		claims  = a.claims()
		limiter = ratelimit.New(
			ratelimit.WithLogger(a.logger),
			ratelimit.WithMetrics(prometheus.DefaultRegisterer),
		)
	)

	pipe, err := pipeline.New(pipeline.Config{
		Mailbox:          mailbox,
		Grader:           lengthGrader{},
		Lease:            lease,
		Claims:           claims,
		Cursor:           leaseguard.NewHistoryCursor(a.store, a.options()...),
		Limiter:          limiter,
		BotAddress:       a.cfg.Mail.BotAddress,
		PortalURL:        a.cfg.Mail.PortalURL,
		RedirectCooldown: a.cfg.Mail.RedirectCooldown,
		GradeTimeout:     a.cfg.Mail.GradeTimeout,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}

	if a.cfg.Lease.Schedule != "" {
		var scheduler = cron.New(cron.WithLogger(cronLogger{a.logger}))
		_, err := scheduler.AddFunc(a.cfg.Lease.Schedule, func() {
			if err := lease.Ensure(ctx, mailbox.Watch); err != nil {
				a.logger.Warn("scheduled lease check failed", "lease", lease.Name(), "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid lease schedule %q: %w", a.cfg.Lease.Schedule, err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	if a.cfg.AMQP.URL != "" {
		conn, err := notify.Dial(a.cfg.AMQP.URL, a.logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		var consumer = notify.NewConsumer(conn, a.logger, notify.ConsumerConfig{
			Queue:    a.cfg.AMQP.Queue,
			Handler:  pipe.HandleNotification,
			Prefetch: a.cfg.AMQP.Prefetch,
		})
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("consumer stopped", "error", err)
			}
		}()
	}

	var server = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           newRouter(a, pipe, claims, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var serveErr = make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", server.Addr, "store", a.cfg.Store.Kind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	}

	a.logger.Info("shutting down")

	var shutdownCtx, cancel = context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownGracePeriod)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", "error", err)
	}

	a.logger.Info("stopped")
	return nil
}

func newRouter(a *app, pipe *pipeline.Pipeline, claims *leaseguard.TaskClaimGuard, limiter *ratelimit.Limiter) http.Handler {
	var (
		mux     = http.NewServeMux()
		h       = &handler{app: a, pipe: pipe, claims: claims, limiter: limiter}
		limited = ratelimit.Middleware(limiter, a.cfg.HTTP.NotificationRate, a.cfg.HTTP.NotificationWindow)
		started = time.Now()
	)

	mux.Handle("POST /notifications", limited(http.HandlerFunc(h.notification)))
	mux.Handle("POST /messages", limited(http.HandlerFunc(h.message)))
	mux.HandleFunc("POST /tasks", h.schedule)
	mux.HandleFunc("GET /tasks/{owner}/{id}", h.show)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(started).Round(time.Second))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return logging(a.logger)(mux)
}

type handler struct {
	app     *app
	pipe    *pipeline.Pipeline
	claims  *leaseguard.TaskClaimGuard
	limiter *ratelimit.Limiter
}

// notification acknowledges with 204 once every message was handled. Any
// other status makes the push sender redeliver.
func (h *handler) notification(w http.ResponseWriter, r *http.Request) {
	var body, err = io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	n, err := pipeline.DecodeNotification(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.pipe.HandleNotification(r.Context(), n); err != nil {
		h.app.logger.Error("failed to handle notification", "history_id", n.HistoryID, "error", err)
		writeError(w, http.StatusInternalServerError, "notification not processed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageRequest struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// message feeds a single message straight into the pipeline.
func (h *handler) message(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.From == "" {
		writeError(w, http.StatusBadRequest, "id and from are required")
		return
	}

	var msg = &pipeline.Message{ID: req.ID, ThreadID: req.ThreadID, From: req.From, Subject: req.Subject, Body: req.Body}
	if err := h.pipe.HandleMessage(r.Context(), msg); err != nil {
		h.app.logger.Error("failed to handle message", "message_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "message not processed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scheduleRequest struct {
	Owner   string            `json:"owner"`
	Payload leaseguard.Fields `json:"payload"`
}

// schedule starts a new attempt for an owner, at most once per cooldown.
func (h *handler) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	var (
		owner    = strings.ToLower(strings.TrimSpace(req.Owner))
		cooldown = h.app.cfg.HTTP.ScheduleCooldown
		limitKey = "schedule:" + owner
	)
	if !h.limiter.CheckCooldown(limitKey, cooldown) {
		var wait = h.limiter.CooldownRemaining(limitKey, cooldown)
		w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, fmt.Sprintf("please wait %s before starting another scenario", wait.Round(time.Second)))
		return
	}

	key, err := h.claims.Schedule(r.Context(), owner, req.Payload)
	if errors.Is(err, leaseguard.ErrInvalidTaskKey) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.app.logger.Error("failed to schedule task", "owner", owner, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to schedule task")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"taskKey": key.String(), "id": key.ID})
}

func (h *handler) show(w http.ResponseWriter, r *http.Request) {
	var key = leaseguard.TaskKey{Owner: r.PathValue("owner"), ID: r.PathValue("id")}

	record, err := h.claims.Get(r.Context(), key)
	if errors.Is(err, leaseguard.ErrInvalidTaskKey) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.app.logger.Error("failed to read task", "task_key", key.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read task")
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	writeJSON(w, http.StatusOK, taskView(record))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// logging logs and counts each request.
func logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				start = time.Now()
				rw    = &statusWriter{ResponseWriter: w, status: http.StatusOK}
			)

			next.ServeHTTP(rw, r)

			httpRequests.WithLabelValues(r.Pattern, strconv.Itoa(rw.status)).Inc()
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"duration", time.Since(start),
				"client_ip", ratelimit.ClientIP(r))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
