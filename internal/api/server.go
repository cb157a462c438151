// Package api exposes the HTTP trigger surface: a manual poll, the
// processing history and a direct pre-assessment run over local files.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/brandon/claim-intake/internal/claims"
	"github.com/brandon/claim-intake/internal/decision"
	"github.com/brandon/claim-intake/internal/ledger"
	"github.com/brandon/claim-intake/internal/scanner"
)

const maxBodySize = 1 << 20

// Poller runs one mailbox poll.
type Poller interface {
	Poll(ctx context.Context, opts scanner.Options) ([]scanner.Result, error)
}

// History lists ledger entries.
type History interface {
	Search(opts ledger.SearchOptions) ([]ledger.Entry, error)
}

// Workflow runs a claim workflow over local files.
type Workflow interface {
	Run(ctx context.Context, kind decision.Action, paths []string) (*claims.Outcome, error)
}

// Deps are the handler dependencies. History may be nil.
type Deps struct {
	Poller   Poller
	History  History
	Workflow Workflow
	Logger   *logrus.Logger
}

// NewHandler builds the router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "claim-intake")
	})

	r.Get("/health", handleHealth)
	r.Get("/imap/import", handleImport(deps))
	r.Get("/imap/history", handleHistory(deps))
	r.Post("/claim/pre_approval/json", handlePreApproval(deps))
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := scanner.Options{Mailbox: r.URL.Query().Get("mailbox")}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			opts.Limit = n
		}

		results, err := deps.Poller.Poll(r.Context(), opts)
		if errors.Is(err, scanner.ErrPollInProgress) {
			httpError(w, http.StatusConflict, "%v", err)
			return
		}
		if err != nil {
			deps.Logger.WithError(err).Error("Mailbox poll failed")
			httpError(w, http.StatusBadGateway, "mailbox poll failed: %v", err)
			return
		}

		processed := 0
		for _, res := range results {
			if res.Processed {
				processed++
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":     len(results),
			"processed": processed,
			"messages":  results,
		})
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.History == nil {
			httpError(w, http.StatusNotFound, "history is not enabled")
			return
		}
		q := r.URL.Query()
		opts := ledger.SearchOptions{
			Action:  q.Get("action"),
			Outcome: q.Get("outcome"),
			Sender:  q.Get("sender"),
			Subject: q.Get("subject"),
			Text:    q.Get("text"),
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			opts.Limit = n
		}

		entries, err := deps.History.Search(opts)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "%v", err)
			return
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":   len(entries),
			"entries": entries,
		})
	}
}

type preApprovalRequest struct {
	Paths []string `json:"paths"`
}

func handlePreApproval(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req preApprovalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if len(req.Paths) == 0 {
			httpError(w, http.StatusBadRequest, "paths is required")
			return
		}
		for _, p := range req.Paths {
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				httpError(w, http.StatusBadRequest, "not a readable file: %s", p)
				return
			}
		}

		outcome, err := deps.Workflow.Run(r.Context(), decision.PreAssessmentForm, req.Paths)
		if err != nil {
			status := http.StatusInternalServerError
			if _, ok := claims.AsFailure(err); ok {
				status = http.StatusUnprocessableEntity
			}
			writeJSON(w, status, map[string]any{
				"error":   err.Error(),
				"outcome": outcome,
			})
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]any{"error": fmt.Sprintf(format, args...)})
}
