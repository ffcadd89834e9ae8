// Package server exposes stored subjects, items and scores read-only over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/elonfeng/polieval/internal/store"
	"github.com/elonfeng/polieval/pkg/metrics"
	"github.com/elonfeng/polieval/pkg/scoring"
	"github.com/elonfeng/polieval/pkg/source"
)

// Server provides the HTTP API.
type Server struct {
	store    store.Store
	profiles *scoring.Registry
	addr     string
	logger   *zap.Logger
}

// New creates a new HTTP server.
func New(s store.Store, profiles *scoring.Registry, addr string, logger *zap.Logger) *Server {
	if addr == "" {
		addr = ":8080"
	}
	return &Server{
		store:    s,
		profiles: profiles,
		addr:     addr,
		logger:   logger.With(zap.String("component", "server")),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/subjects", s.handleSubjects)
	mux.HandleFunc("GET /api/v1/subjects/{id}/items", s.handleItems)
	mux.HandleFunc("GET /api/v1/subjects/{id}/scores", s.handleScores)
	mux.HandleFunc("GET /api/v1/rankings", s.handleRankings)
	mux.HandleFunc("GET /api/v1/profiles/{name}/grades", s.handleGrades)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubjects(w http.ResponseWriter, r *http.Request) {
	var (
		subjects []source.Subject
		err      error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		subjects, err = s.store.FindSubjects(r.Context(), name)
	} else {
		subjects, err = s.store.ListSubjects(r.Context())
	}
	if err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  subjects,
		"count": len(subjects),
	})
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.subjectExists(w, r, id) {
		return
	}

	f := store.ItemFilter{SubjectID: id, Limit: 100}
	if c := r.URL.Query().Get("category"); c != "" {
		cat, err := source.ParseCategory(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Category = cat
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	items, err := s.store.ListItems(r.Context(), f)
	if err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  items,
		"count": len(items),
	})
}

type evaluatorScores struct {
	Evaluator  string                `json:"evaluator_agent"`
	Categories []store.CategoryScore `json:"categories"`
	Final      *store.FinalScore     `json:"final"`
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.profile(w, r.URL.Query().Get("profile"))
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !s.subjectExists(w, r, id) {
		return
	}

	ctx := r.Context()
	evaluators := []string{r.URL.Query().Get("ai")}
	if evaluators[0] == "" {
		var err error
		if evaluators, err = s.store.ListEvaluators(ctx, id); err != nil {
			s.internalError(w, err)
			return
		}
	}

	out := make([]evaluatorScores, 0, len(evaluators))
	for _, ev := range evaluators {
		cats, err := s.store.ListCategoryScores(ctx, id, ev, profile.Name)
		if err != nil {
			s.internalError(w, err)
			return
		}
		final, err := s.store.GetFinalScore(ctx, id, ev, profile.Name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.internalError(w, err)
			return
		}
		out = append(out, evaluatorScores{Evaluator: ev, Categories: cats, Final: final})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": id,
		"profile":    profile.Name,
		"data":       out,
	})
}

func (s *Server) handleRankings(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.profile(w, r.URL.Query().Get("profile"))
	if !ok {
		return
	}

	scores, err := s.store.ListFinalScores(r.Context(), store.FinalFilter{
		Profile:   profile.Name,
		Evaluator: r.URL.Query().Get("ai"),
		Limit:     100,
	})
	if err != nil {
		s.internalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"profile": profile.Name,
		"data":    scores,
		"count":   len(scores),
	})
}

type gradeRange struct {
	scoring.Grade
	Max *float64 `json:"max,omitempty"`
}

func (s *Server) handleGrades(w http.ResponseWriter, r *http.Request) {
	profile, ok := s.profile(w, r.PathValue("name"))
	if !ok {
		return
	}

	out := make([]gradeRange, len(profile.Grades))
	for i, g := range profile.Grades {
		out[i] = gradeRange{Grade: g}
		if i > 0 {
			upper := profile.Grades.Upper(i)
			out[i].Max = &upper
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"profile": profile.Name,
		"data":    out,
	})
}

func (s *Server) profile(w http.ResponseWriter, name string) (scoring.Profile, bool) {
	p, err := s.profiles.Get(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return scoring.Profile{}, false
	}
	return p, true
}

func (s *Server) subjectExists(w http.ResponseWriter, r *http.Request, id string) bool {
	_, err := s.store.GetSubject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown subject "+id)
		return false
	}
	if err != nil {
		s.internalError(w, err)
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
