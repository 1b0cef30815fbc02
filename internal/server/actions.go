package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/schaermu/relsyncd/internal/app"
	"github.com/schaermu/relsyncd/internal/sync"
)

// jobResponse is returned by every action endpoint
type jobResponse struct {
	JobID  string `json:"job_id"`
	Action string `json:"action"`
}

// job builds the work unit for one request
type job func(r *http.Request) func(context.Context) app.Result

// actionsRouter launches operator actions as background jobs. Responses
// only carry the job id; outcomes end up in the logs and documents.
func (s *Server) actionsRouter() http.Handler {
	r := chi.NewRouter()

	r.Post("/check", s.launch("check", func(*http.Request) func(context.Context) app.Result {
		return s.runner.Check
	}))
	r.Post("/download", s.launch("download", func(req *http.Request) func(context.Context) app.Result {
		force := queryBool(req, "force")
		return func(ctx context.Context) app.Result {
			return s.runner.Download(ctx, sync.Options{Force: force})
		}
	}))
	r.Post("/tasks/run", s.launch("run-tasks", func(req *http.Request) func(context.Context) app.Result {
		clearInput := queryBool(req, "clear_input")
		return func(ctx context.Context) app.Result {
			return s.runner.RunTasks(ctx, clearInput)
		}
	}))
	r.Post("/package", s.launch("package", func(*http.Request) func(context.Context) app.Result {
		return func(context.Context) app.Result {
			return s.runner.Package()
		}
	}))

	return r
}

func (s *Server) launch(name string, build job) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// the job outlives the request
		ctx := context.WithoutCancel(r.Context())
		id := s.runner.Go(ctx, name, build(r))
		s.logger.Info("action launched", "action", name, "job_id", id)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(jobResponse{JobID: id, Action: name})
	}
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}
