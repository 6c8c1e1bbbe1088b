// Package server exposes a read-only HTTP introspection surface over the
// scheduling engine's ledger: /healthz (the Nagios command's classification,
// as JSON), /jobs (the ListJobs command's view, as JSON), and /jobs/:name
// (one job's state). It never mutates the ledger; it exists for operators
// who prefer polling a daemon to reading CLI output.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/riverfield/crontabber/internal/errs"
	"github.com/riverfield/crontabber/internal/ledger"
	"github.com/riverfield/crontabber/internal/orchestrator"
)

// Router serves the read-only introspection endpoints.
type Router struct {
	orch *orchestrator.Orchestrator
	base string
}

// NewRouter constructs a Router. basePath may be empty or start with '/'; a
// trailing slash is trimmed (e.g. "/crontabber" yields /crontabber/jobs).
func NewRouter(orch *orchestrator.Orchestrator, basePath string) *Router {
	return &Router{orch: orch, base: sanitizeBase(basePath)}
}

// Handler builds the gin engine. A fresh engine is built on every call so
// callers can mount it directly under http.Server without the package
// depending on gin's global mode state.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.base)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/jobs", r.handleListJobs)
	group.GET("/jobs/:name", r.handleGetJob)
	return g
}

func sanitizeBase(basePath string) string {
	bp := strings.TrimSuffix(strings.TrimSpace(basePath), "/")
	if bp == "" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return bp
}

type healthzResponse struct {
	Status string   `json:"status"`
	Issues []string `json:"issues,omitempty"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	var buf strings.Builder
	code, err := r.orch.Nagios(c.Request.Context(), &buf)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := healthzResponse{Status: "ok"}
	httpStatus := http.StatusOK
	switch code {
	case orchestrator.NagiosWarning:
		resp.Status = "warning"
	case orchestrator.NagiosCritical:
		resp.Status = "critical"
		httpStatus = http.StatusServiceUnavailable
	}
	if resp.Status != "ok" {
		resp.Issues = strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	}
	c.JSON(httpStatus, resp)
}

// jobSummary is the JSON shape of one ledger row, mirroring ListJobs's
// per-job text block.
type jobSummary struct {
	AppName       string `json:"app_name"`
	ClassIdentity string `json:"class_identity"`
	NeverRun      bool   `json:"never_run,omitempty"`
	Ongoing       bool   `json:"ongoing"`
	OngoingSince  string `json:"ongoing_since,omitempty"`
	LastRun       string `json:"last_run,omitempty"`
	LastSuccess   string `json:"last_success,omitempty"`
	NextRun       string `json:"next_run,omitempty"`
	ErrorCount    int    `json:"error_count"`
	LastErrorType string `json:"last_error_type,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

func summarize(appName, classIdentity string, state *ledger.JobState) jobSummary {
	s := jobSummary{AppName: appName, ClassIdentity: classIdentity}
	if state == nil {
		s.NeverRun = true
		return s
	}
	if state.HasOngoing() {
		s.Ongoing = true
		s.OngoingSince = state.Ongoing.Format(time.RFC3339)
	}
	if !state.LastRun.IsZero() {
		s.LastRun = state.LastRun.Format(time.RFC3339)
	}
	if state.HasLastSuccess() {
		s.LastSuccess = state.LastSuccess.Format(time.RFC3339)
	}
	if state.HasNextRun() {
		s.NextRun = state.NextRun.Format(time.RFC3339)
	}
	s.ErrorCount = state.ErrorCount
	if !state.LastError.IsEmpty() {
		s.LastErrorType = state.LastError.Type
		s.LastError = state.LastError.Value
	}
	return s
}

func (r *Router) handleListJobs(c *gin.Context) {
	ctx := c.Request.Context()
	out := make([]jobSummary, 0, len(r.orch.Descriptors))
	for _, d := range r.orch.Descriptors {
		state, err := loadState(ctx, r.orch.Store, d.AppName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, summarize(d.AppName, d.ClassIdentity, state))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (r *Router) handleGetJob(c *gin.Context) {
	name := c.Param("name")
	appName, classIdentity, ok := "", "", false
	for i := range r.orch.Descriptors {
		d := &r.orch.Descriptors[i]
		if d.Matches(name) {
			appName, classIdentity, ok = d.AppName, d.ClassIdentity, true
			break
		}
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": (&errs.JobNotFoundError{Target: name}).Error()})
		return
	}
	state, err := loadState(c.Request.Context(), r.orch.Store, appName)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summarize(appName, classIdentity, state))
}

// loadState returns (nil, nil) when the job has never run, mirroring
// ListJobs's "never run" branch.
func loadState(ctx context.Context, store ledger.Store, appName string) (*ledger.JobState, error) {
	state, err := store.Get(ctx, appName)
	if err != nil {
		var notFound *errs.StateNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}
