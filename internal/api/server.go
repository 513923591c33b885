// Package api serves the HTTP ingest routes for camera frames, planner
// subgoals and robot reports, the loop status endpoint and the debug charts.
package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/navpolicy/internal/control"
	"github.com/banshee-data/navpolicy/internal/db"
	"github.com/banshee-data/navpolicy/internal/httputil"
	"github.com/banshee-data/navpolicy/internal/imaging"
	"github.com/banshee-data/navpolicy/internal/monitoring"
	"github.com/banshee-data/navpolicy/internal/policy"
	"github.com/banshee-data/navpolicy/internal/robot"
	"github.com/banshee-data/navpolicy/internal/telemetry"
	"github.com/banshee-data/navpolicy/internal/timeutil"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxImageBytes bounds ingested frame and subgoal bodies.
const maxImageBytes = 16 << 20

// Controller is the part of the control driver the routes feed.
type Controller interface {
	PushFrame(policy.Frame)
	SetSubgoal(policy.Frame)
	Status() control.Status
}

// RobotUpdater applies robot reports. *robot.Tracker implements it.
type RobotUpdater interface {
	Apply(robot.Message) error
}

// EpisodeStore lists logged episodes. *db.DB implements it.
type EpisodeStore interface {
	EpisodeSummaries(ctx context.Context, limit int) ([]db.EpisodeSummary, error)
}

// SampleSource returns the latest sampled batch. *telemetry.Publisher
// implements it.
type SampleSource interface {
	LastSamples() (policy.Trajectories, uint64, bool)
}

type Server struct {
	ctrl     Controller
	robot    RobotUpdater
	episodes EpisodeStore
	samples  SampleSource
	waypoint int
	clock    timeutil.Clock
}

// NewServer creates a server. episodes and samples may be nil, in which case
// their debug routes report 503.
func NewServer(ctrl Controller, robot RobotUpdater, episodes EpisodeStore, samples SampleSource, waypoint int) *Server {
	return &Server{
		ctrl:     ctrl,
		robot:    robot,
		episodes: episodes,
		samples:  samples,
		waypoint: waypoint,
		clock:    timeutil.RealClock{},
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration. Frame ingest
// runs at camera rate so successful frame posts are not logged.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		if r.URL.Path == "/api/frames" && lrw.statusCode < 300 {
			return
		}
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes with the debug charts mounted under /debug/.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/frames", s.postFrame)
	mux.HandleFunc("/api/subgoal", s.postSubgoal)
	mux.HandleFunc("/api/robot", s.postRobot)
	mux.HandleFunc("/api/status", s.showStatus)

	debug := tsweb.Debugger(mux)
	debug.HandleFunc("episodes", "Episode outcome chart", s.showEpisodeChart)
	debug.HandleFunc("samples.png", "Latest sampled trajectories", s.showSamples)
	return mux
}

// readFrame decodes a raw JPEG or PNG request body into a frame that keeps
// the original bytes.
func (s *Server) readFrame(w http.ResponseWriter, r *http.Request) (policy.Frame, bool) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return policy.Frame{}, false
	}
	body, err := httputil.ReadBody(r, maxImageBytes)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("failed to read image: %v", err))
		return policy.Frame{}, false
	}
	img, err := imaging.Decode(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return policy.Frame{}, false
	}
	return policy.Frame{Image: img, Encoded: body, CapturedAt: s.clock.Now()}, true
}

func (s *Server) postFrame(w http.ResponseWriter, r *http.Request) {
	f, ok := s.readFrame(w, r)
	if !ok {
		return
	}
	s.ctrl.PushFrame(f)
	st := s.ctrl.Status()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{
		"buffered": st.BufferLen,
		"capacity": st.BufferCapacity,
	})
}

func (s *Server) postSubgoal(w http.ResponseWriter, r *http.Request) {
	f, ok := s.readFrame(w, r)
	if !ok {
		return
	}
	s.ctrl.SetSubgoal(f)
	ep := s.ctrl.Status().Episode
	httputil.WriteJSON(w, http.StatusAccepted, ep)
}

func (s *Server) postRobot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := httputil.ReadBody(r, 1<<16)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	msg, err := robot.ParseMessage(body)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := s.robot.Apply(msg); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

// showEpisodeChart renders recent episodes as a bar chart of tick counts with
// the closest predicted distance alongside.
func (s *Server) showEpisodeChart(w http.ResponseWriter, r *http.Request) {
	if s.episodes == nil {
		http.Error(w, "trajectory database not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	summaries, err := s.episodes.EpisodeSummaries(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load episodes: %v", err), http.StatusInternalServerError)
		return
	}

	// Oldest first, left to right.
	x := make([]string, 0, len(summaries))
	ticks := make([]opts.BarData, 0, len(summaries))
	dists := make([]opts.BarData, 0, len(summaries))
	for i := len(summaries) - 1; i >= 0; i-- {
		e := summaries[i]
		x = append(x, fmt.Sprintf("%s\n%s", shortID(e.EpisodeID), e.FinalStatus))
		ticks = append(ticks, opts.BarData{Value: e.Ticks})
		dists = append(dists, opts.BarData{Value: e.MinDistance})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Episodes", Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Recent Episodes", Subtitle: fmt.Sprintf("count=%d", len(summaries))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("ticks", ticks).
		AddSeries("min distance", dists)

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func shortID(id string) string {
	if len(id) > 11 {
		return id[:11]
	}
	return id
}

func (s *Server) showSamples(w http.ResponseWriter, r *http.Request) {
	if s.samples == nil {
		http.Error(w, "telemetry not configured", http.StatusServiceUnavailable)
		return
	}
	traj, tick, ok := s.samples.LastSamples()
	if !ok {
		http.Error(w, "no samples yet", http.StatusNotFound)
		return
	}
	var buf bytes.Buffer
	if err := telemetry.RenderSamples(&buf, traj, tick, s.waypoint); err != nil {
		http.Error(w, fmt.Sprintf("failed to render samples: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
