// Package server exposes the three shaping solvers over HTTP.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/copyleftdev/SKEIN/internal/config"
	"github.com/copyleftdev/SKEIN/internal/logging"
	"github.com/copyleftdev/SKEIN/internal/metrics"
	"github.com/copyleftdev/SKEIN/internal/solver"
	"github.com/copyleftdev/SKEIN/internal/solver/nlopt"
)

// Logger defines the logging interface used by the server, keeping the
// concrete implementation swappable.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Server implements the HTTP API of the shaping optimization service.
// Solves run synchronously: the solver core is stateful and
// single-threaded, so every request builds its own solver instance.
type Server struct {
	cfg       *config.Config
	logger    Logger
	solverLog *logging.Logger
}

// NewServer creates a server instance with the given config and logger.
// solverLog receives the solvers' verbose diagnostics.
func NewServer(cfg *config.Config, logger Logger, solverLog *logging.Logger) *Server {
	return &Server{cfg: cfg, logger: logger, solverLog: solverLog}
}

// RegisterRoutes mounts the API routes on the router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/solve/global", s.handleSolveGlobal)
		r.Post("/solve/local", s.handleSolveLocal)
		r.Post("/solve/shortrow", s.handleSolveShortRow)
	})
}

// SolveOptions carries the optimizer options shared by all variants.
// Absent fields keep the service configuration's value where it sets one
// (eval cap, time cap, tolerances, seed, weights, verbose) and the solver
// defaults otherwise.
type SolveOptions struct {
	MainAlgorithm    *int     `json:"main_algorithm,omitempty"`
	LocalAlgorithm   *int     `json:"local_algorithm,omitempty"`
	UseConstraints   *bool    `json:"use_constraints,omitempty"`
	MainFtolRel      *float64 `json:"main_ftol_rel,omitempty"`
	LocalFtolRel     *float64 `json:"local_ftol_rel,omitempty"`
	MaxEval          *int     `json:"max_eval,omitempty"`
	MaxTime          *float64 `json:"max_time,omitempty"`
	ConstraintTol    *float64 `json:"constraint_tol,omitempty"`
	Seed             *uint64  `json:"seed,omitempty"`
	GaussianStart    *bool    `json:"gaussian_start,omitempty"`
	WeightAccuracy   *float64 `json:"w_c,omitempty"`
	WeightSimplicity *float64 `json:"w_s,omitempty"`
	Verbose          *bool    `json:"verbose,omitempty"`
}

// optionSetter is the option surface shared by the three solvers.
type optionSetter interface {
	SetLogger(*logging.Logger)
	SetMainAlgorithm(nlopt.Algorithm)
	SetLocalAlgorithm(nlopt.Algorithm)
	SetUseConstraints(bool)
	SetMainFtolRel(float64)
	SetLocalFtolRel(float64)
	SetMaxEval(int)
	SetMaxTime(float64)
	SetConstraintTol(float64)
	SetSeed(uint64)
	UseNoise(bool)
	SetWeights(float64, float64)
	SetVerbose(bool)
}

// applyOptions layers the service defaults, then the request overrides,
// and returns the effective verbose flag.
func (s *Server) applyOptions(dst optionSetter, opts *SolveOptions) bool {
	dst.SetLogger(s.solverLog)
	dst.SetMaxEval(s.cfg.Solver.MaxEval)
	dst.SetMaxTime(s.cfg.Solver.MaxTime)
	dst.SetConstraintTol(s.cfg.Solver.ConstraintTol)
	dst.SetLocalFtolRel(s.cfg.Solver.LocalFtolRel)
	dst.SetSeed(s.cfg.Solver.Seed)
	dst.SetWeights(s.cfg.Solver.WeightAccuracy, s.cfg.Solver.WeightSimplicity)
	verbose := s.cfg.Solver.Verbose

	if opts != nil {
		if opts.MainAlgorithm != nil {
			dst.SetMainAlgorithm(nlopt.Algorithm(*opts.MainAlgorithm))
		}
		if opts.LocalAlgorithm != nil {
			dst.SetLocalAlgorithm(nlopt.Algorithm(*opts.LocalAlgorithm))
		}
		if opts.UseConstraints != nil {
			dst.SetUseConstraints(*opts.UseConstraints)
		}
		if opts.MainFtolRel != nil {
			dst.SetMainFtolRel(*opts.MainFtolRel)
		}
		if opts.LocalFtolRel != nil {
			dst.SetLocalFtolRel(*opts.LocalFtolRel)
		}
		if opts.MaxEval != nil {
			dst.SetMaxEval(*opts.MaxEval)
		}
		if opts.MaxTime != nil {
			dst.SetMaxTime(*opts.MaxTime)
		}
		if opts.ConstraintTol != nil {
			dst.SetConstraintTol(*opts.ConstraintTol)
		}
		if opts.Seed != nil {
			dst.SetSeed(*opts.Seed)
		}
		if opts.GaussianStart != nil {
			dst.UseNoise(*opts.GaussianStart)
		}
		wc := s.cfg.Solver.WeightAccuracy
		ws := s.cfg.Solver.WeightSimplicity
		if opts.WeightAccuracy != nil {
			wc = *opts.WeightAccuracy
		}
		if opts.WeightSimplicity != nil {
			ws = *opts.WeightSimplicity
		}
		dst.SetWeights(wc, ws)
		if opts.Verbose != nil {
			verbose = *opts.Verbose
		}
	}
	dst.SetVerbose(verbose)
	return verbose
}

// NodeSpec describes one flow-graph node of a global solve request.
type NodeSpec struct {
	Simple  bool  `json:"simple"`
	Inputs  []int `json:"inputs"`
	Outputs []int `json:"outputs"`
}

// GlobalRequest is the body of POST /api/v1/solve/global.
type GlobalRequest struct {
	Course        []float64     `json:"course"`
	Shaping       []float64     `json:"shaping,omitempty"`
	Nodes         []NodeSpec    `json:"nodes"`
	AliasingLevel int           `json:"aliasing_level"`
	GlobalShaping bool          `json:"global_shaping"`
	Options       *SolveOptions `json:"options,omitempty"`
}

// LocalRequest is the body of POST /api/v1/solve/local.
type LocalRequest struct {
	Course  []float64     `json:"course"`
	Start   float64       `json:"start"`
	End     float64       `json:"end"`
	Shaping float64       `json:"shaping"`
	Options *SolveOptions `json:"options,omitempty"`
}

// ShortRowRequest is the body of POST /api/v1/solve/shortrow.
type ShortRowRequest struct {
	Course          []float64     `json:"course"`
	Circular        bool          `json:"circular"`
	SimplicityPower int           `json:"simplicity_power,omitempty"`
	Options         *SolveOptions `json:"options,omitempty"`
}

// SolveResponse is the common solve result body.
type SolveResponse struct {
	ResultCode          int       `json:"result_code"`
	Result              string    `json:"result"`
	Variables           []float64 `json:"variables"`
	Objective           float64   `json:"objective"`
	NumConstraints      *int      `json:"num_constraints,omitempty"`
	ConstraintError     *float64  `json:"constraint_error,omitempty"`
	ConstraintMaxError  *float64  `json:"constraint_max_error,omitempty"`
	ConstraintMeanError *float64  `json:"constraint_mean_error,omitempty"`
}

func (s *Server) handleSolveGlobal(w http.ResponseWriter, r *http.Request) {
	var req GlobalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Course) == 0 {
		s.respondError(w, http.StatusBadRequest, "course data is required")
		return
	}
	if req.AliasingLevel < int(solver.AliasingNone) || req.AliasingLevel > int(solver.AliasingComplex) {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid aliasing level %d", req.AliasingLevel))
		return
	}
	for n, node := range req.Nodes {
		for _, e := range node.Inputs {
			if e < 0 || e >= len(req.Course) {
				s.respondError(w, http.StatusBadRequest, fmt.Sprintf("node %d references edge %d out of range", n, e))
				return
			}
		}
		for _, e := range node.Outputs {
			if e < 0 || e >= len(req.Course) {
				s.respondError(w, http.StatusBadRequest, fmt.Sprintf("node %d references edge %d out of range", n, e))
				return
			}
		}
	}

	g := solver.NewGlobal()
	verbose := s.applyOptions(g, req.Options)
	g.Allocate(len(req.Course), len(req.Nodes))
	for i, c := range req.Course {
		g.SetCourse(i, c)
	}
	for i, wv := range req.Shaping {
		if i < len(req.Nodes) {
			g.SetShaping(i, wv)
		}
	}
	for n, node := range req.Nodes {
		g.AllocateNode(n, node.Simple, len(node.Inputs), len(node.Outputs))
		for slot, e := range node.Inputs {
			g.SetNodeInput(n, slot, e)
		}
		for slot, e := range node.Outputs {
			g.SetNodeOutput(n, slot, e)
		}
	}
	g.SetAliasingLevel(solver.AliasingLevel(req.AliasingLevel))
	g.SetGlobalShaping(req.GlobalShaping)

	start := time.Now()
	rc := g.Solve(verbose)
	metrics.ObserveSolve("global", rc, g.ObjectiveValue(), time.Since(start))

	nc := g.NumConstraints()
	ce := g.ConstraintError()
	cmax := g.ConstraintMaxError()
	cmean := g.ConstraintMeanError()
	s.respondSolve(w, rc, &SolveResponse{
		ResultCode:          rc,
		Result:              resultName(rc),
		Variables:           g.Variables(),
		Objective:           g.ObjectiveValue(),
		NumConstraints:      &nc,
		ConstraintError:     &ce,
		ConstraintMaxError:  &cmax,
		ConstraintMeanError: &cmean,
	})
}

func (s *Server) handleSolveLocal(w http.ResponseWriter, r *http.Request) {
	var req LocalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Course) == 0 {
		s.respondError(w, http.StatusBadRequest, "course data is required")
		return
	}

	l := solver.NewLocal()
	verbose := s.applyOptions(l, req.Options)
	l.Allocate(len(req.Course))
	for i, c := range req.Course {
		l.SetCourse(i, c)
	}
	l.SetStart(req.Start)
	l.SetEnd(req.End)
	if req.Shaping != 0 {
		l.SetShaping(req.Shaping)
	}

	start := time.Now()
	rc := l.Solve(verbose)
	metrics.ObserveSolve("local", rc, l.ObjectiveValue(), time.Since(start))

	ce := l.ConstraintError()
	cmax := l.ConstraintMaxError()
	cmean := l.ConstraintMeanError()
	s.respondSolve(w, rc, &SolveResponse{
		ResultCode:          rc,
		Result:              resultName(rc),
		Variables:           l.Variables(),
		Objective:           l.ObjectiveValue(),
		ConstraintError:     &ce,
		ConstraintMaxError:  &cmax,
		ConstraintMeanError: &cmean,
	})
}

func (s *Server) handleSolveShortRow(w http.ResponseWriter, r *http.Request) {
	var req ShortRowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Course) == 0 {
		s.respondError(w, http.StatusBadRequest, "course data is required")
		return
	}
	if req.SimplicityPower != 0 && req.SimplicityPower != 1 && req.SimplicityPower != 2 {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported simplicity power %d", req.SimplicityPower))
		return
	}

	sr := solver.NewShortRow()
	verbose := s.applyOptions(sr, req.Options)
	sr.Allocate(len(req.Course))
	for i, c := range req.Course {
		sr.SetCourse(i, c)
	}
	sr.SetCircular(req.Circular)
	if req.SimplicityPower != 0 {
		sr.SetSimplicityPower(req.SimplicityPower)
	}

	start := time.Now()
	rc := sr.Solve(verbose)
	metrics.ObserveSolve("shortrow", rc, sr.ObjectiveValue(), time.Since(start))

	s.respondSolve(w, rc, &SolveResponse{
		ResultCode: rc,
		Result:     resultName(rc),
		Variables:  sr.Variables(),
		Objective:  sr.ObjectiveValue(),
	})
}

func (s *Server) respondSolve(w http.ResponseWriter, rc int, resp *SolveResponse) {
	w.Header().Set("Content-Type", "application/json")
	if rc == solver.RCInvalidSetup {
		w.WriteHeader(http.StatusUnprocessableEntity)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.logger.Error("Request error", map[string]interface{}{
		"status":  status,
		"message": message,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": message})
}

// resultName renders a result code for the response body.
func resultName(rc int) string {
	if rc == solver.RCException {
		return "EXCEPTION"
	}
	return nlopt.Result(rc).String()
}

// Close releases server resources.
func (s *Server) Close() error {
	return nil
}
