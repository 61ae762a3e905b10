package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/SKEIN/internal/config"
	"github.com/copyleftdev/SKEIN/internal/logging"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{}
	cfg.Solver.MaxEval = 1000
	cfg.Solver.ConstraintTol = 0.1
	cfg.Solver.LocalFtolRel = 1e-3
	cfg.Solver.Seed = 0xDEADBEEF
	cfg.Solver.WeightAccuracy = 1
	cfg.Solver.WeightSimplicity = 0.1

	logger := logging.New(logging.ErrorLevel, io.Discard)
	srv := NewServer(cfg, logger, logger)
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return r
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSolveGlobalEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := postJSON(t, h, "/api/v1/solve/global", GlobalRequest{
		Course:        []float64{10, 6, 4},
		Nodes:         []NodeSpec{{Inputs: []int{0}, Outputs: []int{1, 2}}},
		AliasingLevel: 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.ResultCode, 0)
	require.Len(t, resp.Variables, 3)
	assert.InDelta(t, resp.Variables[1]+resp.Variables[2], resp.Variables[0], 1e-6)
	require.NotNil(t, resp.ConstraintError)
	assert.Less(t, *resp.ConstraintError, 1e-6)
	require.NotNil(t, resp.NumConstraints)
	assert.Equal(t, 1, *resp.NumConstraints)
}

func TestSolveGlobalValidation(t *testing.T) {
	h := newTestServer(t)

	rec := postJSON(t, h, "/api/v1/solve/global", GlobalRequest{Course: nil})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, h, "/api/v1/solve/global", GlobalRequest{
		Course: []float64{5, 5},
		Nodes:  []NodeSpec{{Inputs: []int{0}, Outputs: []int{7}}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "edge index out of range")

	rec = postJSON(t, h, "/api/v1/solve/global", GlobalRequest{
		Course:        []float64{5, 5},
		AliasingLevel: 9,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown aliasing level")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/solve/global", bytes.NewReader([]byte("{")))
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code, "malformed body")
}

func TestSolveLocalEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := postJSON(t, h, "/api/v1/solve/local", LocalRequest{
		Course:  []float64{4, 8, 12, 16},
		Start:   4,
		End:     16,
		Shaping: 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.ResultCode, 0)
	require.Len(t, resp.Variables, 4)
	require.NotNil(t, resp.ConstraintMaxError)
	assert.LessOrEqual(t, *resp.ConstraintMaxError, 0.1+1e-6)
}

func TestSolveShortRowEndpoint(t *testing.T) {
	h := newTestServer(t)

	rec := postJSON(t, h, "/api/v1/solve/shortrow", ShortRowRequest{
		Course:          []float64{3, 3, 3, 3},
		Circular:        true,
		SimplicityPower: 1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp.ResultCode, 0)
	require.Len(t, resp.Variables, 4)
	for _, v := range resp.Variables {
		assert.InDelta(t, 3, v, 1e-6)
	}
	assert.InDelta(t, 0, resp.Objective, 1e-9)
}

func TestSolveShortRowValidation(t *testing.T) {
	h := newTestServer(t)

	rec := postJSON(t, h, "/api/v1/solve/shortrow", ShortRowRequest{
		Course:          []float64{1, 2},
		SimplicityPower: 5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSolveOptionsOverride(t *testing.T) {
	h := newTestServer(t)

	seed := uint64(123)
	noise := true
	run := func() []float64 {
		rec := postJSON(t, h, "/api/v1/solve/shortrow", ShortRowRequest{
			Course: []float64{2, 6, 4},
			Options: &SolveOptions{
				Seed:          &seed,
				GaussianStart: &noise,
			},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp SolveResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp.Variables
	}
	assert.Equal(t, run(), run(), "seeded runs are reproducible")
}
