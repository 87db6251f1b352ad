package fitter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/etapecal/internal/models"
)

var testOptions = SampleOptions{Chains: 2, Warmup: 10, Samples: 5, Seed: 42}

// fakeDraws builds a well-formed response for a pooled model over k lengths.
func fakeDraws(chains, perChain, k int) map[string]any {
	var ids []int
	draws := map[string][][]float64{}
	for c := 1; c <= chains; c++ {
		for i := 0; i < perChain; i++ {
			ids = append(ids, c)
			alpha := make([]float64, k)
			beta := make([]float64, k)
			sigma := make([]float64, k)
			for g := range k {
				alpha[g] = 30 + float64(g)
				beta[g] = -0.01
				sigma[g] = 0.5
			}
			draws["alpha"] = append(draws["alpha"], alpha)
			draws["beta"] = append(draws["beta"], beta)
			draws["sigma"] = append(draws["sigma"], sigma)
		}
	}
	return map[string]any{
		"draws":  draws,
		"chains": ids,
		"diagnostics": map[string]any{
			"divergent": 0,
			"messages":  []string{"ok"},
		},
	}
}

func newTestClient(url string) *Client {
	c := NewClient(url, 5*time.Second)
	c.InitialInterval = time.Millisecond
	c.MaxRetries = 3
	return c
}

func TestFit_Success(t *testing.T) {
	var got fitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/fits", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(fakeDraws(2, 5, 2))
	}))
	defer srv.Close()

	post, err := newTestClient(srv.URL+"/").Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), testOptions)
	require.NoError(t, err)

	assert.Contains(t, got.Program, "vector[K_L] alpha;")
	assert.Equal(t, 3, got.Data.N)
	assert.Equal(t, []float64{30, 40}, got.Data.APrior)
	assert.Equal(t, 2, got.Chains)
	assert.Equal(t, 10, got.IterWarmup)
	assert.Equal(t, 5, got.IterSampling)
	assert.Equal(t, uint64(42), got.Seed)

	alpha2, ok := post.Param("alpha", 2)
	require.True(t, ok)
	assert.Len(t, alpha2, 10)
	assert.Equal(t, 31.0, alpha2[0])
	assert.Equal(t, []string{"ok"}, post.Diagnostics.Messages)
}

func TestFit_RequestUsesBundleKeys(t *testing.T) {
	var raw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]json.RawMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NoError(t, json.Unmarshal(req["data"], &raw))
		_ = json.NewEncoder(w).Encode(fakeDraws(1, 4, 2))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), testOptions)
	require.NoError(t, err)

	for _, k := range []string{"N", "W", "R", "L", "K_L", "aPrior"} {
		assert.Contains(t, raw, k)
	}
	assert.NotContains(t, raw, "I")
	assert.NotContains(t, raw, "K_I")
}

func TestFit_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_ = json.NewEncoder(w).Encode(fakeDraws(2, 5, 2))
		}
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), testOptions)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFit_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "parse error in program"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), testOptions)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se), "want StatusError, got %v", err)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "parse error in program", se.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFit_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "sampler crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.MaxRetries = 2
	_, err := c.Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), testOptions)

	var se *StatusError
	require.True(t, errors.As(err, &se), "want StatusError, got %v", err)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.Equal(t, "sampler crashed", se.Message)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFit_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL).Fit(ctx, Pooled(DefaultPriors), twoLengthBundle(), testOptions)

	var te *FitterTimeoutError
	require.True(t, errors.As(err, &te), "want FitterTimeoutError, got %v", err)
	assert.Equal(t, "pooled", te.Model)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFit_RejectsMismatchedDraws(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(fakeDraws(2, 5, 1))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), testOptions)

	var dm *DimensionMismatchError
	assert.True(t, errors.As(err, &dm), "want DimensionMismatchError, got %v", err)
}

func TestFit_ChecksBundleBeforeCalling(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	b := twoLengthBundle()
	b.APrior = []float64{30, 40, 45}
	_, err := newTestClient(srv.URL).Fit(context.Background(), Pooled(DefaultPriors), b, testOptions)

	var cerr *models.ConfigurationError
	assert.True(t, errors.As(err, &cerr), "want ConfigurationError, got %v", err)
	assert.Equal(t, int32(0), calls.Load())

	_, err = newTestClient(srv.URL).Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), SampleOptions{Chains: 0, Warmup: 1, Samples: 1})
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, int32(0), calls.Load())
}

func TestFit_RejectsEmptyDraws(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"draws":{"alpha":[],"beta":[],"sigma":[]},"chains":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), testOptions)

	var dm *DimensionMismatchError
	require.True(t, errors.As(err, &dm), "want DimensionMismatchError, got %v", err)
	assert.Contains(t, err.Error(), "no draws")
}

func TestFit_ShortChainsFailConvergence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(fakeDraws(2, 3, 2))
	}))
	defer srv.Close()

	post, err := newTestClient(srv.URL).Fit(context.Background(), Pooled(DefaultPriors), twoLengthBundle(), testOptions)
	require.NoError(t, err)

	err = CheckConvergence(post, 1.05)
	var ce *ConvergenceError
	require.True(t, errors.As(err, &ce), "want ConvergenceError, got %v", err)
	assert.Equal(t, []string{"alpha[1]", "alpha[2]", "beta[1]", "beta[2]", "sigma[1]", "sigma[2]"}, ce.Unjudged)
}
