package fitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/etapecal/internal/httputil"
	"github.com/lox/etapecal/internal/metrics"
	"github.com/lox/etapecal/internal/models"
)

// maxResponseSize bounds the draws payload read from the fitter.
const maxResponseSize = 512 << 20

// SampleOptions control the sampler run.
type SampleOptions struct {
	Chains  int
	Warmup  int
	Samples int
	Seed    uint64
}

func (o SampleOptions) validate() error {
	if o.Chains < 1 {
		return models.Configf("fitter.chains", "must be >= 1, got %d", o.Chains)
	}
	if o.Warmup < 1 {
		return models.Configf("fitter.warmup", "must be >= 1, got %d", o.Warmup)
	}
	if o.Samples < 1 {
		return models.Configf("fitter.samples", "must be >= 1, got %d", o.Samples)
	}
	return nil
}

// Client talks to an MCMC sampling service over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string

	// Retry schedule for transport errors, 429 and 5xx responses.
	InitialInterval time.Duration
	MaxRetries      uint64
}

// NewClient creates a fitter client. timeout bounds a single request; the
// caller's context bounds the whole fit including retries.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient:      httputil.NewClient(timeout),
		baseURL:         strings.TrimRight(baseURL, "/"),
		InitialInterval: 2 * time.Second,
		MaxRetries:      5,
	}
}

type fitRequest struct {
	Program      string               `json:"program"`
	Data         models.DatasetBundle `json:"data"`
	Chains       int                  `json:"chains"`
	IterWarmup   int                  `json:"iter_warmup"`
	IterSampling int                  `json:"iter_sampling"`
	Seed         uint64               `json:"seed"`
}

type fitResponse struct {
	Draws       map[string][][]float64 `json:"draws"`
	Chains      []int                  `json:"chains"`
	Diagnostics struct {
		Divergent int                `json:"divergent"`
		Messages  []string           `json:"messages"`
		Rhat      map[string]float64 `json:"rhat"`
	} `json:"diagnostics"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Fit checks the bundle against the model, submits both to the sampler and
// returns the posterior draws. Convergence is not judged here; see
// CheckConvergence.
func (c *Client) Fit(ctx context.Context, spec ModelSpec, bundle models.DatasetBundle, opts SampleOptions) (*models.Posterior, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := spec.Check(bundle); err != nil {
		return nil, err
	}
	program, err := spec.Program()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(fitRequest{
		Program:      program,
		Data:         bundle,
		Chains:       opts.Chains,
		IterWarmup:   opts.Warmup,
		IterSampling: opts.Samples,
		Seed:         opts.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var data []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/fits", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "etapecal/1.0")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("post fit: %w", err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("read body: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return newStatusError(resp.StatusCode, b)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(newStatusError(resp.StatusCode, b))
		}
		data = b
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxElapsedTime = 0

	start := time.Now()
	log.Printf("fitter: submitting %s (N=%d, K_L=%d, %d chains)", spec.Name, bundle.N, bundle.KL, opts.Chains)
	err = backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			log.Printf("fitter: %s: %v, retrying in %s", spec.Name, err, wait.Round(time.Millisecond))
		})
	elapsed := time.Since(start)
	metrics.FitterLatency.WithLabelValues(spec.Name).Observe(elapsed.Seconds())

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			if !errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
			}
			metrics.FitterCallsTotal.WithLabelValues(spec.Name, "timeout").Inc()
			return nil, &FitterTimeoutError{Model: spec.Name, Elapsed: elapsed, Err: err}
		}
		metrics.FitterCallsTotal.WithLabelValues(spec.Name, "error").Inc()
		return nil, fmt.Errorf("fit %s: %w", spec.Name, err)
	}

	var fr fitResponse
	if err := json.Unmarshal(data, &fr); err != nil {
		metrics.FitterCallsTotal.WithLabelValues(spec.Name, "error").Inc()
		return nil, fmt.Errorf("decode response: %w", err)
	}

	post := &models.Posterior{
		Draws:  fr.Draws,
		Chains: fr.Chains,
		Diagnostics: models.Diagnostics{
			Rhat:      fr.Diagnostics.Rhat,
			Divergent: fr.Diagnostics.Divergent,
			Messages:  fr.Diagnostics.Messages,
		},
	}
	if err := spec.CheckDraws(post, bundle); err != nil {
		metrics.FitterCallsTotal.WithLabelValues(spec.Name, "error").Inc()
		return nil, err
	}

	metrics.FitterCallsTotal.WithLabelValues(spec.Name, "ok").Inc()
	log.Printf("fitter: %s finished in %s with %d draws", spec.Name, elapsed.Round(time.Millisecond), len(fr.Chains))
	return post, nil
}

func newStatusError(code int, body []byte) *StatusError {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return &StatusError{Code: code, Message: er.Error}
	}
	return &StatusError{Code: code, Message: strings.TrimSpace(string(body))}
}
