/*
Copyright 2025 the ICVSB authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package benchmark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/icvsb/icvsb/pkg/metrics"
	"github.com/icvsb/icvsb/pkg/provider"
	"github.com/icvsb/icvsb/pkg/requestclient"
	"github.com/icvsb/icvsb/pkg/store"
)

const webhookTimeout = 10 * time.Second

// ResponseView is the response shape embedded in a Result.
type ResponseView struct {
	ID             int64     `json:"id"`
	RequestID      int64     `json:"request_id"`
	BenchmarkKeyID *int64    `json:"benchmark_key_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Success        bool      `json:"success"`
	ServiceError   string    `json:"service_error,omitempty"`
}

// Result is what SendURIWithKey hands back. Under exception severity only
// the error fields survive shaping.
type Result struct {
	Labels        map[string]float64 `json:"labels,omitempty"`
	Response      *ResponseView      `json:"response,omitempty"`
	KeyError      *InvalidKeyError   `json:"key_error,omitempty"`
	ResponseError *InvalidKeyError   `json:"response_error,omitempty"`
}

// HasError reports whether either validity check failed.
func (r Result) HasError() bool { return r.KeyError != nil || r.ResponseError != nil }

// Info is the introspection payload of the benchmark client endpoint.
type Info struct {
	Service           string     `json:"service"`
	CreatedAt         time.Time  `json:"created_at"`
	CurrentKeyID      *int64     `json:"current_key_id"`
	IsBenchmarking    bool       `json:"is_benchmarking"`
	InvalidStateCount int        `json:"invalid_state_count"`
	LastBenchmarkTime *time.Time `json:"last_benchmark_time"`
	BenchmarkCount    int        `json:"benchmark_count"`
	Config            Config     `json:"config"`
	Dataset           []string   `json:"benchmark_dataset"`
}

// Client is the benchmarked request client: it owns one current key at a
// time, re-benchmarks on a cron schedule or after enough validation
// failures, and shapes every result by the current key's severity.
type Client struct {
	id  int64
	cfg Config

	store      *store.Store
	rc         *requestclient.Client
	severity   *store.Severity
	metrics    *metrics.Metrics
	httpClient *http.Client

	logbuf *Log
	logger *zap.Logger

	createdAt    time.Time
	benchmarking atomic.Bool
	sf           singleflight.Group
	cron         *cron.Cron

	mu             sync.Mutex
	current        *Key
	keys           []*Key
	failCount      int
	invalidCount   int
	benchmarkCount int
	lastBenchmark  time.Time
}

// NewClient builds a client for one provider. The scheduler is not running
// until Start is called.
func NewClient(ctx context.Context, cfg Config, st *store.Store, p provider.LabelProvider, base *zap.Logger, m *metrics.Metrics) (*Client, error) {
	cfg.Normalize()
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid benchmark config: %v", problems)
	}
	if base == nil {
		base = zap.NewNop()
	}
	if m == nil {
		m = metrics.New("icvsb")
	}

	logbuf := &Log{}
	logger := teeLogger(base, logbuf).With(zap.String("service", cfg.Service))

	rc, err := requestclient.New(ctx, st, p, cfg.MaxLabels, cfg.MinConfidence, logger)
	if err != nil {
		return nil, err
	}
	sev, err := st.SeverityByName(ctx, cfg.Severity)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:        cfg,
		store:      st,
		rc:         rc,
		severity:   sev,
		metrics:    m,
		httpClient: &http.Client{Timeout: webhookTimeout},
		logbuf:     logbuf,
		logger:     logger,
		createdAt:  time.Now().UTC(),
	}, nil
}

// SetID records the registry-minted identity; the logger picks it up so the
// per-client log carries it.
func (c *Client) SetID(id int64) {
	c.id = id
	c.logger = c.logger.With(zap.Int64("benchmark_client", id))
}

// ID returns the registry-minted identity.
func (c *Client) ID() int64 { return c.id }

// Logbuf exposes the per-client log for the HTTP log endpoint.
func (c *Client) Logbuf() *Log { return c.logbuf }

// Service returns the service name this client benchmarks.
func (c *Client) Service() string { return c.cfg.Service }

// Start launches the cron scheduler and, when autobenchmark is enabled, the
// first benchmark on a detached goroutine.
func (c *Client) Start() {
	c.cron = cron.New()
	_, err := c.cron.AddFunc(c.cfg.TriggerOnSchedule, func() {
		if err := c.Benchmark(context.Background()); err != nil {
			// Tick failures are retried on the next tick, never fatal.
			c.logger.Warn("scheduled benchmark failed", zap.Error(err))
		}
	})
	if err != nil {
		// The schedule was validated at construction; this is unreachable
		// short of a parser change.
		c.logger.Error("failed to schedule benchmark", zap.Error(err))
	}
	c.cron.Start()

	if c.cfg.AutobenchmarkEnabled() {
		go func() {
			if err := c.Benchmark(context.Background()); err != nil {
				c.logger.Warn("initial benchmark failed", zap.Error(err))
			}
		}()
	}
}

// Stop halts the scheduler. In-flight benchmarks are left to finish.
func (c *Client) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

// Benchmarking reports whether a benchmark run is in flight.
func (c *Client) Benchmarking() bool { return c.benchmarking.Load() }

// CurrentKey returns the key requests are validated against, nil before the
// first benchmark completes.
func (c *Client) CurrentKey() *Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// KeyAtOrBefore selects this client's most recent key whose creation time is
// at or before t, nil when no key qualifies.
func (c *Client) KeyAtOrBefore(t time.Time) *Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *Key
	for _, k := range c.keys {
		if k.Row.CreatedAt.After(t) {
			continue
		}
		if best == nil || k.Row.CreatedAt.After(best.Row.CreatedAt) {
			best = k
		}
	}
	return best
}

// Info snapshots the introspection payload.
func (c *Client) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{
		Service:           c.cfg.Service,
		CreatedAt:         c.createdAt,
		IsBenchmarking:    c.benchmarking.Load(),
		InvalidStateCount: c.invalidCount,
		BenchmarkCount:    c.benchmarkCount,
		Config:            c.cfg,
		Dataset:           c.cfg.Dataset,
	}
	if c.current != nil {
		id := c.current.Row.ID
		info.CurrentKeyID = &id
	}
	if !c.lastBenchmark.IsZero() {
		t := c.lastBenchmark
		info.LastBenchmarkTime = &t
	}
	return info
}

// Benchmark mints a new key from a full dataset run. Concurrent triggers
// (cron tick, fail-count trip, explicit call) collapse into a single run.
func (c *Client) Benchmark(ctx context.Context) error {
	_, err, _ := c.sf.Do("benchmark", func() (interface{}, error) {
		return nil, c.runBenchmark(ctx)
	})
	return err
}

func (c *Client) runBenchmark(ctx context.Context) error {
	c.benchmarking.Store(true)
	defer c.benchmarking.Store(false)

	runID := uuid.NewString()
	logger := c.logger.With(zap.String("run_id", runID))
	logger.Info("benchmark starting", zap.Int("dataset_size", len(c.cfg.Dataset)))

	batch, err := c.fanOut(ctx)
	if err != nil {
		c.metrics.BenchmarkRuns.WithLabelValues(c.cfg.Service, "error").Inc()
		return err
	}

	row, err := c.store.CreateKey(ctx, &store.BenchmarkKeyRow{
		ServiceID:       c.rc.Service().ID,
		BatchRequestID:  batch.ID,
		SeverityID:      c.severity.ID,
		DeltaLabels:     c.cfg.DeltaLabels,
		DeltaConfidence: c.cfg.DeltaConfidence,
		MaxLabels:       c.cfg.MaxLabels,
		MinConfidence:   c.cfg.MinConfidence,
		ExpectedLabels:  store.StringList(c.cfg.ExpectedLabels),
	})
	if err != nil {
		c.metrics.BenchmarkRuns.WithLabelValues(c.cfg.Service, "error").Inc()
		return err
	}

	key, err := LoadKey(ctx, c.store, row.ID)
	if err != nil {
		c.metrics.BenchmarkRuns.WithLabelValues(c.cfg.Service, "error").Inc()
		return err
	}

	result := c.adoptKey(ctx, key, logger)
	c.metrics.BenchmarkRuns.WithLabelValues(c.cfg.Service, result).Inc()

	if c.cfg.BenchmarkCallbackURI != "" {
		go c.postJSON(c.cfg.BenchmarkCallbackURI, map[string]interface{}{
			"benchmark_client_id": c.id,
			"key_id":              key.Row.ID,
			"run_id":              runID,
			"result":              result,
		})
	}
	return nil
}

// fanOut runs the dataset through the request client, in parallel when the
// store tolerates concurrent writers and serially otherwise.
func (c *Client) fanOut(ctx context.Context) (*store.BatchRequest, error) {
	batch, wait, err := c.rc.SendURIsAsync(ctx, c.cfg.Dataset)
	if err == nil {
		return batch, wait()
	}
	if !errors.Is(err, store.ErrUnsupportedBackend) {
		return nil, err
	}
	return c.rc.SendURIs(ctx, c.cfg.Dataset)
}

// adoptKey decides between first key, replacement, and retention. The
// current key is only replaced, and expired, when the fresh key is
// inequivalent under the current key's tolerances.
func (c *Client) adoptKey(ctx context.Context, key *Key, logger *zap.Logger) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.keys = append(c.keys, key)
	c.benchmarkCount++
	c.lastBenchmark = time.Now().UTC()

	switch {
	case c.current == nil:
		c.current = key
		logger.Info("first benchmark key minted", zap.Int64("key_id", key.Row.ID))
		return "initial"

	default:
		if verr := c.current.ValidAgainstKey(key); verr != nil {
			if err := c.store.ExpireKey(ctx, c.current.Row.ID); err != nil {
				logger.Warn("failed to expire replaced key", zap.Error(err))
			} else {
				c.current.Row.Expired = true
			}
			logger.Warn("service drift detected, replacing current key",
				zap.Int64("old_key_id", c.current.Row.ID),
				zap.Int64("new_key_id", key.Row.ID),
				zap.String("reason", string(verr.Reason)))
			c.current = key
			return "replaced"
		}
		// Equivalent key: retained in history, current stays.
		logger.Info("benchmark key equivalent to current",
			zap.Int64("key_id", key.Row.ID))
		return "unchanged"
	}
}

// SendURIWithKey is the hot path: validate the supplied key against the
// current one, call the provider only when it holds, validate the live
// response, and shape the result by the current key's severity.
func (c *Client) SendURIWithKey(ctx context.Context, uri string, supplied *Key) Result {
	cur := c.CurrentKey()
	if cur == nil {
		return Result{KeyError: &InvalidKeyError{Reason: ReasonNoKeyYet, Message: "benchmark has not completed"}}
	}

	if verr := cur.ValidAgainstKey(supplied); verr != nil {
		c.metrics.KeyFailures.WithLabelValues(string(verr.Reason)).Inc()
		c.noteFailure()
		return c.shape(cur, Result{KeyError: verr})
	}

	resp, err := c.rc.SendURI(ctx, uri, nil)
	if err != nil {
		// Persisting the request row failed; surface as an unsuccessful
		// response rather than an error.
		return c.shape(cur, Result{Response: &ResponseView{Success: false, ServiceError: "ServiceError - " + err.Error()}})
	}
	c.metrics.ProviderCalls.WithLabelValues(c.cfg.Service, outcomeLabel(resp.Success)).Inc()
	if resp.ID != 0 {
		if err := c.store.SetResponseKey(ctx, resp.ID, cur.Row.ID); err != nil {
			c.logger.Warn("failed to link response to key", zap.Error(err))
		} else {
			keyID := cur.Row.ID
			resp.BenchmarkKeyID = &keyID
		}
	}

	result := Result{
		Labels:   map[string]float64(resp.Labels),
		Response: viewOf(resp),
	}
	if rerr := cur.ValidAgainstResponse(resp.Labels); rerr != nil {
		c.metrics.KeyFailures.WithLabelValues(string(rerr.Reason)).Inc()
		c.noteFailure()
		result.ResponseError = rerr
	}

	return c.shape(cur, result)
}

// noteFailure bumps the fail counters and, strictly past the configured
// threshold, resets the counter and kicks off one asynchronous re-benchmark
// so the request path never blocks on a dataset-sized fan-out.
func (c *Client) noteFailure() {
	c.mu.Lock()
	c.invalidCount++
	c.failCount++
	trigger := c.cfg.TriggerOnFailCount > 0 && c.failCount > c.cfg.TriggerOnFailCount
	if trigger {
		c.failCount = 0
	}
	c.mu.Unlock()

	if trigger {
		c.logger.Info("failure threshold exceeded, re-benchmarking",
			zap.Int("threshold", c.cfg.TriggerOnFailCount))
		go func() {
			if err := c.Benchmark(context.Background()); err != nil {
				c.logger.Warn("failure-triggered benchmark failed", zap.Error(err))
			}
		}()
	}
}

// shape applies the severity policy of the governing key.
func (c *Client) shape(key *Key, result Result) Result {
	switch key.Severity {
	case store.SeverityException:
		// Never expose labels or the response, only the errors.
		return Result{KeyError: result.KeyError, ResponseError: result.ResponseError}

	case store.SeverityWarning:
		if result.HasError() && c.cfg.WarningCallbackURI != "" {
			payload := result
			go c.postJSON(c.cfg.WarningCallbackURI, payload)
		}
		return result

	case store.SeverityInfo:
		if result.KeyError != nil {
			c.logger.Warn("key validation failed", zap.String("reason", string(result.KeyError.Reason)))
		}
		if result.ResponseError != nil {
			c.logger.Warn("response validation failed", zap.String("reason", string(result.ResponseError.Reason)))
		}
		return result

	default: // none
		return result
	}
}

func (c *Client) postJSON(uri string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Warn("failed to encode webhook payload", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("failed to build webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("webhook delivery failed", zap.String("uri", uri), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("webhook delivery rejected",
			zap.String("uri", uri), zap.Int("status", resp.StatusCode))
	}
}

func viewOf(resp *store.Response) *ResponseView {
	return &ResponseView{
		ID:             resp.ID,
		RequestID:      resp.RequestID,
		BenchmarkKeyID: resp.BenchmarkKeyID,
		CreatedAt:      resp.CreatedAt,
		Success:        resp.Success,
		ServiceError:   resp.ServiceError(),
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
