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

// Package provider is the only seam to vendor vision APIs. Each adapter
// downloads the image, calls its vendor, and normalizes the answer to
// lowercased {label → confidence ∈ [0,1]}. Adapters never return errors:
// every failure collapses into an unsuccessful Outcome whose body records a
// service_error.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/icvsb/icvsb/pkg/store"
)

// DefaultDeadline bounds a single Fetch, download included.
const DefaultDeadline = 30 * time.Second

// Failure kinds recorded in the service_error body of unsuccessful outcomes.
const (
	KindUnsupportedMediaType = "UnsupportedMediaType"
	KindDownloadFailed       = "DownloadFailed"
	KindServiceError         = "ServiceError"
)

// Outcome is the uniform result of one provider call. Success is true only
// when transport was 2xx and the vendor returned its expected top-level
// field. Labels is empty whenever Success is false.
type Outcome struct {
	Body    []byte
	Success bool
	Labels  map[string]float64
}

// LabelProvider is the contract every vendor adapter satisfies.
type LabelProvider interface {
	// Service returns the seeded service name this adapter maps to.
	Service() string
	// Fetch labels uri, keeping at most maxLabels labels at or above
	// minConfidence (azure ignores minConfidence).
	Fetch(ctx context.Context, uri string, maxLabels int, minConfidence float64) Outcome
}

// Config carries the credentials and endpoints the adapters need. Zero-value
// endpoints fall back to the public vendor URLs.
type Config struct {
	Deadline time.Duration

	GoogleAPIKey   string
	GoogleEndpoint string

	AzureSubscriptionKey string
	AzureEndpoint        string

	AWSRegion string

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

// New builds the adapter for one of the closed set of services.
func New(service string, cfg Config, logger *zap.Logger) (LabelProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := newFetcher(service, cfg, logger)

	switch service {
	case store.ServiceGoogle:
		return &googleProvider{fetcher: f, apiKey: cfg.GoogleAPIKey, endpoint: cfg.GoogleEndpoint}, nil
	case store.ServiceAmazon:
		return newAmazonProvider(f, cfg)
	case store.ServiceAzure:
		if cfg.AzureSubscriptionKey == "" {
			return nil, fmt.Errorf("azure provider requires AZURE_SUBSCRIPTION_KEY")
		}
		return &azureProvider{fetcher: f, subscriptionKey: cfg.AzureSubscriptionKey, endpoint: cfg.AzureEndpoint}, nil
	default:
		return nil, fmt.Errorf("unknown service %q", service)
	}
}

// fetcher holds what the three adapters share: the HTTP client, the per-call
// deadline, and a circuit breaker around the vendor endpoint.
type fetcher struct {
	service  string
	client   *http.Client
	deadline time.Duration
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
}

func newFetcher(service string, cfg Config, logger *zap.Logger) *fetcher {
	deadline := cfg.Deadline
	if deadline == 0 {
		deadline = DefaultDeadline
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: deadline}
	}
	return &fetcher{
		service:  service,
		client:   client,
		deadline: deadline,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: service + "-vision",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger.With(zap.String("provider", service)),
	}
}

// withDeadline applies the per-call deadline when the caller has not already
// bounded the context.
func (f *fetcher) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, f.deadline)
}

// download fetches the image bytes and gates on the sniffed MIME type.
func (f *fetcher) download(ctx context.Context, uri string) ([]byte, Outcome, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, f.failure(KindDownloadFailed, err), false
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.failure(KindDownloadFailed, err), false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, f.failure(KindDownloadFailed, fmt.Errorf("status %d fetching image", resp.StatusCode)), false
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.failure(KindDownloadFailed, err), false
	}
	if mime := http.DetectContentType(data); !strings.HasPrefix(mime, "image/") {
		return nil, f.failure(KindUnsupportedMediaType, fmt.Errorf("media type %s", mime)), false
	}
	return data, Outcome{}, true
}

// call runs fn through the breaker; an open breaker surfaces as a service
// error like any other failure.
func (f *fetcher) call(fn func() (interface{}, error)) (interface{}, error) {
	return f.breaker.Execute(fn)
}

// failure collapses an error into an unsuccessful Outcome. Deadline
// expirations are recorded as the bare "timeout" service error.
func (f *fetcher) failure(kind string, err error) Outcome {
	msg := "timeout"
	if !isTimeout(err) {
		msg = fmt.Sprintf("%s - %s", kind, err.Error())
	}
	f.logger.Warn("provider call failed", zap.String("kind", kind), zap.Error(err))
	body, _ := json.Marshal(map[string]string{"service_error": msg})
	return Outcome{Body: body, Success: false, Labels: map[string]float64{}}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// normalize lowercases, optionally drops labels below minConfidence, and
// truncates to the maxLabels highest-confidence labels.
func normalize(raw map[string]float64, maxLabels int, minConfidence float64, applyMin bool) map[string]float64 {
	type entry struct {
		label string
		conf  float64
	}
	entries := make([]entry, 0, len(raw))
	for label, conf := range raw {
		if applyMin && conf < minConfidence {
			continue
		}
		entries = append(entries, entry{label: strings.ToLower(label), conf: conf})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].conf != entries[j].conf {
			return entries[i].conf > entries[j].conf
		}
		return entries[i].label < entries[j].label
	})
	if maxLabels > 0 && len(entries) > maxLabels {
		entries = entries[:maxLabels]
	}
	out := make(map[string]float64, len(entries))
	for _, e := range entries {
		out[e.label] = e.conf
	}
	return out
}
