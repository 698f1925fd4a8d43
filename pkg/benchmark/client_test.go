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

package benchmark_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/icvsb/icvsb/pkg/benchmark"
	"github.com/icvsb/icvsb/pkg/provider"
	"github.com/icvsb/icvsb/pkg/store"
)

// stubProvider answers from a scripted sequence of label maps, repeating the
// last entry once the script runs out.
type stubProvider struct {
	service string

	mu    sync.Mutex
	calls int
	// script maps the benchmark round (0-based) to the labels every URI of
	// that round receives.
	script []map[string]float64
	// perRound is the number of provider calls that advance one round.
	perRound int
}

func newStubProvider(service string, perRound int, script ...map[string]float64) *stubProvider {
	return &stubProvider{service: service, perRound: perRound, script: script}
}

func (p *stubProvider) Service() string { return p.service }

func (p *stubProvider) Fetch(_ context.Context, uri string, maxLabels int, minConfidence float64) provider.Outcome {
	p.mu.Lock()
	round := p.calls / p.perRound
	p.calls++
	p.mu.Unlock()

	if round >= len(p.script) {
		round = len(p.script) - 1
	}
	labels := p.script[round]
	body, _ := json.Marshal(map[string]interface{}{"labels": labels})
	return provider.Outcome{Body: body, Success: true, Labels: labels}
}

const (
	u1 = "https://img.example.org/u1.jpg"
	u2 = "https://img.example.org/u2.jpg"
	u3 = "https://img.example.org/u3.jpg"
)

var _ = Describe("Client", func() {
	var (
		ctx context.Context
		st  *store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		st, err = store.Open("sqlite://:memory:", zap.NewNop())
		Expect(err).ToNot(HaveOccurred())
		Expect(st.Migrate(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(st.Close()).To(Succeed())
	})

	newClient := func(cfg benchmark.Config, p provider.LabelProvider) *benchmark.Client {
		client, err := benchmark.NewClient(ctx, cfg, st, p, zap.NewNop(), nil)
		Expect(err).ToNot(HaveOccurred())
		return client
	}

	Describe("before the first benchmark", func() {
		It("answers introspection and refuses requests with NO_KEY_YET", func() {
			p := newStubProvider("google", 2, map[string]float64{"cat": 0.9})
			client := newClient(benchmark.Config{
				Service: "google",
				Dataset: []string{u1, u2},
			}, p)

			info := client.Info()
			Expect(info.CurrentKeyID).To(BeNil())
			Expect(info.IsBenchmarking).To(BeFalse())
			Expect(info.BenchmarkCount).To(BeZero())

			result := client.SendURIWithKey(ctx, u3, nil)
			Expect(result.KeyError).ToNot(BeNil())
			Expect(result.KeyError.Reason).To(Equal(benchmark.ReasonNoKeyYet))
			Expect(result.Labels).To(BeNil())

			// A missing key is not a validation failure.
			Expect(client.Info().InvalidStateCount).To(BeZero())
		})
	})

	Describe("Benchmark", func() {
		It("mints mutually valid keys for two clients over the same dataset", func() {
			labels := map[string]float64{"cat": 0.9, "dog": 0.8}
			c1 := newClient(benchmark.Config{Service: "google", Dataset: []string{u1, u2}},
				newStubProvider("google", 2, labels))
			c2 := newClient(benchmark.Config{Service: "google", Dataset: []string{u1, u2}},
				newStubProvider("google", 2, labels))

			Expect(c1.Benchmark(ctx)).To(Succeed())
			Expect(c2.Benchmark(ctx)).To(Succeed())

			k1, k2 := c1.CurrentKey(), c2.CurrentKey()
			Expect(k1).ToNot(BeNil())
			Expect(k2).ToNot(BeNil())
			Expect(k1.ValidAgainstKey(k2)).To(BeNil())
			Expect(k2.ValidAgainstKey(k1)).To(BeNil())
		})

		It("replaces and expires the current key on label drift past the tolerance", func() {
			p := newStubProvider("google", 1,
				map[string]float64{"cat": 0.9},
				map[string]float64{"cat": 0.9, "dog": 0.8, "bird": 0.7, "fish": 0.6, "ant": 0.5, "bee": 0.4},
			)
			client := newClient(benchmark.Config{
				Service:     "google",
				Dataset:     []string{u1},
				DeltaLabels: 2,
			}, p)

			Expect(client.Benchmark(ctx)).To(Succeed())
			first := client.CurrentKey()

			Expect(client.Benchmark(ctx)).To(Succeed())
			second := client.CurrentKey()

			Expect(second.Row.ID).ToNot(Equal(first.Row.ID))
			Expect(first.Row.Expired).To(BeTrue())

			persisted, err := st.KeyByID(ctx, first.Row.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(persisted.Expired).To(BeTrue())

			Expect(client.Info().BenchmarkCount).To(Equal(2))
		})

		It("keeps the current key when a re-benchmark is equivalent", func() {
			p := newStubProvider("google", 1, map[string]float64{"cat": 0.9})
			client := newClient(benchmark.Config{Service: "google", Dataset: []string{u1}}, p)

			Expect(client.Benchmark(ctx)).To(Succeed())
			first := client.CurrentKey()

			Expect(client.Benchmark(ctx)).To(Succeed())
			Expect(client.CurrentKey().Row.ID).To(Equal(first.Row.ID))
			Expect(first.Row.Expired).To(BeFalse())
			Expect(client.Info().BenchmarkCount).To(Equal(2))
		})

		It("selects historic keys by creation time", func() {
			p := newStubProvider("google", 1, map[string]float64{"cat": 0.9})
			client := newClient(benchmark.Config{Service: "google", Dataset: []string{u1}}, p)

			Expect(client.Benchmark(ctx)).To(Succeed())
			first := client.CurrentKey()

			Expect(client.KeyAtOrBefore(time.Now().UTC())).ToNot(BeNil())
			Expect(client.KeyAtOrBefore(first.Row.CreatedAt)).To(Equal(first))
			Expect(client.KeyAtOrBefore(first.Row.CreatedAt.Add(-time.Hour))).To(BeNil())
		})
	})

	Describe("SendURIWithKey", func() {
		It("returns the full result under severity none", func() {
			p := newStubProvider("google", 1, map[string]float64{"cat": 0.9})
			client := newClient(benchmark.Config{
				Service:  "google",
				Dataset:  []string{u1},
				Severity: "none",
			}, p)
			Expect(client.Benchmark(ctx)).To(Succeed())

			result := client.SendURIWithKey(ctx, u3, client.CurrentKey())
			Expect(result.KeyError).To(BeNil())
			Expect(result.ResponseError).To(BeNil())
			Expect(result.Labels).To(HaveKeyWithValue("cat", 0.9))
			Expect(result.Response).ToNot(BeNil())
			Expect(result.Response.Success).To(BeTrue())
			Expect(result.Response.BenchmarkKeyID).ToNot(BeNil())
			Expect(*result.Response.BenchmarkKeyID).To(Equal(client.CurrentKey().Row.ID))
		})

		It("rejects an invalid supplied key without calling the provider", func() {
			p := newStubProvider("google", 1, map[string]float64{"cat": 0.9})
			client := newClient(benchmark.Config{
				Service:  "google",
				Dataset:  []string{u1},
				Severity: "none",
			}, p)
			Expect(client.Benchmark(ctx)).To(Succeed())
			callsAfterBenchmark := p.calls

			foreign := makeKey("azure", defaultTolerances, map[string]store.LabelMap{
				u1: {"cat": 0.9},
			})
			result := client.SendURIWithKey(ctx, u3, foreign)
			Expect(result.KeyError).ToNot(BeNil())
			Expect(result.KeyError.Reason).To(Equal(benchmark.ReasonServiceMismatch))
			Expect(result.Labels).To(BeNil())
			Expect(p.calls).To(Equal(callsAfterBenchmark))
			Expect(client.Info().InvalidStateCount).To(Equal(1))
		})

		It("hides labels and response entirely under severity exception", func() {
			p := newStubProvider("google", 1, map[string]float64{"cat": 0.9})
			client := newClient(benchmark.Config{
				Service:        "google",
				Dataset:        []string{u1},
				Severity:       "exception",
				ExpectedLabels: []string{"submarine"},
			}, p)
			Expect(client.Benchmark(ctx)).To(Succeed())

			result := client.SendURIWithKey(ctx, u3, client.CurrentKey())
			Expect(result.ResponseError).ToNot(BeNil())
			Expect(result.ResponseError.Reason).To(Equal(benchmark.ReasonExpectedLabelsMismatch))
			Expect(result.Labels).To(BeNil())
			Expect(result.Response).To(BeNil())
		})

		It("re-benchmarks exactly once after the fail count is exceeded", func() {
			p := newStubProvider("google", 1, map[string]float64{"cat": 0.9})
			client := newClient(benchmark.Config{
				Service:            "google",
				Dataset:            []string{u1},
				Severity:           "none",
				TriggerOnFailCount: 2,
			}, p)
			Expect(client.Benchmark(ctx)).To(Succeed())

			foreign := makeKey("azure", defaultTolerances, map[string]store.LabelMap{
				u1: {"cat": 0.9},
			})
			for i := 0; i < 3; i++ {
				result := client.SendURIWithKey(ctx, u3, foreign)
				Expect(result.KeyError).ToNot(BeNil())
			}

			Eventually(func() int {
				return client.Info().BenchmarkCount
			}).Should(Equal(2))
			Consistently(func() int {
				return client.Info().BenchmarkCount
			}, 200*time.Millisecond).Should(Equal(2))
			Expect(client.Info().InvalidStateCount).To(Equal(3))
		})
	})
})
