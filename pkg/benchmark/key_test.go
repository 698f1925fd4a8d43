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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/icvsb/icvsb/pkg/benchmark"
	"github.com/icvsb/icvsb/pkg/store"
)

// makeKey assembles an in-memory key without touching the store.
func makeKey(service string, tolerances store.BenchmarkKeyRow, responses map[string]store.LabelMap) *benchmark.Key {
	uris := make([]string, 0, len(responses))
	byURI := make(map[string]store.BatchResponse, len(responses))
	var reqID int64
	for uri, labels := range responses {
		uris = append(uris, uri)
		reqID++
		byURI[uri] = store.BatchResponse{URI: uri, RequestID: reqID, Success: true, Labels: labels}
	}
	row := tolerances
	return &benchmark.Key{
		Row:       &row,
		Service:   service,
		Severity:  store.SeverityInfo,
		URIs:      uris,
		Responses: byURI,
	}
}

var defaultTolerances = store.BenchmarkKeyRow{
	DeltaLabels:     5,
	DeltaConfidence: 0.01,
	MaxLabels:       100,
	MinConfidence:   0.5,
}

var _ = Describe("Key.ValidAgainstKey", func() {
	It("is reflexive on a fully successful key", func() {
		k := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9, "dog": 0.8},
		})
		Expect(k.ValidAgainstKey(k)).To(BeNil())
	})

	It("accepts an exact reproduction minted separately", func() {
		labels := map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
			"https://img.example.org/u2.jpg": {"dog": 0.8, "ball": 0.7},
		}
		k1 := makeKey("google", defaultTolerances, labels)
		k2 := makeKey("google", defaultTolerances, labels)
		Expect(k1.ValidAgainstKey(k2)).To(BeNil())
		Expect(k2.ValidAgainstKey(k1)).To(BeNil())
	})

	It("rejects a nil challenger with NO_KEY_YET", func() {
		k := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
		})
		err := k.ValidAgainstKey(nil)
		Expect(err).ToNot(BeNil())
		Expect(err.Reason).To(Equal(benchmark.ReasonNoKeyYet))
	})

	It("reports SERVICE_MISMATCH before anything else", func() {
		k1 := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
		})
		k2 := makeKey("azure", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/other.jpg": {"dog": 0.1},
		})
		Expect(k1.ValidAgainstKey(k2).Reason).To(Equal(benchmark.ReasonServiceMismatch))
	})

	It("reports DATASET_MISMATCH when the URI sets differ", func() {
		k1 := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
		})
		k2 := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u2.jpg": {"cat": 0.9},
		})
		err := k1.ValidAgainstKey(k2)
		Expect(err.Reason).To(Equal(benchmark.ReasonDatasetMismatch))
		Expect(err.Message).To(ContainSubstring("u1.jpg"))
		Expect(err.Message).To(ContainSubstring("u2.jpg"))
	})

	It("reports SUCCESS_MISMATCH when either batch holds a failed response", func() {
		k1 := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
		})
		k2 := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {},
		})
		r := k2.Responses["https://img.example.org/u1.jpg"]
		r.Success = false
		k2.Responses["https://img.example.org/u1.jpg"] = r
		Expect(k1.ValidAgainstKey(k2).Reason).To(Equal(benchmark.ReasonSuccessMismatch))
	})

	It("reports MAX_LABELS_MISMATCH and MIN_CONFIDENCE_MISMATCH on config drift", func() {
		labels := map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
		}
		k1 := makeKey("google", defaultTolerances, labels)

		wider := defaultTolerances
		wider.MaxLabels = 50
		Expect(k1.ValidAgainstKey(makeKey("google", wider, labels)).Reason).
			To(Equal(benchmark.ReasonMaxLabelsMismatch))

		looser := defaultTolerances
		looser.MinConfidence = 0.25
		Expect(k1.ValidAgainstKey(makeKey("google", looser, labels)).Reason).
			To(Equal(benchmark.ReasonMinConfidenceMismatch))
	})

	It("fails LABEL_DELTA_MISMATCH when label drift exceeds the tolerance", func() {
		tight := defaultTolerances
		tight.DeltaLabels = 2
		k1 := makeKey("google", tight, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
		})
		k2 := makeKey("google", tight, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {
				"cat": 0.9, "dog": 0.8, "bird": 0.7, "fish": 0.6, "ant": 0.5, "bee": 0.4,
			},
		})
		err := k1.ValidAgainstKey(k2)
		Expect(err).ToNot(BeNil())
		Expect(err.Reason).To(Equal(benchmark.ReasonLabelDeltaMismatch))
	})

	It("tolerates label drift at or below the tolerance", func() {
		k1 := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
		})
		k2 := makeKey("google", defaultTolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9, "dog": 0.8, "bird": 0.7},
		})
		Expect(k1.ValidAgainstKey(k2)).To(BeNil())
	})

	It("fails CONFIDENCE_DELTA_MISMATCH with per-label details", func() {
		tight := defaultTolerances
		tight.DeltaConfidence = 0.05
		k1 := makeKey("google", tight, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.90},
		})
		k2 := makeKey("google", tight, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.80},
		})
		err := k1.ValidAgainstKey(k2)
		Expect(err).ToNot(BeNil())
		Expect(err.Reason).To(Equal(benchmark.ReasonConfidenceDeltaMismatch))
		Expect(err.Deltas).To(HaveLen(1))
		Expect(err.Deltas[0].Label).To(Equal("cat"))
		Expect(err.Deltas[0].Delta).To(BeNumerically("~", 0.10, 1e-9))
	})

	It("measures drift under the reference key's tolerances, not the challenger's", func() {
		strict := defaultTolerances
		strict.DeltaConfidence = 0.01
		loose := defaultTolerances
		loose.DeltaConfidence = 0.50

		k1 := makeKey("google", strict, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.90},
		})
		k2 := makeKey("google", loose, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.80},
		})
		// delta_confidence is a key tolerance, not a provider parameter,
		// so it does not participate in the config checks.
		Expect(k1.ValidAgainstKey(k2).Reason).To(Equal(benchmark.ReasonConfidenceDeltaMismatch))
		Expect(k2.ValidAgainstKey(k1)).To(BeNil())
	})

	It("is symmetric in truth value for identical tolerances and dataset", func() {
		tight := defaultTolerances
		tight.DeltaConfidence = 0.05
		k1 := makeKey("google", tight, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.90},
		})
		k2 := makeKey("google", tight, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.70},
		})
		Expect(k1.ValidAgainstKey(k2)).ToNot(BeNil())
		Expect(k2.ValidAgainstKey(k1)).ToNot(BeNil())
	})
})

var _ = Describe("Key.ValidAgainstResponse", func() {
	newKeyWithExpected := func(expected ...string) *benchmark.Key {
		tolerances := defaultTolerances
		tolerances.ExpectedLabels = store.StringList(expected)
		return makeKey("google", tolerances, map[string]store.LabelMap{
			"https://img.example.org/u1.jpg": {"cat": 0.9},
		})
	}

	It("passes when every expected label is present", func() {
		k := newKeyWithExpected("cat")
		Expect(k.ValidAgainstResponse(map[string]float64{"cat": 0.9, "dog": 0.8})).To(BeNil())
	})

	It("allows extra labels in the response", func() {
		k := newKeyWithExpected()
		Expect(k.ValidAgainstResponse(map[string]float64{"anything": 0.1})).To(BeNil())
	})

	It("fails EXPECTED_LABELS_MISMATCH naming the missing labels", func() {
		k := newKeyWithExpected("cat", "dog")
		err := k.ValidAgainstResponse(map[string]float64{"cat": 0.9})
		Expect(err).ToNot(BeNil())
		Expect(err.Reason).To(Equal(benchmark.ReasonExpectedLabelsMismatch))
		Expect(err.Message).To(ContainSubstring("dog"))
	})

	It("matches case-insensitively through lowercasing", func() {
		k := newKeyWithExpected("Cat")
		Expect(k.ValidAgainstResponse(map[string]float64{"cat": 0.9})).To(BeNil())
	})
})
