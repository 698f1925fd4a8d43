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

// Package benchmark implements the benchmark key engine and the benchmarked
// request client built on top of it. A key is the persisted snapshot of a
// dataset's labels plus the tolerance thresholds that decide whether a later
// snapshot, or a single live response, still looks like the same service.
package benchmark

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/icvsb/icvsb/pkg/store"
)

// Reason identifies why a key or response failed validation. The relation
// short-circuits, so the reported reason is always the first check that
// failed.
type Reason string

const (
	ReasonNoKeyYet                = Reason("NO_KEY_YET")
	ReasonServiceMismatch         = Reason("SERVICE_MISMATCH")
	ReasonDatasetMismatch         = Reason("DATASET_MISMATCH")
	ReasonSuccessMismatch         = Reason("SUCCESS_MISMATCH")
	ReasonMaxLabelsMismatch       = Reason("MAX_LABELS_MISMATCH")
	ReasonMinConfidenceMismatch   = Reason("MIN_CONFIDENCE_MISMATCH")
	ReasonResponseLengthMismatch  = Reason("RESPONSE_LENGTH_MISMATCH")
	ReasonLabelDeltaMismatch      = Reason("LABEL_DELTA_MISMATCH")
	ReasonConfidenceDeltaMismatch = Reason("CONFIDENCE_DELTA_MISMATCH")
	ReasonExpectedLabelsMismatch  = Reason("EXPECTED_LABELS_MISMATCH")
)

// LabelDelta details one label whose confidence moved past the tolerance.
type LabelDelta struct {
	Label string  `json:"label"`
	Delta float64 `json:"delta"`
}

// InvalidKeyError is the only error the validity relation produces.
type InvalidKeyError struct {
	Reason  Reason       `json:"reason"`
	Message string       `json:"message,omitempty"`
	Deltas  []LabelDelta `json:"deltas,omitempty"`
}

func (e *InvalidKeyError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Key is a benchmark key hydrated with its batch: the row, the resolved
// service and severity names, the dataset URIs, and the per-URI responses.
type Key struct {
	Row      *store.BenchmarkKeyRow
	Service  string
	Severity string
	URIs     []string
	// Responses is keyed by URI; validity pairing is by URI equality.
	Responses map[string]store.BatchResponse
}

// LoadKey hydrates a key from the store.
func LoadKey(ctx context.Context, st *store.Store, keyID int64) (*Key, error) {
	row, err := st.KeyByID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	svc, err := st.ServiceByID(ctx, row.ServiceID)
	if err != nil {
		return nil, err
	}
	sev, err := st.SeverityByID(ctx, row.SeverityID)
	if err != nil {
		return nil, err
	}
	uris, err := st.BatchURIs(ctx, row.BatchRequestID)
	if err != nil {
		return nil, err
	}
	responses, err := st.BatchResponses(ctx, row.BatchRequestID)
	if err != nil {
		return nil, err
	}
	byURI := make(map[string]store.BatchResponse, len(responses))
	for _, r := range responses {
		byURI[r.URI] = r
	}
	return &Key{Row: row, Service: svc.Name, Severity: sev.Name, URIs: uris, Responses: byURI}, nil
}

// fullySuccessful reports whether every response in the key's batch
// succeeded.
func (k *Key) fullySuccessful() bool {
	for _, r := range k.Responses {
		if !r.Success {
			return false
		}
	}
	return true
}

// ValidAgainstKey decides whether other still describes the same service
// behavior, measured under this key's own tolerances. The checks run in a
// fixed order and the first failure wins, so a client holding an old, strict
// key cannot be silently widened by a newer, looser one.
func (k *Key) ValidAgainstKey(other *Key) *InvalidKeyError {
	if other == nil {
		return &InvalidKeyError{Reason: ReasonNoKeyYet, Message: "no key supplied"}
	}

	if k.Service != other.Service {
		return &InvalidKeyError{
			Reason:  ReasonServiceMismatch,
			Message: fmt.Sprintf("%s vs %s", k.Service, other.Service),
		}
	}

	if diff := symdiff(k.URIs, other.URIs); len(diff) > 0 {
		return &InvalidKeyError{
			Reason:  ReasonDatasetMismatch,
			Message: "datasets differ: " + strings.Join(diff, ", "),
		}
	}

	if !k.fullySuccessful() || !other.fullySuccessful() {
		return &InvalidKeyError{
			Reason:  ReasonSuccessMismatch,
			Message: "a batch contains unsuccessful responses",
		}
	}

	if k.Row.MaxLabels != other.Row.MaxLabels {
		return &InvalidKeyError{
			Reason:  ReasonMaxLabelsMismatch,
			Message: fmt.Sprintf("%d vs %d", k.Row.MaxLabels, other.Row.MaxLabels),
		}
	}

	if k.Row.MinConfidence != other.Row.MinConfidence {
		return &InvalidKeyError{
			Reason:  ReasonMinConfidenceMismatch,
			Message: fmt.Sprintf("%g vs %g", k.Row.MinConfidence, other.Row.MinConfidence),
		}
	}

	if len(k.Responses) != len(other.Responses) {
		return &InvalidKeyError{
			Reason:  ReasonResponseLengthMismatch,
			Message: fmt.Sprintf("%d vs %d responses", len(k.Responses), len(other.Responses)),
		}
	}

	for _, uri := range k.URIs {
		mine := k.Responses[uri]
		theirs := other.Responses[uri]

		labelDiff := symdiff(labelsOf(mine.Labels), labelsOf(theirs.Labels))
		if len(labelDiff) > k.Row.DeltaLabels {
			return &InvalidKeyError{
				Reason: ReasonLabelDeltaMismatch,
				Message: fmt.Sprintf("%s: %d labels differ, tolerance %d",
					uri, len(labelDiff), k.Row.DeltaLabels),
			}
		}

		// Only labels present on both sides contribute here; one-sided
		// labels are already covered by the label-delta check.
		var deltas []LabelDelta
		for label, mineConf := range mine.Labels {
			theirConf, ok := theirs.Labels[label]
			if !ok {
				continue
			}
			if d := math.Abs(mineConf - theirConf); d > k.Row.DeltaConfidence {
				deltas = append(deltas, LabelDelta{Label: label, Delta: d})
			}
		}
		if len(deltas) > 0 {
			sort.Slice(deltas, func(i, j int) bool { return deltas[i].Label < deltas[j].Label })
			return &InvalidKeyError{
				Reason:  ReasonConfidenceDeltaMismatch,
				Message: fmt.Sprintf("%s: confidence drift beyond %g", uri, k.Row.DeltaConfidence),
				Deltas:  deltas,
			}
		}
	}

	return nil
}

// ValidAgainstResponse checks that every expected label appears in the
// response's labels. Extra labels are allowed.
func (k *Key) ValidAgainstResponse(labels map[string]float64) *InvalidKeyError {
	var missing []string
	for _, want := range k.Row.ExpectedLabels {
		if _, ok := labels[strings.ToLower(want)]; !ok {
			missing = append(missing, strings.ToLower(want))
		}
	}
	if len(missing) > 0 {
		return &InvalidKeyError{
			Reason:  ReasonExpectedLabelsMismatch,
			Message: "missing expected labels: " + strings.Join(missing, ", "),
		}
	}
	return nil
}

func labelsOf(m store.LabelMap) []string {
	out := make([]string, 0, len(m))
	for label := range m {
		out = append(out, label)
	}
	return out
}

// symdiff returns (A ∪ B) \ (A ∩ B) over lowercased strings, sorted.
func symdiff(a, b []string) []string {
	seen := map[string]int{}
	for _, s := range a {
		seen[strings.ToLower(s)] |= 1
	}
	for _, s := range b {
		seen[strings.ToLower(s)] |= 2
	}
	var out []string
	for s, mask := range seen {
		if mask != 3 {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
