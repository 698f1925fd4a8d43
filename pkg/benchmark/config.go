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
	"strings"

	"github.com/icvsb/icvsb/pkg/validation"
)

// Default configuration of a benchmarked request client.
const (
	DefaultMaxLabels       = 100
	DefaultMinConfidence   = 0.50
	DefaultDeltaLabels     = 5
	DefaultDeltaConfidence = 0.01
	DefaultSeverity        = "info"
	DefaultSchedule        = "0 0 * * 0"
)

// Config is the creation payload of a benchmarked request client. Zero
// values are filled in by Normalize; Validate rejects anything outside the
// closed enums or grammar of each field.
type Config struct {
	Service string   `json:"service"`
	Dataset []string `json:"benchmark_dataset"`

	MaxLabels       int     `json:"max_labels" validate:"gt=0"`
	MinConfidence   float64 `json:"min_confidence" validate:"gte=0,lte=1"`
	DeltaLabels     int     `json:"delta_labels" validate:"gte=0"`
	DeltaConfidence float64 `json:"delta_confidence" validate:"gte=0,lte=1"`

	Severity       string   `json:"severity"`
	ExpectedLabels []string `json:"expected_labels,omitempty"`

	TriggerOnSchedule  string `json:"trigger_on_schedule"`
	TriggerOnFailCount int    `json:"trigger_on_failcount" validate:"gte=0"`

	BenchmarkCallbackURI string `json:"benchmark_callback_uri,omitempty"`
	WarningCallbackURI   string `json:"warning_callback_uri,omitempty"`

	// Autobenchmark defaults to true; a pointer distinguishes "absent"
	// from an explicit false.
	Autobenchmark *bool `json:"autobenchmark,omitempty"`
}

// Normalize fills defaults and lowercases the expected label set.
func (c *Config) Normalize() {
	if c.MaxLabels == 0 {
		c.MaxLabels = DefaultMaxLabels
	}
	if c.MinConfidence == 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	if c.DeltaLabels == 0 {
		c.DeltaLabels = DefaultDeltaLabels
	}
	if c.DeltaConfidence == 0 {
		c.DeltaConfidence = DefaultDeltaConfidence
	}
	if c.Severity == "" {
		c.Severity = DefaultSeverity
	}
	if c.TriggerOnSchedule == "" {
		c.TriggerOnSchedule = DefaultSchedule
	}
	if c.Autobenchmark == nil {
		t := true
		c.Autobenchmark = &t
	}
	for i, l := range c.ExpectedLabels {
		c.ExpectedLabels[i] = strings.ToLower(l)
	}
}

// AutobenchmarkEnabled reports the normalized autobenchmark flag.
func (c *Config) AutobenchmarkEnabled() bool {
	return c.Autobenchmark == nil || *c.Autobenchmark
}

// Validate checks every field against its grammar and returns a map of
// field name to failure, empty when the config is acceptable. Numeric ranges
// are covered by the `validate` tags; the checks below are the ones with a
// grammar the tags cannot express.
func (c *Config) Validate() map[string]string {
	problems := validation.FieldProblems(validation.ValidateStruct(c))

	if err := validation.ServiceName(c.Service); err != nil {
		problems["service"] = err.Error()
	}
	if len(c.Dataset) == 0 {
		problems["benchmark_dataset"] = "at least one dataset URI is required"
	}
	for _, uri := range c.Dataset {
		if err := validation.URI(uri); err != nil {
			problems["benchmark_dataset"] = err.Error()
			break
		}
	}
	if err := validation.SeverityName(c.Severity); err != nil {
		problems["severity"] = err.Error()
	}
	if err := validation.CronLine(c.TriggerOnSchedule); err != nil {
		problems["trigger_on_schedule"] = err.Error()
	}
	if c.BenchmarkCallbackURI != "" {
		if err := validation.URI(c.BenchmarkCallbackURI); err != nil {
			problems["benchmark_callback_uri"] = err.Error()
		}
	}
	if c.WarningCallbackURI != "" {
		if err := validation.URI(c.WarningCallbackURI); err != nil {
			problems["warning_callback_uri"] = err.Error()
		}
	}
	if c.Severity == "warning" && c.WarningCallbackURI == "" {
		problems["warning_callback_uri"] = validation.ErrMissingWarningCallback.Error()
	}

	return problems
}
