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

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Service names are a closed set seeded by the schema migrations.
const (
	ServiceGoogle = "google"
	ServiceAmazon = "amazon"
	ServiceAzure  = "azure"
)

// Severity names are a closed set seeded by the schema migrations.
const (
	SeverityException = "exception"
	SeverityWarning   = "warning"
	SeverityInfo      = "info"
	SeverityNone      = "none"
)

// Service identifies one vendor adapter.
type Service struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// Severity is the response-shaping policy attached to a benchmark key.
type Severity struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// BatchRequest groups the single requests made together during one fan-out.
type BatchRequest struct {
	ID        int64     `db:"id"`
	CreatedAt time.Time `db:"created_at"`
}

// Request records one call against one URI. CreatedAt is stamped before the
// provider is dispatched.
type Request struct {
	ID             int64     `db:"id"`
	ServiceID      int64     `db:"service_id"`
	BatchRequestID *int64    `db:"batch_request_id"`
	URI            string    `db:"uri"`
	CreatedAt      time.Time `db:"created_at"`
}

// Response stores the raw vendor body, the normalized labels, and the success
// flag for exactly one request. Body is nullable; Labels is empty whenever
// Success is false.
type Response struct {
	ID             int64     `db:"id"`
	RequestID      int64     `db:"request_id"`
	BenchmarkKeyID *int64    `db:"benchmark_key_id"`
	CreatedAt      time.Time `db:"created_at"`
	Body           []byte    `db:"body"`
	Labels         LabelMap  `db:"labels"`
	Success        bool      `db:"success"`
}

// ServiceError returns the service_error recorded in the body of a failed
// response, or "" when the body carries none.
func (r *Response) ServiceError() string {
	if len(r.Body) == 0 {
		return ""
	}
	var payload struct {
		ServiceError string `json:"service_error"`
	}
	if err := json.Unmarshal(r.Body, &payload); err != nil {
		return ""
	}
	return payload.ServiceError
}

// BenchmarkKeyRow is the persisted part of a benchmark key: the reference
// batch plus the tolerances the key carries. Once Expired flips to true it
// never resets.
type BenchmarkKeyRow struct {
	ID              int64      `db:"id"`
	ServiceID       int64      `db:"service_id"`
	BatchRequestID  int64      `db:"batch_request_id"`
	SeverityID      int64      `db:"severity_id"`
	CreatedAt       time.Time  `db:"created_at"`
	Expired         bool       `db:"expired"`
	DeltaLabels     int        `db:"delta_labels"`
	DeltaConfidence float64    `db:"delta_confidence"`
	MaxLabels       int        `db:"max_labels"`
	MinConfidence   float64    `db:"min_confidence"`
	ExpectedLabels  StringList `db:"expected_labels"`
}

// BatchResponse is one response of a batch joined back to the URI of its
// request. Validity checks pair responses across batches by URI equality.
type BatchResponse struct {
	URI       string   `db:"uri"`
	RequestID int64    `db:"request_id"`
	Success   bool     `db:"success"`
	Labels    LabelMap `db:"labels"`
}

// LabelMap is the normalized {label → confidence ∈ [0,1]} payload, stored as
// a JSON column.
type LabelMap map[string]float64

// Value implements driver.Valuer. Empty maps are stored as '{}' rather than
// NULL so scans always yield a usable map.
func (m LabelMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *LabelMap) Scan(value interface{}) error {
	if value == nil {
		*m = LabelMap{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("failed to scan LabelMap: expected []byte, got %T", value)
		}
	}
	return json.Unmarshal(b, m)
}

// StringList is an ordered list of lowercased strings stored as a JSON array.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			b = []byte(s)
		} else {
			return fmt.Errorf("failed to scan StringList: expected []byte, got %T", value)
		}
	}
	return json.Unmarshal(b, l)
}
