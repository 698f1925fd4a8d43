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

package validation

import (
	"encoding/json"
	"net/http"
)

// RFC7807Problem is the error body every non-2xx JSON response uses.
type RFC7807Problem struct {
	Type     string            `json:"type"`
	Title    string            `json:"title"`
	Status   int               `json:"status"`
	Detail   string            `json:"detail,omitempty"`
	Instance string            `json:"instance,omitempty"`
	Errors   map[string]string `json:"errors,omitempty"`
}

// NewValidationProblem builds a 400 problem for one or more field failures.
func NewValidationProblem(instance string, fieldErrors map[string]string) *RFC7807Problem {
	return &RFC7807Problem{
		Type:     "https://icvsb.io/problems/validation-error",
		Title:    "Validation Error",
		Status:   http.StatusBadRequest,
		Instance: instance,
		Errors:   fieldErrors,
	}
}

// WriteProblem serializes a problem with the problem+json media type.
func WriteProblem(w http.ResponseWriter, p *RFC7807Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
