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

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/icvsb/icvsb/pkg/benchmark"
	"github.com/icvsb/icvsb/pkg/validation"
)

// entityTag is one parsed If-Match entry: W/"<brc-id>[;<key-id>]".
type entityTag struct {
	ClientID int64
	KeyID    int64
	HasKey   bool
}

// parseIfMatch splits a comma-separated If-Match header into entity tags.
func parseIfMatch(header string) ([]entityTag, error) {
	var tags []entityTag
	for _, raw := range strings.Split(header, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.HasPrefix(raw, `W/"`) || !strings.HasSuffix(raw, `"`) {
			return nil, fmt.Errorf("malformed entity tag %q", raw)
		}
		body := raw[len(`W/"`) : len(raw)-1]

		var tag entityTag
		parts := strings.SplitN(body, ";", 2)
		id, err := validation.Integer(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed entity tag %q: %w", raw, err)
		}
		tag.ClientID = id
		if len(parts) == 2 {
			keyID, err := validation.Integer(parts[1])
			if err != nil {
				return nil, fmt.Errorf("malformed entity tag %q: %w", raw, err)
			}
			tag.KeyID = keyID
			tag.HasKey = true
		}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("no entity tags in If-Match")
	}
	return tags, nil
}

// labelsOutcome carries one attempt's result plus the context needed to
// translate it to a status code and headers.
type labelsOutcome struct {
	tag    entityTag
	client *benchmark.Client
	result benchmark.Result
}

// handleLabels is the conditional labeling endpoint. Entity tags from
// If-Match are tried in order; the first error-free attempt, or failing that
// the last attempt, decides the response.
func (s *Server) handleLabels(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.Query().Get("uri")
	if err := validation.URI(uri); err != nil {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"uri": err.Error()}))
		return
	}

	ifMatch := r.Header.Get("If-Match")
	if ifMatch == "" {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"If-Match": "header is required"}))
		return
	}
	tags, err := parseIfMatch(ifMatch)
	if err != nil {
		validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
			map[string]string{"If-Match": err.Error()}))
		return
	}

	// Key-less tags select a key by creation time, which makes the date
	// header mandatory for them.
	var unmodifiedSince time.Time
	if hasKeylessTag(tags) {
		raw := r.Header.Get("If-Unmodified-Since")
		if raw == "" {
			validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
				map[string]string{"If-Unmodified-Since": "header is required when an entity tag omits its key id"}))
			return
		}
		unmodifiedSince, err = validation.HTTPDate(raw)
		if err != nil {
			validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
				map[string]string{"If-Unmodified-Since": err.Error()}))
			return
		}
	}

	var outcome labelsOutcome
	for i, tag := range tags {
		client, ok := s.registry.Get(tag.ClientID)
		if !ok {
			validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
				map[string]string{"If-Match": fmt.Sprintf("unknown benchmark client %d", tag.ClientID)}))
			return
		}

		var supplied *benchmark.Key
		if tag.HasKey {
			supplied, err = benchmark.LoadKey(r.Context(), s.store, tag.KeyID)
			if err != nil {
				validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
					map[string]string{"If-Match": fmt.Sprintf("unknown key %d", tag.KeyID)}))
				return
			}
		} else {
			supplied = client.KeyAtOrBefore(unmodifiedSince)
			if supplied == nil {
				validation.WriteProblem(w, validation.NewValidationProblem(r.URL.Path,
					map[string]string{"If-Unmodified-Since": fmt.Sprintf(
						"benchmark client %d has no key at or before the given date", tag.ClientID)}))
				return
			}
		}

		outcome = labelsOutcome{tag: tag, client: client, result: client.SendURIWithKey(r.Context(), uri, supplied)}
		if !outcome.result.HasError() || i == len(tags)-1 {
			break
		}
	}

	s.writeLabelsOutcome(w, uri, outcome)
}

func hasKeylessTag(tags []entityTag) bool {
	for _, t := range tags {
		if !t.HasKey {
			return true
		}
	}
	return false
}

// writeLabelsOutcome translates the chosen attempt into a status code. The
// validity headers always describe the governing key of the client that
// served the attempt.
func (s *Server) writeLabelsOutcome(w http.ResponseWriter, uri string, o labelsOutcome) {
	current := o.client.CurrentKey()
	if current != nil {
		w.Header().Set("ETag", fmt.Sprintf(`W/"%d;%d"`, o.tag.ClientID, current.Row.ID))
		w.Header().Set("Last-Modified", current.Row.CreatedAt.UTC().Format(http.TimeFormat))
	}

	if o.result.HasError() {
		writeJSON(w, http.StatusPreconditionFailed, o.result)
		return
	}

	if o.result.Response != nil && o.result.Response.ServiceError != "" {
		writeJSON(w, http.StatusUnprocessableEntity, o.result)
		return
	}

	body, err := json.Marshal(o.result)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "internal", "Internal Error", err.Error())
		return
	}

	// Row ids and timestamps differ on every call, so change detection
	// compares the labels alone.
	labelBytes, err := json.Marshal(o.result.Labels)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "internal", "Internal Error", err.Error())
		return
	}
	cacheKey := fmt.Sprintf("%d;%d;%s", o.tag.ClientID, current.Row.ID, uri)
	if prior, ok := s.labelsCache.Get(cacheKey); ok && bytes.Equal(prior, labelBytes) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.labelsCache.Add(cacheKey, labelBytes)

	s.logger.Debug("labels served",
		zap.Int64("benchmark_client", o.tag.ClientID),
		zap.Int64("key", current.Row.ID),
		zap.String("uri", uri))
	w.Header().Set("Content-Type", "application/json;charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
