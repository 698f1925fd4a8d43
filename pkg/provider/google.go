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

package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/icvsb/icvsb/pkg/store"
)

const defaultGoogleEndpoint = "https://vision.googleapis.com/v1/images:annotate"

// googleProvider posts downloaded image bytes to the Vision annotate API.
// Success requires the top-level "responses" field.
type googleProvider struct {
	*fetcher
	apiKey   string
	endpoint string
}

func (p *googleProvider) Service() string { return store.ServiceGoogle }

type googleAnnotateResponse struct {
	Responses []struct {
		LabelAnnotations []struct {
			Description string  `json:"description"`
			Score       float64 `json:"score"`
		} `json:"labelAnnotations"`
	} `json:"responses"`
}

func (p *googleProvider) Fetch(ctx context.Context, uri string, maxLabels int, minConfidence float64) Outcome {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	image, failed, ok := p.download(ctx, uri)
	if !ok {
		return failed
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"requests": []map[string]interface{}{{
			"image": map[string]string{"content": base64.StdEncoding.EncodeToString(image)},
			"features": []map[string]interface{}{{
				"type":       "LABEL_DETECTION",
				"maxResults": maxLabels,
			}},
		}},
	})

	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = defaultGoogleEndpoint
	}
	if p.apiKey != "" {
		endpoint += "?key=" + p.apiKey
	}

	raw, err := p.call(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("vision annotate returned status %d", resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		return p.failure(KindServiceError, err)
	}
	body := raw.([]byte)

	// The expected top-level field must be present even on a 2xx answer.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return p.failure(KindServiceError, err)
	}
	if _, ok := probe["responses"]; !ok {
		return p.failure(KindServiceError, fmt.Errorf("missing responses field"))
	}

	var decoded googleAnnotateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return p.failure(KindServiceError, err)
	}
	labels := map[string]float64{}
	for _, r := range decoded.Responses {
		for _, ann := range r.LabelAnnotations {
			labels[ann.Description] = ann.Score
		}
	}

	return Outcome{
		Body:    body,
		Success: true,
		Labels:  normalize(labels, maxLabels, minConfidence, true),
	}
}
