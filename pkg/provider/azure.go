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
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/icvsb/icvsb/pkg/store"
)

const defaultAzureEndpoint = "https://westus.api.cognitive.microsoft.com/vision/v2.0/tag"

// azureProvider posts raw image bytes to the Computer Vision tag endpoint.
// The tag API has no confidence filter, so minConfidence is ignored; labels
// are still truncated to maxLabels after normalization. Success requires the
// top-level "tags" field.
type azureProvider struct {
	*fetcher
	subscriptionKey string
	endpoint        string
}

func (p *azureProvider) Service() string { return store.ServiceAzure }

type azureTagResponse struct {
	Tags []struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"tags"`
}

func (p *azureProvider) Fetch(ctx context.Context, uri string, maxLabels int, _ float64) Outcome {
	ctx, cancel := p.withDeadline(ctx)
	defer cancel()

	image, failed, ok := p.download(ctx, uri)
	if !ok {
		return failed
	}

	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = defaultAzureEndpoint
	}

	raw, err := p.call(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(image))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Ocp-Apim-Subscription-Key", p.subscriptionKey)
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
			return nil, fmt.Errorf("vision tag returned status %d", resp.StatusCode)
		}
		return body, nil
	})
	if err != nil {
		return p.failure(KindServiceError, err)
	}
	body := raw.([]byte)

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return p.failure(KindServiceError, err)
	}
	if _, ok := probe["tags"]; !ok {
		return p.failure(KindServiceError, fmt.Errorf("missing tags field"))
	}

	var decoded azureTagResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return p.failure(KindServiceError, err)
	}
	labels := map[string]float64{}
	for _, t := range decoded.Tags {
		labels[t.Name] = t.Confidence
	}

	return Outcome{
		Body:    body,
		Success: true,
		Labels:  normalize(labels, maxLabels, 0, false),
	}
}
