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

// Package requestclient dispatches single and batch label requests through
// one LabelProvider and persists a Request/Response pair for every call.
// Provider failures never propagate; they become success=false rows plus a
// WARN log line.
package requestclient

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/icvsb/icvsb/pkg/provider"
	"github.com/icvsb/icvsb/pkg/store"
)

// Client binds one provider to one service row with fixed forwarding
// parameters.
type Client struct {
	store         *store.Store
	provider      provider.LabelProvider
	service       *store.Service
	maxLabels     int
	minConfidence float64
	logger        *zap.Logger
}

// New resolves the provider's service row and returns a ready client.
func New(ctx context.Context, st *store.Store, p provider.LabelProvider, maxLabels int, minConfidence float64, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc, err := st.ServiceByName(ctx, p.Service())
	if err != nil {
		return nil, err
	}
	return &Client{
		store:         st,
		provider:      p,
		service:       svc,
		maxLabels:     maxLabels,
		minConfidence: minConfidence,
		logger:        logger.With(zap.String("service", svc.Name)),
	}, nil
}

// Service returns the service row this client dispatches through.
func (c *Client) Service() *store.Service { return c.service }

// SendURI persists a Request timestamped before dispatch and a Response
// timestamped after. The returned response is unsuccessful rather than an
// error whenever the provider or the response write fails; only a failure to
// create the request row itself is reported as an error.
func (c *Client) SendURI(ctx context.Context, uri string, batchID *int64) (*store.Response, error) {
	req, err := c.store.CreateRequest(ctx, c.service.ID, batchID, uri, time.Now().UTC())
	if err != nil {
		c.logger.Warn("failed to persist request", zap.String("uri", uri), zap.Error(err))
		return nil, err
	}

	outcome := c.provider.Fetch(ctx, uri, c.maxLabels, c.minConfidence)
	success := outcome.Success
	labels := store.LabelMap(outcome.Labels)
	if !success {
		labels = store.LabelMap{}
		c.logger.Warn("provider call unsuccessful",
			zap.String("uri", uri),
			zap.ByteString("body", outcome.Body))
	}

	resp, err := c.store.CreateResponse(ctx, req.ID, outcome.Body, labels, success, time.Now().UTC())
	if err != nil {
		c.logger.Warn("failed to persist response", zap.String("uri", uri), zap.Error(err))
		body, _ := json.Marshal(map[string]string{"service_error": "ServiceError - " + err.Error()})
		return &store.Response{RequestID: req.ID, Body: body, Labels: store.LabelMap{}, Success: false}, nil
	}
	return resp, nil
}

// SendURIs fans a batch in serially under one fresh BatchRequest. This is the
// path every backend supports.
func (c *Client) SendURIs(ctx context.Context, uris []string) (*store.BatchRequest, error) {
	batch, err := c.store.CreateBatchRequest(ctx)
	if err != nil {
		return nil, err
	}
	for _, uri := range uris {
		if _, err := c.SendURI(ctx, uri, &batch.ID); err != nil {
			return nil, err
		}
	}
	return batch, nil
}

// SendURIsAsync fans a batch out with one goroutine per URI. The returned
// wait function blocks until every row is persisted. Backends without
// concurrent-writer support reject the call with ErrUnsupportedBackend.
func (c *Client) SendURIsAsync(ctx context.Context, uris []string) (*store.BatchRequest, func() error, error) {
	if !c.store.ConcurrentWriters() {
		return nil, nil, store.ErrUnsupportedBackend
	}
	batch, err := c.store.CreateBatchRequest(ctx)
	if err != nil {
		return nil, nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, uri := range uris {
		uri := uri
		g.Go(func() error {
			_, err := c.SendURI(gctx, uri, &batch.ID)
			return err
		})
	}
	return batch, g.Wait, nil
}
