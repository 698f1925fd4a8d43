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

// Package registry holds the live benchmarked request clients, keyed by the
// positive identity minted at registration.
package registry

import (
	"sort"
	"sync"

	"github.com/icvsb/icvsb/pkg/benchmark"
)

// Registry is the in-memory table of running clients. Identities are
// monotonic and never reused within a process lifetime.
type Registry struct {
	mu      sync.Mutex
	nextID  int64
	clients map[int64]*benchmark.Client
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{nextID: 1, clients: map[int64]*benchmark.Client{}}
}

// Add registers a client, stamps its identity, and starts its scheduler.
func (r *Registry) Add(c *benchmark.Client) int64 {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.clients[id] = c
	r.mu.Unlock()

	c.SetID(id)
	c.Start()
	return id
}

// Get looks up a client by identity.
func (r *Registry) Get(id int64) (*benchmark.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	return c, ok
}

// Remove stops a client's scheduler and drops it from the table.
func (r *Registry) Remove(id int64) bool {
	r.mu.Lock()
	c, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if ok {
		c.Stop()
	}
	return ok
}

// IDs returns the registered identities in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len reports the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// StopAll stops every client's scheduler; used during shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Stop()
	}
}
