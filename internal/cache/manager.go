package cache

import (
	"encoding/json"
	"sync"

	"github.com/pesio-ai/be-plt-workflows/internal/config"
	"github.com/pesio-ai/be-plt-workflows/internal/workflow"
)

// Manager keeps separate caches for requests and step lists, each with its
// own TTL. All methods are safe on a nil *Manager, which caches nothing.
//
// Writes are fenced by generations: a caller takes a Generation before reading
// upstream and passes it to the setter, which drops the value if an
// invalidation covering that key ran in between. Without the fence a slow
// read that started before a decision could re-cache the pre-decision state.
type Manager struct {
	requests *LRUCache
	steps    *LRUCache

	mu   sync.Mutex
	all  uint64
	orgs map[string]uint64
	keys map[string]uint64
}

// Generation identifies the invalidation state a cached value was read under.
type Generation struct {
	all, org, key uint64
}

// NewManager returns nil when caching is disabled.
func NewManager(cfg config.CacheConfig) *Manager {
	if !cfg.Enabled {
		return nil
	}
	return &Manager{
		requests: NewLRUCache(cfg.MaxSize, cfg.RequestTTL),
		steps:    NewLRUCache(cfg.MaxSize, cfg.StepsTTL),
		orgs:     make(map[string]uint64),
		keys:     make(map[string]uint64),
	}
}

func requestKey(orgID, id string) string        { return orgID + "/request/" + id }
func requestListKey(orgID, query string) string { return orgID + "/requests?" + query }
func stepsKey(orgID, workflowID string) string  { return orgID + "/steps/" + workflowID }

// requestsGenKey fences every request entry of an organization. A decision
// drops all listings, so per-request granularity would not save anything.
func requestsGenKey(orgID string) string { return orgID + "/requests" }

// RequestGeneration is taken before fetching a request or a listing.
func (m *Manager) RequestGeneration(orgID string) Generation {
	if m == nil {
		return Generation{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation(orgID, requestsGenKey(orgID))
}

// StepsGeneration is taken before fetching a workflow's steps.
func (m *Manager) StepsGeneration(orgID, workflowID string) Generation {
	if m == nil {
		return Generation{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation(orgID, stepsKey(orgID, workflowID))
}

// GetRequest returns a cached request.
func (m *Manager) GetRequest(orgID, id string) (*workflow.WorkflowRequest, bool) {
	if m == nil {
		return nil, false
	}
	var req workflow.WorkflowRequest
	if !get(m.requests, requestKey(orgID, id), &req) {
		return nil, false
	}
	return &req, true
}

// SetRequest caches req unless the organization's requests were invalidated
// since gen was taken.
func (m *Manager) SetRequest(orgID string, gen Generation, req *workflow.WorkflowRequest) {
	if m == nil || req == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation(orgID, requestsGenKey(orgID)) != gen {
		return
	}
	set(m.requests, requestKey(orgID, req.ID), req)
}

// GetRequestList returns a cached listing for the given query string.
func (m *Manager) GetRequestList(orgID, query string) ([]workflow.WorkflowRequest, bool) {
	if m == nil {
		return nil, false
	}
	var reqs []workflow.WorkflowRequest
	if !get(m.requests, requestListKey(orgID, query), &reqs) {
		return nil, false
	}
	return reqs, true
}

// SetRequestList caches a listing under the same fence as SetRequest.
func (m *Manager) SetRequestList(orgID, query string, gen Generation, reqs []workflow.WorkflowRequest) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation(orgID, requestsGenKey(orgID)) != gen {
		return
	}
	set(m.requests, requestListKey(orgID, query), reqs)
}

// GetSteps returns a cached step list.
func (m *Manager) GetSteps(orgID, workflowID string) ([]workflow.WorkflowStep, bool) {
	if m == nil {
		return nil, false
	}
	var steps []workflow.WorkflowStep
	if !get(m.steps, stepsKey(orgID, workflowID), &steps) {
		return nil, false
	}
	return steps, true
}

// SetSteps caches a workflow's step list unless it was invalidated since gen
// was taken.
func (m *Manager) SetSteps(orgID, workflowID string, gen Generation, steps []workflow.WorkflowStep) {
	if m == nil {
		return
	}
	key := stepsKey(orgID, workflowID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation(orgID, key) != gen {
		return
	}
	set(m.steps, key, steps)
}

// InvalidateRequest drops the request and every cached listing of the
// organization, since a decision can move the request between listings.
func (m *Manager) InvalidateRequest(orgID, id string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[requestsGenKey(orgID)]++
	m.requests.Invalidate(requestKey(orgID, id))
	m.requests.InvalidatePrefix(requestListKey(orgID, ""))
}

// InvalidateSteps drops a workflow's step list.
func (m *Manager) InvalidateSteps(orgID, workflowID string) {
	if m == nil {
		return
	}
	key := stepsKey(orgID, workflowID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key]++
	m.steps.Invalidate(key)
}

// InvalidateOrganization drops everything cached for the organization.
func (m *Manager) InvalidateOrganization(orgID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orgs[orgID]++
	m.requests.InvalidatePrefix(orgID + "/")
	m.steps.InvalidatePrefix(orgID + "/")
}

// InvalidateAll empties both caches.
func (m *Manager) InvalidateAll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.all++
	m.requests.InvalidateAll()
	m.steps.InvalidateAll()
}

// generation must be called with m.mu held.
func (m *Manager) generation(orgID, key string) Generation {
	return Generation{all: m.all, org: m.orgs[orgID], key: m.keys[key]}
}

func get(c *LRUCache, key string, out any) bool {
	raw, ok := c.Get(key)
	if !ok {
		return false
	}
	// A value that no longer decodes is treated as a miss.
	if err := json.Unmarshal(raw, out); err != nil {
		c.Invalidate(key)
		return false
	}
	return true
}

func set(c *LRUCache, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Set(key, raw)
}
