package edge

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/edgekit/nextroute/pipeline"
)

// CorrelationHeader carries the correlation id between the pre-middleware
// and the post-middleware hop when they run as separate functions.
const CorrelationHeader = "x-nextroute-correlation"

// State is the pipeline outcome of the pre-middleware hop, parked until the
// post-middleware hop picks it up.
type State struct {
	Request   *http.Request
	PreResult *pipeline.Result
	Created   time.Time
}

// DefaultStateTTL bounds how long unclaimed state stays parked. Entries
// past the TTL are evicted on the next Put.
const DefaultStateTTL = 30 * time.Second

// CorrelationStore parks pre-middleware state keyed by a generated id. Safe
// for concurrent use.
type CorrelationStore struct {
	mu     sync.Mutex
	states map[string]*State
	ttl    time.Duration
}

func NewCorrelationStore() *CorrelationStore {
	return &CorrelationStore{states: make(map[string]*State), ttl: DefaultStateTTL}
}

// Put parks state and returns its generated id. Expired entries are evicted
// on the way in, so a hop that never reaches the post handler cannot grow
// the store without bound.
func (s *CorrelationStore) Put(state *State) string {
	id := uuid.NewString()
	if state.Created.IsZero() {
		state.Created = time.Now()
	}

	deadline := time.Now().Add(-s.ttl)

	s.mu.Lock()
	for k, st := range s.states {
		if st.Created.Before(deadline) {
			delete(s.states, k)
		}
	}
	s.states[id] = state
	s.mu.Unlock()
	return id
}

// Get returns the parked state for id, if any.
func (s *CorrelationStore) Get(id string) (*State, bool) {
	s.mu.Lock()
	state, ok := s.states[id]
	s.mu.Unlock()
	return state, ok
}

// Delete removes the parked state for id.
func (s *CorrelationStore) Delete(id string) {
	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()
}

// Len returns the number of parked states.
func (s *CorrelationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// take resolves the correlation id of req, removing the parked state. The
// post hop still answers without it, re-deriving what it needs from the
// request itself, but an unknown id means lost state and is logged as an
// error.
func (s *CorrelationStore) take(req *http.Request) *State {
	id := req.Header.Get(CorrelationHeader)
	if id == "" {
		return nil
	}
	req.Header.Del(CorrelationHeader)

	state, ok := s.Get(id)
	if !ok {
		log.Errorf("edge: no parked state for correlation id %s", id)
		return nil
	}
	s.Delete(id)
	return state
}
