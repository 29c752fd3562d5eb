package mockserver

import "sync"

// Webhook is one recorded call.
type Webhook struct {
	Timestamp float64           `json:"timestamp"` // unix seconds
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
	JSON      any               `json:"json"` // decoded body when the request was JSON, else null
	Method    string            `json:"method"`
	URL       string            `json:"url"`
}

// Store keeps received webhooks in arrival order.
type Store struct {
	mu    sync.Mutex
	items []Webhook
}

// Add records w and returns its 1-based id.
func (s *Store) Add(w Webhook) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, w)
	return len(s.items)
}

func (s *Store) List() []Webhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Webhook, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Latest() (Webhook, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return Webhook{}, 0, false
	}
	return s.items[len(s.items)-1], len(s.items), true
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) Reset() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}
