// Package conversation holds the bounded context log feeding the decision
// source. The store is append-only and safe for concurrent producers (loop
// thread, supervisor handlers, activity monitor).
package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Roles used by the store. Trimming rules treat system items specially.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Item is one conversation entry. Insertion order is causal order.
type Item struct {
	ID   string         `json:"id"`
	Role string         `json:"role"`
	Text string         `json:"text"`
	TS   time.Time      `json:"ts"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Message is the role/content pair handed to a decision source.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store is a thread-safe append-only conversation log.
type Store struct {
	mu    sync.Mutex
	items []Item
}

// NewStore returns an empty conversation store.
func NewStore() *Store {
	return &Store{}
}

// Append adds one item. meta may be nil.
func (s *Store) Append(role, text string, meta map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var m map[string]any
	if len(meta) > 0 {
		m = make(map[string]any, len(meta))
		for k, v := range meta {
			m[k] = v
		}
	}
	s.items = append(s.items, Item{ID: uuid.NewString(), Role: role, Text: text, TS: time.Now(), Meta: m})
}

// Snapshot returns a copy of the full log.
func (s *Store) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Len reports the current item count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// WindowByRounds returns the tail of the log covering the last n assistant
// turns. If the earliest included assistant turn is directly preceded by a
// user turn, that user turn is included too, so the window is causally
// self-contained.
func (s *Store) WindowByRounds(n int) []Item {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	items := make([]Item, len(s.items))
	copy(items, s.items)
	s.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	start := 0
	seen := 0
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Role == RoleAssistant {
			seen++
			if seen >= n {
				start = i
				break
			}
		}
	}
	if start > 0 && items[start].Role == RoleAssistant && items[start-1].Role == RoleUser {
		start--
	}
	return items[start:]
}

// Messages converts the last tailRounds rounds into decision-source messages.
// With includeSystem set the latest system item is pinned to the front even
// after the window has rolled past it; without it system items are skipped
// (the caller supplies the system prompt separately).
func (s *Store) Messages(includeSystem bool, tailRounds int) []Message {
	items := s.WindowByRounds(tailRounds)
	out := make([]Message, 0, len(items)+1)
	haveSystem := false
	for _, it := range items {
		if it.Role == RoleSystem {
			if !includeSystem {
				continue
			}
			haveSystem = true
		}
		out = append(out, Message{Role: it.Role, Content: it.Text})
	}
	if includeSystem && !haveSystem {
		if sys, ok := s.latestSystem(); ok {
			out = append([]Message{{Role: RoleSystem, Content: sys.Text}}, out...)
		}
	}
	return out
}

// latestSystem returns the most recent system item.
func (s *Store) latestSystem() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Role == RoleSystem {
			return s.items[i], true
		}
	}
	return Item{}, false
}

// Clear removes all items. With keepLastSystem set, the most recent system
// item survives so the next step still has its base rules. Returns the number
// of items removed.
func (s *Store) Clear(keepLastSystem bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.items)
	if before == 0 {
		return 0
	}
	if !keepLastSystem {
		s.items = nil
		return before
	}
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Role == RoleSystem {
			s.items = []Item{s.items[i]}
			return before - 1
		}
	}
	s.items = nil
	return before
}

// TrimTailRounds drops the n most recent assistant turns and, for each, the
// user turn immediately before it if present. Earlier history and system
// items are untouched. Returns the number of items removed.
func (s *Store) TrimTailRounds(n int) int {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.items)
	if before == 0 {
		return 0
	}

	dropped := 0
	i := len(s.items) - 1
	for i >= 0 && dropped < n {
		if s.items[i].Role == RoleAssistant {
			s.items = append(s.items[:i], s.items[i+1:]...)
			if i-1 >= 0 && s.items[i-1].Role == RoleUser {
				s.items = append(s.items[:i-1], s.items[i:]...)
				i--
			}
			dropped++
		}
		i--
	}
	return before - len(s.items)
}
