package outputs

import (
	"sync"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

// Store is the process-wide, per-prefix mapping from (addr, key) to output
// values for one reconciliation run. It is constructed fresh at run start
// (optionally seeded from the prefix's persisted output map files), mutated
// only by successful Get and OpExec results, and discarded at run end.
//
// Reads are concurrent; writes are exclusive. A waiter index per (addr, key)
// implements publish-on-write wakeups so deferred address resolutions are
// event-driven rather than polled.
type Store struct {
	mu      sync.RWMutex
	values  map[connector.ReadOutput]string
	waiters map[connector.ReadOutput]map[chan connector.ReadOutput]struct{}
}

// NewStore creates an empty outputs store.
func NewStore() *Store {
	return &Store{
		values:  make(map[connector.ReadOutput]string),
		waiters: make(map[connector.ReadOutput]map[chan connector.ReadOutput]struct{}),
	}
}

// Lookup returns the value for (addr, key) if it has been produced.
func (s *Store) Lookup(ref connector.ReadOutput) (string, bool) {
	ref = normalizeRef(ref)

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[ref]
	return v, ok
}

// Has reports whether every given read is satisfied.
func (s *Store) Has(reads []connector.ReadOutput) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range reads {
		if _, ok := s.values[normalizeRef(r)]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the subset of reads not yet satisfied.
func (s *Store) Missing(reads []connector.ReadOutput) []connector.ReadOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []connector.ReadOutput
	for _, r := range reads {
		if _, ok := s.values[normalizeRef(r)]; !ok {
			missing = append(missing, r)
		}
	}
	return missing
}

// PublishMap commits a full output map for addr, as returned by Get.
func (s *Store) PublishMap(addr string, outputs connector.OutputMap) {
	if len(outputs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range outputs {
		s.set(connector.ReadOutput{Addr: connector.NormalizeAddr(addr), Key: key}, value)
	}
}

// PublishExec commits the outputs of a successful op execution for addr.
// Nil values delete the key; deletions do not wake waiters.
func (s *Store) PublishExec(addr string, outputs connector.OutputMapExec) {
	if len(outputs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range outputs {
		ref := connector.ReadOutput{Addr: connector.NormalizeAddr(addr), Key: key}
		if value == nil {
			delete(s.values, ref)
			continue
		}
		s.set(ref, *value)
	}
}

// set must be called with the write lock held.
func (s *Store) set(ref connector.ReadOutput, value string) {
	s.values[ref] = value

	for ch := range s.waiters[ref] {
		select {
		case ch <- ref:
		default:
			// The waiter's buffer covers every ref it subscribed to;
			// a full buffer means it has already been woken for this ref.
		}
	}
	delete(s.waiters, ref)
}

// Subscribe registers interest in the given refs. The returned channel
// receives each ref at most once, when it is first published; refs already
// present are delivered immediately. cancel releases the registration.
func (s *Store) Subscribe(reads []connector.ReadOutput) (<-chan connector.ReadOutput, func()) {
	ch := make(chan connector.ReadOutput, len(reads))

	s.mu.Lock()
	subscribed := make([]connector.ReadOutput, 0, len(reads))
	for _, r := range reads {
		ref := normalizeRef(r)
		if _, ok := s.values[ref]; ok {
			ch <- ref
			continue
		}
		if s.waiters[ref] == nil {
			s.waiters[ref] = make(map[chan connector.ReadOutput]struct{})
		}
		s.waiters[ref][ch] = struct{}{}
		subscribed = append(subscribed, ref)
	}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, ref := range subscribed {
			if m, ok := s.waiters[ref]; ok {
				delete(m, ch)
				if len(m) == 0 {
					delete(s.waiters, ref)
				}
			}
		}
	}
	return ch, cancel
}

// Len returns the number of stored values.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func normalizeRef(ref connector.ReadOutput) connector.ReadOutput {
	ref.Addr = connector.NormalizeAddr(ref.Addr)
	return ref
}
