package quic

import (
	"sort"
	"sync"
	"time"
)

// DefaultPendingTTL bounds how long a DCID's partial CRYPTO reassembly is
// kept before it's dropped — fragmentation across Initials past this window
// is out of scope (see spec §1 Non-goals).
const DefaultPendingTTL = 3 * time.Second

// CryptoReassembler merges CRYPTO frame fragments for a single DCID into a
// contiguous TLS handshake byte stream starting at offset 0. Fragments may
// arrive in any order and may overlap; fragments at the same offset are
// assumed to carry identical data (a well-behaved sender never re-sends a
// byte range with different content).
type CryptoReassembler struct {
	fragments map[uint64][]byte
}

func NewCryptoReassembler() *CryptoReassembler {
	return &CryptoReassembler{fragments: make(map[uint64][]byte)}
}

// Add records fragments and returns the longest contiguous prefix of the
// stream starting at offset 0 built from everything seen so far.
func (r *CryptoReassembler) Add(frags []CryptoFragment) []byte {
	for _, f := range frags {
		if len(f.Data) == 0 {
			continue
		}
		r.fragments[f.Offset] = f.Data
	}
	return r.prefix()
}

func (r *CryptoReassembler) prefix() []byte {
	if len(r.fragments) == 0 {
		return nil
	}

	offsets := make([]uint64, 0, len(r.fragments))
	for off := range r.fragments {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	if offsets[0] != 0 {
		return nil
	}

	out := make([]byte, 0)
	var cursor uint64
	for _, off := range offsets {
		data := r.fragments[off]
		end := off + uint64(len(data))
		if off > cursor {
			// Gap: stop at the longest contiguous prefix found so far.
			break
		}
		if end <= cursor {
			continue // fully covered by what we already have
		}
		tailStart := cursor - off
		out = append(out, data[tailStart:]...)
		cursor = end
	}
	return out
}

type pendingEntry struct {
	role        Role
	reassembler *CryptoReassembler
	lastUpdate  time.Time
	done        bool
}

// PendingCryptoStore is the process-wide, DCID-keyed table of in-flight
// CRYPTO reassembly state (spec §3 PendingCrypto / §9 "global pending-CRYPTO
// map"). It is bounded by a short TTL and a maximum entry count; entries are
// evicted LRU-style once the bound is exceeded to guard against memory
// pressure from many concurrent half-open connections.
type PendingCryptoStore struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	order   []string // insertion/touch order, oldest first, for LRU eviction
	ttl     time.Duration
	maxSize int
}

func NewPendingCryptoStore(ttl time.Duration, maxSize int) *PendingCryptoStore {
	return &PendingCryptoStore{
		entries: make(map[string]*pendingEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Merge folds fragments from a newly decrypted Initial packet into the
// DCID's reassembly state and returns the longest contiguous prefix found so
// far. now is passed in explicitly to keep this deterministic for tests.
//
// The entry resets to empty if role disagrees with a prior packet for the
// same DCID, or if the existing entry has gone stale past the TTL — both
// match the Partial -> Empty transitions in spec §4.8.
func (s *PendingCryptoStore) Merge(dcid []byte, role Role, frags []CryptoFragment, now time.Time) []byte {
	key := string(dcid)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if ok && (entry.done || entry.role != role || now.Sub(entry.lastUpdate) > s.ttl) {
		delete(s.entries, key)
		ok = false
	}
	if !ok {
		entry = &pendingEntry{role: role, reassembler: NewCryptoReassembler()}
		s.entries[key] = entry
		s.evictIfNeeded(key)
	}
	entry.lastUpdate = now
	s.touch(key)

	return entry.reassembler.Add(frags)
}

// MarkComplete makes a DCID's reassembly state terminal once a ClientHello
// has been fully parsed from it, per the Partial -> Complete transition.
func (s *PendingCryptoStore) MarkComplete(dcid []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[string(dcid)]; ok {
		entry.done = true
	}
}

// Evict drops a DCID's reassembly state explicitly.
func (s *PendingCryptoStore) Evict(dcid []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, string(dcid))
}

func (s *PendingCryptoStore) touch(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.order = append(s.order, key)
}

// evictIfNeeded assumes the caller holds s.mu and key was just inserted.
func (s *PendingCryptoStore) evictIfNeeded(key string) {
	if s.maxSize <= 0 {
		return
	}
	for len(s.entries) > s.maxSize && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if oldest == key {
			continue
		}
		delete(s.entries, oldest)
	}
}
