// Package registry holds the in-memory state of discovered players.
//
// State values are immutable: Apply returns a new State and never mutates its
// input, so a caller can keep the previous state around for comparison.
package registry

import (
	"slices"
	"strings"

	"github.com/genricoloni/mprisence/internal/domain"
)

// State maps player identities to their records, remembering insertion order.
type State struct {
	records map[domain.PlayerIdentity]domain.PlayerRecord
	order   []domain.PlayerIdentity
}

// New returns an empty registry state.
func New() State {
	return State{records: map[domain.PlayerIdentity]domain.PlayerRecord{}}
}

// Len returns the number of tracked players.
func (s State) Len() int { return len(s.order) }

// Get returns the record for id.
func (s State) Get(id domain.PlayerIdentity) (domain.PlayerRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// Records returns all records in insertion order.
func (s State) Records() []domain.PlayerRecord {
	out := make([]domain.PlayerRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

func (s State) clone() State {
	c := State{
		records: make(map[domain.PlayerIdentity]domain.PlayerRecord, len(s.records)+1),
		order:   slices.Clone(s.order),
	}
	for k, v := range s.records {
		c.records[k] = v
	}
	return c
}

func (s *State) put(rec domain.PlayerRecord) {
	if _, ok := s.records[rec.Identity]; !ok {
		s.order = append(s.order, rec.Identity)
	}
	s.records[rec.Identity] = rec
}

func (s *State) remove(id domain.PlayerIdentity) {
	if _, ok := s.records[id]; !ok {
		return
	}
	delete(s.records, id)
	s.order = slices.DeleteFunc(s.order, func(o domain.PlayerIdentity) bool { return o == id })
}

// Apply returns the state after ev. Every event kind has a defined effect:
// appear inserts, vanish removes, metadata replaces, bus errors change nothing.
func Apply(s State, ev domain.PlayerEvent, elig domain.EligibilityConfig) State {
	if s.records == nil {
		s = New()
	}

	switch ev.Kind {
	case domain.PlayerAppeared:
		next := s.clone()
		rec, ok := next.records[ev.Identity]
		if !ok {
			rec = domain.PlayerRecord{Identity: ev.Identity}
		}
		if ev.Name != "" {
			rec.Name = ev.Name
		}
		if !ok || ev.Name != "" {
			rec.Eligible = Eligible(rec.Identity, rec.Name, elig)
		}
		next.put(rec)
		return next

	case domain.PlayerVanished:
		if _, ok := s.records[ev.Identity]; !ok {
			return s
		}
		next := s.clone()
		next.remove(ev.Identity)
		return next

	case domain.MetadataChanged:
		next := s.clone()
		rec, ok := next.records[ev.Identity]
		if !ok {
			rec = domain.PlayerRecord{
				Identity: ev.Identity,
				Name:     ev.Name,
				Eligible: Eligible(ev.Identity, ev.Name, elig),
			}
		}
		// Position-only refreshes must not make a player look more recent
		if !rec.HasMetadata || !rec.Metadata.SameContent(ev.Metadata) {
			rec.LastUpdated = ev.At
		}
		rec.Metadata = ev.Metadata
		rec.HasMetadata = true
		next.put(rec)
		return next

	default:
		return s
	}
}

// Reeligible recomputes eligibility of every record, used after a config reload.
func Reeligible(s State, elig domain.EligibilityConfig) State {
	next := s.clone()
	for id, rec := range next.records {
		rec.Eligible = Eligible(rec.Identity, rec.Name, elig)
		next.records[id] = rec
	}
	return next
}

// Eligible reports whether a player may be shown. Deny entries win over allow
// entries; an empty allow list allows everything not denied.
func Eligible(id domain.PlayerIdentity, name string, elig domain.EligibilityConfig) bool {
	if matchesAny(id, name, elig.Deny) {
		return false
	}
	if len(elig.Allow) == 0 {
		return true
	}
	return matchesAny(id, name, elig.Allow)
}

func matchesAny(id domain.PlayerIdentity, name string, entries []string) bool {
	for _, entry := range entries {
		if entry == "" {
			continue
		}
		if strings.EqualFold(entry, string(id)) ||
			strings.EqualFold(entry, string(id.Base())) ||
			(name != "" && strings.EqualFold(entry, name)) {
			return true
		}
	}
	return false
}
