// Package memory provides in-memory store implementations for development
// and testing. Document ids are assigned from a per-collection sequence so
// insertion order and id order agree, matching the tail cursor contract.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crawlmux/crawlmux/internal/store"
)

// JobStore is an in-memory store.JobStore.
type JobStore struct {
	mu   sync.RWMutex
	next store.DocID
	docs []store.JobDoc
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{}
}

// Insert appends the document and assigns its id.
func (s *JobStore) Insert(_ context.Context, doc store.JobDoc) (store.DocID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	doc.ID = s.next
	s.docs = append(s.docs, doc)
	return doc.ID, nil
}

// Update merges patch fields into the document with the given id.
func (s *JobStore) Update(_ context.Context, id store.DocID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.docs {
		if s.docs[i].ID != id {
			continue
		}
		applyJobPatch(&s.docs[i], patch)
		return nil
	}
	return store.ErrNotFound
}

// Remove deletes the document with the given id.
func (s *JobStore) Remove(_ context.Context, id store.DocID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.docs {
		if s.docs[i].ID == id {
			s.docs = append(s.docs[:i], s.docs[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// Find returns matching documents in insertion order.
func (s *JobStore) Find(_ context.Context, q store.JobQuery) ([]store.JobDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.JobDoc
	for _, doc := range s.docs {
		if doc.ID <= q.AfterID {
			continue
		}
		if !store.MatchSeed(doc.Seed, q.SeedContains, q.SeedExcludes) {
			continue
		}
		if len(q.Statuses) > 0 && !containsString(q.Statuses, doc.Status) {
			continue
		}
		if len(q.CrawlIDs) > 0 && !containsInt64(q.CrawlIDs, doc.CrawlID) {
			continue
		}
		out = append(out, doc)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// LastID returns the most recently assigned id, or zero when empty.
func (s *JobStore) LastID(_ context.Context) (store.DocID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next, nil
}

// EnsureIndex is a no-op for the in-memory store.
func (s *JobStore) EnsureIndex(_ context.Context, _ string) error {
	return nil
}

func applyJobPatch(doc *store.JobDoc, patch map[string]any) {
	for key, value := range patch {
		switch key {
		case "status":
			if v, ok := value.(string); ok {
				doc.Status = v
			}
		case "reason":
			if v, ok := value.(string); ok {
				doc.Reason = v
			}
		case "stats":
			if v, ok := value.(map[string]any); ok {
				if doc.Stats == nil {
					doc.Stats = make(map[string]any, len(v))
				}
				for k, sv := range v {
					doc.Stats[k] = sv
				}
			}
		case "updated_at":
			if v, ok := value.(time.Time); ok {
				doc.UpdatedAt = v
			}
		}
	}
}

// PageStore is an in-memory store.PageStore.
type PageStore struct {
	mu   sync.RWMutex
	next store.DocID
	docs []store.PageDoc
}

// NewPageStore constructs an empty PageStore.
func NewPageStore() *PageStore {
	return &PageStore{}
}

// Insert appends the document and assigns its id.
func (s *PageStore) Insert(_ context.Context, doc store.PageDoc) (store.DocID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	doc.ID = s.next
	s.docs = append(s.docs, doc)
	return doc.ID, nil
}

// Find returns matching documents in insertion order.
func (s *PageStore) Find(_ context.Context, q store.PageQuery) ([]store.PageDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PageDoc
	for _, doc := range s.docs {
		if doc.ID <= q.AfterID {
			continue
		}
		if len(q.JobIDs) > 0 && !containsDocID(q.JobIDs, doc.JobID) {
			continue
		}
		out = append(out, doc)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// LastID returns the most recently assigned id, or zero when empty.
func (s *PageStore) LastID(_ context.Context) (store.DocID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next, nil
}

// EnsureIndex is a no-op for the in-memory store.
func (s *PageStore) EnsureIndex(_ context.Context, _ string) error {
	return nil
}

// SiteStore is an in-memory store.SiteStore.
type SiteStore struct {
	mu   sync.RWMutex
	next store.DocID
	docs []store.SiteDoc
}

// NewSiteStore constructs an empty SiteStore.
func NewSiteStore() *SiteStore {
	return &SiteStore{}
}

// Insert appends the document and assigns its id.
func (s *SiteStore) Insert(_ context.Context, doc store.SiteDoc) (store.DocID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	doc.ID = s.next
	s.docs = append(s.docs, doc)
	return doc.ID, nil
}

// Update merges patch fields into the site with the given id.
func (s *SiteStore) Update(_ context.Context, id store.DocID, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.docs {
		if s.docs[i].ID != id {
			continue
		}
		for key, value := range patch {
			switch key {
			case "schedule":
				if v, ok := value.(string); ok {
					s.docs[i].Schedule = v
				}
			case "schedule_valid":
				if v, ok := value.(bool); ok {
					s.docs[i].ScheduleValid = v
				}
			case "next_run_at":
				if v, ok := value.(time.Time); ok {
					at := v
					s.docs[i].NextRunAt = &at
				}
			default:
				return fmt.Errorf("unsupported site patch field %q", key)
			}
		}
		return nil
	}
	return store.ErrNotFound
}

// Remove deletes the site with the given id.
func (s *SiteStore) Remove(_ context.Context, id store.DocID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.docs {
		if s.docs[i].ID == id {
			s.docs = append(s.docs[:i], s.docs[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// Find returns all sites in insertion order.
func (s *SiteStore) Find(_ context.Context) ([]store.SiteDoc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.SiteDoc(nil), s.docs...), nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt64(haystack []int64, needle int64) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsDocID(haystack []store.DocID, needle store.DocID) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
