package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/studioforge/marketpulse/internal/model"
)

// MemoryStore is a map-backed Store for tests and throwaway local runs.
// It mirrors the upsert-by-natural-key semantics of the SQL stores.
type MemoryStore struct {
	mu sync.Mutex

	runs          map[string]*model.Run
	rawListings   []model.RawListing
	cleanListings map[string]*model.CleanListing // by id
	cleanByRun    map[string]map[string]string   // runID -> dedupeHash -> listingID
	signals       map[string]*model.ParsedSignal // by listing id
	topics        map[string]*model.TopicCluster // by slug
	memberships   map[string]model.TopicMembership
	topicScores   map[string]model.TopicScoreDaily
	styleRollups  map[string]model.StyleRollup
	sizeRollups   map[string]model.SizeRollup
	interests     map[string][]string
	opportunities map[string]model.Opportunity // by owner|date|rank
	notifications []model.Notification
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:          make(map[string]*model.Run),
		cleanListings: make(map[string]*model.CleanListing),
		cleanByRun:    make(map[string]map[string]string),
		signals:       make(map[string]*model.ParsedSignal),
		topics:        make(map[string]*model.TopicCluster),
		memberships:   make(map[string]model.TopicMembership),
		topicScores:   make(map[string]model.TopicScoreDaily),
		styleRollups:  make(map[string]model.StyleRollup),
		sizeRollups:   make(map[string]model.SizeRollup),
		interests:     make(map[string][]string),
		opportunities: make(map[string]model.Opportunity),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func memDateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// -- runs --

func (s *MemoryStore) CreateRun(_ context.Context, ownerID, searchTerm string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &model.Run{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		SearchTerm: searchTerm,
		Status:     model.RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	s.runs[r.ID] = r
	return cloneRun(r), nil
}

func (s *MemoryStore) UpdateRunCounts(_ context.Context, runID string, counts model.StageCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return eris.Errorf("run not found: %s", runID)
	}
	r.Counts = counts
	return nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID string, status model.RunStatus, errSummary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return eris.Errorf("run not found: %s", runID)
	}
	now := time.Now().UTC()
	r.Status = status
	r.Error = errSummary
	r.EndedAt = &now
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Run
	for _, r := range s.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.OwnerID != "" && r.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, *cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ActiveRunForOwner(_ context.Context, ownerID string) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.OwnerID == ownerID && r.Status == model.RunStatusRunning {
			return cloneRun(r), nil
		}
	}
	return nil, nil
}

// -- raw listings --

func (s *MemoryStore) InsertRawListings(_ context.Context, rows []model.RawListing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rawListings = append(s.rawListings, rows...)
	return len(rows), nil
}

func (s *MemoryStore) ListRawListings(_ context.Context, ownerID, searchTerm string, limit int) ([]model.RawListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.RawListing
	for _, r := range s.rawListings {
		if r.OwnerID != ownerID {
			continue
		}
		if searchTerm != "" && r.SearchTerm != searchTerm {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// -- clean listings --

func (s *MemoryStore) InsertCleanListings(_ context.Context, listings []model.CleanListing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, l := range listings {
		byHash, ok := s.cleanByRun[l.RunID]
		if !ok {
			byHash = make(map[string]string)
			s.cleanByRun[l.RunID] = byHash
		}
		if _, exists := byHash[l.DedupeHash]; exists {
			continue
		}
		cp := l
		s.cleanListings[l.ID] = &cp
		byHash[l.DedupeHash] = l.ID
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListCleanListings(_ context.Context, runID string) ([]model.CleanListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.CleanListing
	for _, l := range s.cleanListings {
		if l.RunID == runID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateListingScore(_ context.Context, listingID string, wvs, velocity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.cleanListings[listingID]
	if !ok {
		return eris.Errorf("listing not found: %s", listingID)
	}
	l.WVS = wvs
	l.Velocity = velocity
	return nil
}

// -- parsed signals --

func (s *MemoryStore) UpsertParsedSignal(_ context.Context, sig model.ParsedSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sig
	s.signals[sig.ListingID] = &cp
	return nil
}

func (s *MemoryStore) ListParsedSignals(_ context.Context, runID string) ([]model.ParsedSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.ParsedSignal
	for id, sig := range s.signals {
		if l, ok := s.cleanListings[id]; ok && l.RunID == runID {
			out = append(out, *sig)
		}
	}
	return out, nil
}

// -- topics --

func (s *MemoryStore) GetOrCreateTopic(_ context.Context, slug, label, runID string) (*model.TopicCluster, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.topics[slug]; ok {
		cp := *t
		return &cp, false, nil
	}
	t := &model.TopicCluster{
		ID:         uuid.New().String(),
		Slug:       slug,
		Label:      label,
		FirstRunID: runID,
		CreatedAt:  time.Now().UTC(),
	}
	s.topics[slug] = t
	cp := *t
	return &cp, true, nil
}

func (s *MemoryStore) UpsertMembership(_ context.Context, m model.TopicMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := m.RunID + "|" + m.TopicID + "|" + m.ListingID
	s.memberships[key] = m
	return nil
}

func (s *MemoryStore) RunTopics(_ context.Context, runID string) ([]model.TopicCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []model.TopicCluster
	for _, m := range s.memberships {
		if m.RunID != runID || seen[m.TopicID] {
			continue
		}
		seen[m.TopicID] = true
		for _, t := range s.topics {
			if t.ID == m.TopicID {
				out = append(out, *t)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *MemoryStore) TopicMembers(_ context.Context, runID, topicID string) ([]model.MemberListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.MemberListing
	for _, m := range s.memberships {
		if m.RunID != runID || m.TopicID != topicID {
			continue
		}
		l, ok := s.cleanListings[m.ListingID]
		if !ok {
			continue
		}
		ml := model.MemberListing{Listing: *l}
		if sig, ok := s.signals[m.ListingID]; ok {
			cp := *sig
			ml.Signal = &cp
		}
		out = append(out, ml)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Listing.ObservedAt.Before(out[j].Listing.ObservedAt)
	})
	return out, nil
}

// -- scores and rollups --

func (s *MemoryStore) UpsertTopicScore(_ context.Context, sc model.TopicScoreDaily) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topicScores[sc.TopicID+"|"+memDateKey(sc.Date)] = sc
	return nil
}

func (s *MemoryStore) TopTopicScores(_ context.Context, date time.Time, minConfidence float64, limit int) ([]model.TopicScoreDaily, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memDateKey(date)
	var out []model.TopicScoreDaily
	for k, sc := range s.topicScores {
		if !strings.HasSuffix(k, "|"+key) || sc.Confidence < minConfidence {
			continue
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WVS > out[j].WVS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertStyleRollup(_ context.Context, r model.StyleRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.styleRollups[r.Style] = r
	return nil
}

func (s *MemoryStore) UpsertSizeRollup(_ context.Context, r model.SizeRollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizeRollups[r.SizeBucket] = r
	return nil
}

func (s *MemoryStore) StyleMedianPrices(context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.styleRollups))
	for style, r := range s.styleRollups {
		out[style] = r.MedianPrice
	}
	return out, nil
}

// -- opportunities and notifications --

func (s *MemoryStore) InterestTerms(_ context.Context, ownerID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interests[ownerID]...), nil
}

func (s *MemoryStore) SetInterestTerms(_ context.Context, ownerID string, terms []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interests[ownerID] = append([]string(nil), terms...)
	return nil
}

func (s *MemoryStore) UpsertOpportunity(_ context.Context, o model.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	key := o.OwnerID + "|" + memDateKey(o.Date) + "|" + strconv.Itoa(o.Rank)
	s.opportunities[key] = o
	return nil
}

func (s *MemoryStore) ListOpportunities(_ context.Context, ownerID string, date time.Time) ([]model.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := ownerID + "|" + memDateKey(date) + "|"
	var out []model.Opportunity
	for k, o := range s.opportunities {
		if strings.HasPrefix(k, prefix) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (s *MemoryStore) InsertNotification(_ context.Context, n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns all notifications recorded so far. Test helper.
func (s *MemoryStore) Notifications() []model.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Notification(nil), s.notifications...)
}

func cloneRun(r *model.Run) *model.Run {
	cp := *r
	return &cp
}
