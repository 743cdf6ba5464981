package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/studioforge/marketpulse/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	search_term TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'running',
	counts      TEXT NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	ended_at    DATETIME
);

CREATE TABLE IF NOT EXISTS raw_listings (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	source_url    TEXT NOT NULL,
	title         TEXT NOT NULL,
	price         REAL NOT NULL DEFAULT 0,
	currency      TEXT NOT NULL DEFAULT 'USD',
	is_auction    INTEGER NOT NULL DEFAULT 0,
	bid_count     INTEGER NOT NULL DEFAULT 0,
	watcher_count INTEGER,
	state         TEXT NOT NULL DEFAULT 'active',
	search_term   TEXT NOT NULL DEFAULT '',
	observed_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS clean_listings (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	owner_id      TEXT NOT NULL,
	source_url    TEXT NOT NULL,
	title         TEXT NOT NULL,
	price         REAL NOT NULL DEFAULT 0,
	currency      TEXT NOT NULL DEFAULT 'USD',
	is_auction    INTEGER NOT NULL DEFAULT 0,
	bid_count     INTEGER NOT NULL DEFAULT 0,
	watcher_count INTEGER NOT NULL DEFAULT 0,
	state         TEXT NOT NULL DEFAULT 'active',
	search_term   TEXT NOT NULL DEFAULT '',
	observed_at   DATETIME NOT NULL,
	dedupe_hash   TEXT NOT NULL,
	wvs           REAL NOT NULL DEFAULT 0,
	velocity      REAL NOT NULL DEFAULT 0,
	UNIQUE(run_id, dedupe_hash)
);

CREATE TABLE IF NOT EXISTS parsed_signals (
	listing_id  TEXT PRIMARY KEY REFERENCES clean_listings(id),
	width       INTEGER,
	height      INTEGER,
	size_bucket TEXT NOT NULL DEFAULT '',
	medium      TEXT NOT NULL DEFAULT '',
	subject     TEXT NOT NULL DEFAULT '',
	style       TEXT NOT NULL DEFAULT '',
	color_tags  TEXT NOT NULL DEFAULT '[]',
	confidence  REAL NOT NULL DEFAULT 0,
	extractor   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS topic_clusters (
	id           TEXT PRIMARY KEY,
	slug         TEXT NOT NULL UNIQUE,
	label        TEXT NOT NULL,
	first_run_id TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS topic_memberships (
	run_id     TEXT NOT NULL,
	topic_id   TEXT NOT NULL REFERENCES topic_clusters(id),
	listing_id TEXT NOT NULL REFERENCES clean_listings(id),
	weight     REAL NOT NULL DEFAULT 1.0,
	PRIMARY KEY (run_id, topic_id, listing_id)
);

CREATE TABLE IF NOT EXISTS topic_scores_daily (
	topic_id             TEXT NOT NULL REFERENCES topic_clusters(id),
	date                 TEXT NOT NULL,
	wvs                  REAL NOT NULL DEFAULT 0,
	velocity             REAL NOT NULL DEFAULT 0,
	median_price         REAL NOT NULL DEFAULT 0,
	upper_quartile_price REAL NOT NULL DEFAULT 0,
	auction_intensity    REAL NOT NULL DEFAULT 0,
	confidence           REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (topic_id, date)
);

CREATE TABLE IF NOT EXISTS style_rollups (
	style        TEXT PRIMARY KEY,
	avg_wvs      REAL NOT NULL DEFAULT 0,
	demand_score REAL NOT NULL DEFAULT 0,
	listings     INTEGER NOT NULL DEFAULT 0,
	median_price REAL NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS size_rollups (
	size_bucket  TEXT PRIMARY KEY,
	avg_wvs      REAL NOT NULL DEFAULT 0,
	demand_score REAL NOT NULL DEFAULT 0,
	listings     INTEGER NOT NULL DEFAULT 0,
	median_price REAL NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS interest_terms (
	owner_id TEXT NOT NULL,
	term     TEXT NOT NULL,
	PRIMARY KEY (owner_id, term)
);

CREATE TABLE IF NOT EXISTS opportunities (
	id            TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL,
	date          TEXT NOT NULL,
	rank          INTEGER NOT NULL,
	topic_id      TEXT NOT NULL,
	topic_label   TEXT NOT NULL,
	wvs           REAL NOT NULL DEFAULT 0,
	velocity      REAL NOT NULL DEFAULT 0,
	price_band    TEXT NOT NULL DEFAULT '{}',
	sizes         TEXT NOT NULL DEFAULT '[]',
	mediums       TEXT NOT NULL DEFAULT '[]',
	keywords      TEXT NOT NULL DEFAULT '[]',
	evidence_urls TEXT NOT NULL DEFAULT '[]',
	confidence    REAL NOT NULL DEFAULT 0,
	UNIQUE(owner_id, date, rank)
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_owner ON runs(owner_id, status);
CREATE INDEX IF NOT EXISTS idx_raw_listings_owner ON raw_listings(owner_id, search_term);
CREATE INDEX IF NOT EXISTS idx_clean_listings_run ON clean_listings(run_id);
CREATE INDEX IF NOT EXISTS idx_memberships_run_topic ON topic_memberships(run_id, topic_id);
CREATE INDEX IF NOT EXISTS idx_topic_scores_date ON topic_scores_daily(date, confidence);
CREATE INDEX IF NOT EXISTS idx_opportunities_owner_date ON opportunities(owner_id, date);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// dateKey stores dates as a plain YYYY-MM-DD key so (topic, date) and
// (owner, date, rank) upserts are stable regardless of run time of day.
func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func parseDateKey(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

// -- runs --

func (s *SQLiteStore) CreateRun(ctx context.Context, ownerID, searchTerm string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, owner_id, search_term, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, ownerID, searchTerm, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:         id,
		OwnerID:    ownerID,
		SearchTerm: searchTerm,
		Status:     model.RunStatusRunning,
		StartedAt:  now,
	}, nil
}

func (s *SQLiteStore) UpdateRunCounts(ctx context.Context, runID string, counts model.StageCounts) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal counts")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET counts = ? WHERE id = ?`,
		string(countsJSON), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run counts %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(status), errSummary, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, search_term, status, counts, error, started_at, ended_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, owner_id, search_term, status, counts, error, started_at, ended_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.OwnerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ActiveRunForOwner(ctx context.Context, ownerID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, search_term, status, counts, error, started_at, ended_at FROM runs
		 WHERE owner_id = ? AND status = ? ORDER BY started_at DESC LIMIT 1`,
		ownerID, string(model.RunStatusRunning),
	)
	r, err := scanRun(row)
	if eris.Is(err, errNotFound) {
		return nil, nil
	}
	return r, err
}

// -- raw listings --

func (s *SQLiteStore) InsertRawListings(ctx context.Context, rows []model.RawListing) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin raw insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO raw_listings (id, owner_id, source_url, title, price, currency, is_auction, bid_count, watcher_count, state, search_term, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare raw insert")
	}
	defer stmt.Close()

	n := 0
	for _, r := range rows {
		var watchers any
		if r.WatcherCount != nil {
			watchers = *r.WatcherCount
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), r.OwnerID, r.SourceURL, r.Title, r.Price, r.Currency,
			boolToInt(r.IsAuction), r.BidCount, watchers, string(r.State), r.SearchTerm, r.ObservedAt.UTC(),
		); err != nil {
			return n, eris.Wrap(err, "sqlite: insert raw listing")
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit raw insert")
}

func (s *SQLiteStore) ListRawListings(ctx context.Context, ownerID, searchTerm string, limit int) ([]model.RawListing, error) {
	query := `SELECT owner_id, source_url, title, price, currency, is_auction, bid_count, watcher_count, state, search_term, observed_at
	          FROM raw_listings WHERE owner_id = ?`
	args := []any{ownerID}
	if searchTerm != "" {
		query += ` AND search_term = ?`
		args = append(args, searchTerm)
	}
	query += ` ORDER BY observed_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list raw listings")
	}
	defer rows.Close()

	var out []model.RawListing
	for rows.Next() {
		var r model.RawListing
		var isAuction int
		var watchers sql.NullInt64
		var state string
		if err := rows.Scan(&r.OwnerID, &r.SourceURL, &r.Title, &r.Price, &r.Currency, &isAuction, &r.BidCount, &watchers, &state, &r.SearchTerm, &r.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw listing")
		}
		r.IsAuction = isAuction != 0
		r.State = model.ListingState(state)
		if watchers.Valid {
			w := int(watchers.Int64)
			r.WatcherCount = &w
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list raw listings iterate")
}

// -- clean listings --

func (s *SQLiteStore) InsertCleanListings(ctx context.Context, listings []model.CleanListing) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin clean insert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO clean_listings
		 (id, run_id, owner_id, source_url, title, price, currency, is_auction, bid_count, watcher_count, state, search_term, observed_at, dedupe_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare clean insert")
	}
	defer stmt.Close()

	n := 0
	for _, l := range listings {
		res, err := stmt.ExecContext(ctx,
			l.ID, l.RunID, l.OwnerID, l.SourceURL, l.Title, l.Price, l.Currency,
			boolToInt(l.IsAuction), l.BidCount, l.WatcherCount, string(l.State), l.SearchTerm,
			l.ObservedAt.UTC(), l.DedupeHash,
		)
		if err != nil {
			return n, eris.Wrap(err, "sqlite: insert clean listing")
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit clean insert")
}

const cleanListingCols = `id, run_id, owner_id, source_url, title, price, currency, is_auction, bid_count, watcher_count, state, search_term, observed_at, dedupe_hash, wvs, velocity`

func (s *SQLiteStore) ListCleanListings(ctx context.Context, runID string) ([]model.CleanListing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cleanListingCols+` FROM clean_listings WHERE run_id = ? ORDER BY observed_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clean listings")
	}
	defer rows.Close()

	var out []model.CleanListing
	for rows.Next() {
		l, err := scanCleanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list clean listings iterate")
}

func (s *SQLiteStore) UpdateListingScore(ctx context.Context, listingID string, wvs, velocity float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clean_listings SET wvs = ?, velocity = ? WHERE id = ?`,
		wvs, velocity, listingID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update listing score %s", listingID)
	}
	return checkRowsAffected(res, "listing", listingID)
}

// -- parsed signals --

func (s *SQLiteStore) UpsertParsedSignal(ctx context.Context, sig model.ParsedSignal) error {
	tagsJSON, err := json.Marshal(sig.ColorTags)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal color tags")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO parsed_signals (listing_id, width, height, size_bucket, medium, subject, style, color_tags, confidence, extractor)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(listing_id) DO UPDATE SET
		   width = excluded.width, height = excluded.height, size_bucket = excluded.size_bucket,
		   medium = excluded.medium, subject = excluded.subject, style = excluded.style,
		   color_tags = excluded.color_tags, confidence = excluded.confidence, extractor = excluded.extractor`,
		sig.ListingID, intPtr(sig.Width), intPtr(sig.Height), sig.SizeBucket, sig.Medium, sig.Subject, sig.Style,
		string(tagsJSON), sig.Confidence, sig.Extractor,
	)
	return eris.Wrapf(err, "sqlite: upsert signal %s", sig.ListingID)
}

func (s *SQLiteStore) ListParsedSignals(ctx context.Context, runID string) ([]model.ParsedSignal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.listing_id, p.width, p.height, p.size_bucket, p.medium, p.subject, p.style, p.color_tags, p.confidence, p.extractor
		 FROM parsed_signals p JOIN clean_listings c ON c.id = p.listing_id
		 WHERE c.run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list signals")
	}
	defer rows.Close()

	var out []model.ParsedSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list signals iterate")
}

// -- topics --

func (s *SQLiteStore) GetOrCreateTopic(ctx context.Context, slug, label, runID string) (*model.TopicCluster, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO topic_clusters (id, slug, label, first_run_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, slug, label, runID, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: insert topic %s", slug)
	}
	affected, _ := res.RowsAffected()
	created := affected > 0

	var t model.TopicCluster
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slug, label, first_run_id, created_at FROM topic_clusters WHERE slug = ?`, slug)
	if err := row.Scan(&t.ID, &t.Slug, &t.Label, &t.FirstRunID, &t.CreatedAt); err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: get topic %s", slug)
	}
	return &t, created, nil
}

func (s *SQLiteStore) UpsertMembership(ctx context.Context, m model.TopicMembership) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topic_memberships (run_id, topic_id, listing_id, weight) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, topic_id, listing_id) DO UPDATE SET weight = excluded.weight`,
		m.RunID, m.TopicID, m.ListingID, m.Weight,
	)
	return eris.Wrap(err, "sqlite: upsert membership")
}

func (s *SQLiteStore) RunTopics(ctx context.Context, runID string) ([]model.TopicCluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT t.id, t.slug, t.label, t.first_run_id, t.created_at
		 FROM topic_clusters t JOIN topic_memberships m ON m.topic_id = t.id
		 WHERE m.run_id = ? ORDER BY t.slug`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: run topics")
	}
	defer rows.Close()

	var out []model.TopicCluster
	for rows.Next() {
		var t model.TopicCluster
		if err := rows.Scan(&t.ID, &t.Slug, &t.Label, &t.FirstRunID, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan topic")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: run topics iterate")
}

func (s *SQLiteStore) TopicMembers(ctx context.Context, runID, topicID string) ([]model.MemberListing, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixCols("c", cleanListingCols)+`,
		        p.listing_id, p.width, p.height, p.size_bucket, p.medium, p.subject, p.style, p.color_tags, p.confidence, p.extractor
		 FROM topic_memberships m
		 JOIN clean_listings c ON c.id = m.listing_id
		 LEFT JOIN parsed_signals p ON p.listing_id = c.id
		 WHERE m.run_id = ? AND m.topic_id = ?
		 ORDER BY c.observed_at`,
		runID, topicID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: topic members")
	}
	defer rows.Close()

	var out []model.MemberListing
	for rows.Next() {
		ml, err := scanMemberListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ml)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: topic members iterate")
}

// -- scores and rollups --

func (s *SQLiteStore) UpsertTopicScore(ctx context.Context, sc model.TopicScoreDaily) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO topic_scores_daily (topic_id, date, wvs, velocity, median_price, upper_quartile_price, auction_intensity, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(topic_id, date) DO UPDATE SET
		   wvs = excluded.wvs, velocity = excluded.velocity, median_price = excluded.median_price,
		   upper_quartile_price = excluded.upper_quartile_price, auction_intensity = excluded.auction_intensity,
		   confidence = excluded.confidence`,
		sc.TopicID, dateKey(sc.Date), sc.WVS, sc.Velocity, sc.MedianPrice, sc.UpperQuartilePrice, sc.AuctionIntensity, sc.Confidence,
	)
	return eris.Wrapf(err, "sqlite: upsert topic score %s", sc.TopicID)
}

func (s *SQLiteStore) TopTopicScores(ctx context.Context, date time.Time, minConfidence float64, limit int) ([]model.TopicScoreDaily, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT topic_id, date, wvs, velocity, median_price, upper_quartile_price, auction_intensity, confidence
		 FROM topic_scores_daily WHERE date = ? AND confidence >= ? ORDER BY wvs DESC LIMIT ?`,
		dateKey(date), minConfidence, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: top topic scores")
	}
	defer rows.Close()

	var out []model.TopicScoreDaily
	for rows.Next() {
		var sc model.TopicScoreDaily
		var d string
		if err := rows.Scan(&sc.TopicID, &d, &sc.WVS, &sc.Velocity, &sc.MedianPrice, &sc.UpperQuartilePrice, &sc.AuctionIntensity, &sc.Confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan topic score")
		}
		sc.Date = parseDateKey(d)
		out = append(out, sc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: top topic scores iterate")
}

func (s *SQLiteStore) UpsertStyleRollup(ctx context.Context, r model.StyleRollup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO style_rollups (style, avg_wvs, demand_score, listings, median_price, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(style) DO UPDATE SET
		   avg_wvs = excluded.avg_wvs, demand_score = excluded.demand_score, listings = excluded.listings,
		   median_price = excluded.median_price, updated_at = excluded.updated_at`,
		r.Style, r.AvgWVS, r.DemandScore, r.Listings, r.MedianPrice, r.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert style rollup %s", r.Style)
}

func (s *SQLiteStore) UpsertSizeRollup(ctx context.Context, r model.SizeRollup) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO size_rollups (size_bucket, avg_wvs, demand_score, listings, median_price, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(size_bucket) DO UPDATE SET
		   avg_wvs = excluded.avg_wvs, demand_score = excluded.demand_score, listings = excluded.listings,
		   median_price = excluded.median_price, updated_at = excluded.updated_at`,
		r.SizeBucket, r.AvgWVS, r.DemandScore, r.Listings, r.MedianPrice, r.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert size rollup %s", r.SizeBucket)
}

func (s *SQLiteStore) StyleMedianPrices(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT style, median_price FROM style_rollups`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: style median prices")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var style string
		var price float64
		if err := rows.Scan(&style, &price); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan style median")
		}
		out[style] = price
	}
	return out, eris.Wrap(rows.Err(), "sqlite: style median prices iterate")
}

// -- opportunities and notifications --

func (s *SQLiteStore) InterestTerms(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT term FROM interest_terms WHERE owner_id = ? ORDER BY term`, ownerID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: interest terms")
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan interest term")
		}
		terms = append(terms, t)
	}
	return terms, eris.Wrap(rows.Err(), "sqlite: interest terms iterate")
}

func (s *SQLiteStore) SetInterestTerms(ctx context.Context, ownerID string, terms []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin interest terms")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM interest_terms WHERE owner_id = ?`, ownerID); err != nil {
		return eris.Wrap(err, "sqlite: clear interest terms")
	}
	for _, t := range terms {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO interest_terms (owner_id, term) VALUES (?, ?)`, ownerID, t); err != nil {
			return eris.Wrap(err, "sqlite: insert interest term")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit interest terms")
}

func (s *SQLiteStore) UpsertOpportunity(ctx context.Context, o model.Opportunity) error {
	bandJSON, err := json.Marshal(o.PriceBand)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal price band")
	}
	sizesJSON, _ := json.Marshal(o.Sizes)
	mediumsJSON, _ := json.Marshal(o.Mediums)
	keywordsJSON, _ := json.Marshal(o.Keywords)
	evidenceJSON, _ := json.Marshal(o.EvidenceURLs)

	id := o.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO opportunities (id, owner_id, date, rank, topic_id, topic_label, wvs, velocity, price_band, sizes, mediums, keywords, evidence_urls, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, date, rank) DO UPDATE SET
		   topic_id = excluded.topic_id, topic_label = excluded.topic_label, wvs = excluded.wvs,
		   velocity = excluded.velocity, price_band = excluded.price_band, sizes = excluded.sizes,
		   mediums = excluded.mediums, keywords = excluded.keywords, evidence_urls = excluded.evidence_urls,
		   confidence = excluded.confidence`,
		id, o.OwnerID, dateKey(o.Date), o.Rank, o.TopicID, o.TopicLabel, o.WVS, o.Velocity,
		string(bandJSON), string(sizesJSON), string(mediumsJSON), string(keywordsJSON), string(evidenceJSON), o.Confidence,
	)
	return eris.Wrapf(err, "sqlite: upsert opportunity rank %d", o.Rank)
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context, ownerID string, date time.Time) ([]model.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, date, rank, topic_id, topic_label, wvs, velocity, price_band, sizes, mediums, keywords, evidence_urls, confidence
		 FROM opportunities WHERE owner_id = ? AND date = ? ORDER BY rank`,
		ownerID, dateKey(date),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list opportunities")
	}
	defer rows.Close()

	var out []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		var d, band, sizes, mediums, keywords, evidence string
		if err := rows.Scan(&o.ID, &o.OwnerID, &d, &o.Rank, &o.TopicID, &o.TopicLabel, &o.WVS, &o.Velocity, &band, &sizes, &mediums, &keywords, &evidence, &o.Confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan opportunity")
		}
		o.Date = parseDateKey(d)
		if err := json.Unmarshal([]byte(band), &o.PriceBand); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal price band")
		}
		_ = json.Unmarshal([]byte(sizes), &o.Sizes)
		_ = json.Unmarshal([]byte(mediums), &o.Mediums)
		_ = json.Unmarshal([]byte(keywords), &o.Keywords)
		_ = json.Unmarshal([]byte(evidence), &o.EvidenceURLs)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list opportunities iterate")
}

func (s *SQLiteStore) InsertNotification(ctx context.Context, n model.Notification) error {
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, owner_id, kind, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, n.OwnerID, n.Kind, n.Message, createdAt,
	)
	return eris.Wrap(err, "sqlite: insert notification")
}

// helpers

var errNotFound = eris.New("not found")

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var countsJSON string
	var endedAt sql.NullTime

	err := row.Scan(&r.ID, &r.OwnerID, &r.SearchTerm, &r.Status, &countsJSON, &r.Error, &r.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, errNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(countsJSON), &r.Counts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal counts")
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	return &r, nil
}

func scanCleanListing(row scannable) (*model.CleanListing, error) {
	var l model.CleanListing
	var isAuction int
	var state string
	if err := row.Scan(&l.ID, &l.RunID, &l.OwnerID, &l.SourceURL, &l.Title, &l.Price, &l.Currency,
		&isAuction, &l.BidCount, &l.WatcherCount, &state, &l.SearchTerm, &l.ObservedAt, &l.DedupeHash,
		&l.WVS, &l.Velocity); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan clean listing")
	}
	l.IsAuction = isAuction != 0
	l.State = model.ListingState(state)
	return &l, nil
}

func scanSignal(row scannable) (*model.ParsedSignal, error) {
	var sig model.ParsedSignal
	var width, height sql.NullInt64
	var tagsJSON string
	if err := row.Scan(&sig.ListingID, &width, &height, &sig.SizeBucket, &sig.Medium, &sig.Subject, &sig.Style, &tagsJSON, &sig.Confidence, &sig.Extractor); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan signal")
	}
	if width.Valid {
		w := int(width.Int64)
		sig.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		sig.Height = &h
	}
	if err := json.Unmarshal([]byte(tagsJSON), &sig.ColorTags); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal color tags")
	}
	return &sig, nil
}

func scanMemberListing(row scannable) (*model.MemberListing, error) {
	var l model.CleanListing
	var isAuction int
	var state string
	var sigListingID sql.NullString
	var width, height sql.NullInt64
	var sizeBucket, medium, subject, style, tagsJSON, extractor sql.NullString
	var confidence sql.NullFloat64

	if err := row.Scan(&l.ID, &l.RunID, &l.OwnerID, &l.SourceURL, &l.Title, &l.Price, &l.Currency,
		&isAuction, &l.BidCount, &l.WatcherCount, &state, &l.SearchTerm, &l.ObservedAt, &l.DedupeHash,
		&l.WVS, &l.Velocity,
		&sigListingID, &width, &height, &sizeBucket, &medium, &subject, &style, &tagsJSON, &confidence, &extractor); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan member listing")
	}
	l.IsAuction = isAuction != 0
	l.State = model.ListingState(state)

	ml := &model.MemberListing{Listing: l}
	if sigListingID.Valid {
		sig := &model.ParsedSignal{
			ListingID:  sigListingID.String,
			SizeBucket: sizeBucket.String,
			Medium:     medium.String,
			Subject:    subject.String,
			Style:      style.String,
			Confidence: confidence.Float64,
			Extractor:  extractor.String,
		}
		if width.Valid {
			w := int(width.Int64)
			sig.Width = &w
		}
		if height.Valid {
			h := int(height.Int64)
			sig.Height = &h
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			_ = json.Unmarshal([]byte(tagsJSON.String), &sig.ColorTags)
		}
		ml.Signal = sig
	}
	return ml, nil
}

// prefixCols prefixes each column in a comma-separated list with a table alias.
func prefixCols(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
