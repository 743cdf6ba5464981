package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/studioforge/marketpulse/internal/db"
	"github.com/studioforge/marketpulse/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":       `INSERT INTO runs (id, owner_id, search_term, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_counts":    `UPDATE runs SET counts = $1 WHERE id = $2`,
	"finish_run":       `UPDATE runs SET status = $1, error = $2, ended_at = $3 WHERE id = $4`,
	"get_run":          `SELECT id, owner_id, search_term, status, counts, error, started_at, ended_at FROM runs WHERE id = $1`,
	"upsert_signal":    upsertSignalSQL,
	"upsert_member":    upsertMembershipSQL,
	"update_score":     `UPDATE clean_listings SET wvs = $1, velocity = $2 WHERE id = $3`,
	"upsert_topic_day": upsertTopicScoreSQL,
}

const upsertSignalSQL = `INSERT INTO parsed_signals (listing_id, width, height, size_bucket, medium, subject, style, color_tags, confidence, extractor)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (listing_id) DO UPDATE SET
  width = EXCLUDED.width, height = EXCLUDED.height, size_bucket = EXCLUDED.size_bucket,
  medium = EXCLUDED.medium, subject = EXCLUDED.subject, style = EXCLUDED.style,
  color_tags = EXCLUDED.color_tags, confidence = EXCLUDED.confidence, extractor = EXCLUDED.extractor`

const upsertMembershipSQL = `INSERT INTO topic_memberships (run_id, topic_id, listing_id, weight)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id, topic_id, listing_id) DO UPDATE SET weight = EXCLUDED.weight`

const upsertTopicScoreSQL = `INSERT INTO topic_scores_daily (topic_id, date, wvs, velocity, median_price, upper_quartile_price, auction_intensity, confidence)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (topic_id, date) DO UPDATE SET
  wvs = EXCLUDED.wvs, velocity = EXCLUDED.velocity, median_price = EXCLUDED.median_price,
  upper_quartile_price = EXCLUDED.upper_quartile_price, auction_intensity = EXCLUDED.auction_intensity,
  confidence = EXCLUDED.confidence`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner_id    TEXT NOT NULL,
	search_term TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'running',
	counts      JSONB NOT NULL DEFAULT '{}',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS raw_listings (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner_id      TEXT NOT NULL,
	source_url    TEXT NOT NULL,
	title         TEXT NOT NULL,
	price         DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency      TEXT NOT NULL DEFAULT 'USD',
	is_auction    BOOLEAN NOT NULL DEFAULT false,
	bid_count     INTEGER NOT NULL DEFAULT 0,
	watcher_count INTEGER,
	state         TEXT NOT NULL DEFAULT 'active',
	search_term   TEXT NOT NULL DEFAULT '',
	observed_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS clean_listings (
	id            TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL REFERENCES runs(id),
	owner_id      TEXT NOT NULL,
	source_url    TEXT NOT NULL,
	title         TEXT NOT NULL,
	price         DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency      TEXT NOT NULL DEFAULT 'USD',
	is_auction    BOOLEAN NOT NULL DEFAULT false,
	bid_count     INTEGER NOT NULL DEFAULT 0,
	watcher_count INTEGER NOT NULL DEFAULT 0,
	state         TEXT NOT NULL DEFAULT 'active',
	search_term   TEXT NOT NULL DEFAULT '',
	observed_at   TIMESTAMPTZ NOT NULL,
	dedupe_hash   TEXT NOT NULL,
	wvs           DOUBLE PRECISION NOT NULL DEFAULT 0,
	velocity      DOUBLE PRECISION NOT NULL DEFAULT 0,
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
	color_tags  JSONB NOT NULL DEFAULT '[]',
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	extractor   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS topic_clusters (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	slug         TEXT NOT NULL UNIQUE,
	label        TEXT NOT NULL,
	first_run_id TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS topic_memberships (
	run_id     TEXT NOT NULL,
	topic_id   TEXT NOT NULL REFERENCES topic_clusters(id),
	listing_id TEXT NOT NULL REFERENCES clean_listings(id),
	weight     DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	PRIMARY KEY (run_id, topic_id, listing_id)
);

CREATE TABLE IF NOT EXISTS topic_scores_daily (
	topic_id             TEXT NOT NULL REFERENCES topic_clusters(id),
	date                 DATE NOT NULL,
	wvs                  DOUBLE PRECISION NOT NULL DEFAULT 0,
	velocity             DOUBLE PRECISION NOT NULL DEFAULT 0,
	median_price         DOUBLE PRECISION NOT NULL DEFAULT 0,
	upper_quartile_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	auction_intensity    DOUBLE PRECISION NOT NULL DEFAULT 0,
	confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (topic_id, date)
);

CREATE TABLE IF NOT EXISTS style_rollups (
	style        TEXT PRIMARY KEY,
	avg_wvs      DOUBLE PRECISION NOT NULL DEFAULT 0,
	demand_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	listings     INTEGER NOT NULL DEFAULT 0,
	median_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS size_rollups (
	size_bucket  TEXT PRIMARY KEY,
	avg_wvs      DOUBLE PRECISION NOT NULL DEFAULT 0,
	demand_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	listings     INTEGER NOT NULL DEFAULT 0,
	median_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS interest_terms (
	owner_id TEXT NOT NULL,
	term     TEXT NOT NULL,
	PRIMARY KEY (owner_id, term)
);

CREATE TABLE IF NOT EXISTS opportunities (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner_id      TEXT NOT NULL,
	date          DATE NOT NULL,
	rank          INTEGER NOT NULL,
	topic_id      TEXT NOT NULL,
	topic_label   TEXT NOT NULL,
	wvs           DOUBLE PRECISION NOT NULL DEFAULT 0,
	velocity      DOUBLE PRECISION NOT NULL DEFAULT 0,
	price_band    JSONB NOT NULL DEFAULT '{}',
	sizes         JSONB NOT NULL DEFAULT '[]',
	mediums       JSONB NOT NULL DEFAULT '[]',
	keywords      JSONB NOT NULL DEFAULT '[]',
	evidence_urls JSONB NOT NULL DEFAULT '[]',
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	UNIQUE(owner_id, date, rank)
);

CREATE TABLE IF NOT EXISTS notifications (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner_id   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_owner ON runs(owner_id, status);
CREATE INDEX IF NOT EXISTS idx_raw_listings_owner ON raw_listings(owner_id, search_term);
CREATE INDEX IF NOT EXISTS idx_clean_listings_run ON clean_listings(run_id);
CREATE INDEX IF NOT EXISTS idx_memberships_run_topic ON topic_memberships(run_id, topic_id);
CREATE INDEX IF NOT EXISTS idx_topic_scores_date ON topic_scores_daily(date, confidence);
CREATE INDEX IF NOT EXISTS idx_opportunities_owner_date ON opportunities(owner_id, date);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// -- runs --

func (s *PostgresStore) CreateRun(ctx context.Context, ownerID, searchTerm string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, owner_id, search_term, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, ownerID, searchTerm, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:         id,
		OwnerID:    ownerID,
		SearchTerm: searchTerm,
		Status:     model.RunStatusRunning,
		StartedAt:  now,
	}, nil
}

func (s *PostgresStore) UpdateRunCounts(ctx context.Context, runID string, counts model.StageCounts) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal counts")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET counts = $1 WHERE id = $2`, countsJSON, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run counts %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errSummary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, ended_at = $3 WHERE id = $4`,
		string(status), errSummary, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, search_term, status, counts, error, started_at, ended_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, owner_id, search_term, status, counts, error, started_at, ended_at FROM runs WHERE 1=1`
	var args []any
	n := 0

	if filter.Status != "" {
		n++
		query += ` AND status = $` + itoa(n)
		args = append(args, string(filter.Status))
	}
	if filter.OwnerID != "" {
		n++
		query += ` AND owner_id = $` + itoa(n)
		args = append(args, filter.OwnerID)
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	query += ` LIMIT $` + itoa(n)
	args = append(args, limit)

	if filter.Offset > 0 {
		n++
		query += ` OFFSET $` + itoa(n)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ActiveRunForOwner(ctx context.Context, ownerID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, search_term, status, counts, error, started_at, ended_at FROM runs
		 WHERE owner_id = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1`,
		ownerID, string(model.RunStatusRunning),
	)
	r, err := scanPgRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: active run for %s", ownerID)
	}
	return r, nil
}

// -- raw listings --

func (s *PostgresStore) InsertRawListings(ctx context.Context, rows []model.RawListing) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	copyRows := make([][]any, 0, len(rows))
	for _, r := range rows {
		var watchers any
		if r.WatcherCount != nil {
			watchers = *r.WatcherCount
		}
		copyRows = append(copyRows, []any{
			uuid.New().String(), r.OwnerID, r.SourceURL, r.Title, r.Price, r.Currency,
			r.IsAuction, r.BidCount, watchers, string(r.State), r.SearchTerm, r.ObservedAt.UTC(),
		})
	}
	n, err := db.CopyFrom(ctx, s.pool, "raw_listings",
		[]string{"id", "owner_id", "source_url", "title", "price", "currency", "is_auction", "bid_count", "watcher_count", "state", "search_term", "observed_at"},
		copyRows,
	)
	return int(n), err
}

func (s *PostgresStore) ListRawListings(ctx context.Context, ownerID, searchTerm string, limit int) ([]model.RawListing, error) {
	query := `SELECT owner_id, source_url, title, price, currency, is_auction, bid_count, watcher_count, state, search_term, observed_at
	          FROM raw_listings WHERE owner_id = $1`
	args := []any{ownerID}
	if searchTerm != "" {
		args = append(args, searchTerm)
		query += ` AND search_term = $2`
	}
	query += ` ORDER BY observed_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list raw listings")
	}
	defer rows.Close()

	var out []model.RawListing
	for rows.Next() {
		var r model.RawListing
		var watchers *int
		var state string
		if err := rows.Scan(&r.OwnerID, &r.SourceURL, &r.Title, &r.Price, &r.Currency, &r.IsAuction, &r.BidCount, &watchers, &state, &r.SearchTerm, &r.ObservedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan raw listing")
		}
		r.State = model.ListingState(state)
		r.WatcherCount = watchers
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list raw listings iterate")
}

// -- clean listings --

var cleanListingColumns = []string{
	"id", "run_id", "owner_id", "source_url", "title", "price", "currency",
	"is_auction", "bid_count", "watcher_count", "state", "search_term",
	"observed_at", "dedupe_hash",
}

func (s *PostgresStore) InsertCleanListings(ctx context.Context, listings []model.CleanListing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(listings))
	for _, l := range listings {
		rows = append(rows, []any{
			l.ID, l.RunID, l.OwnerID, l.SourceURL, l.Title, l.Price, l.Currency,
			l.IsAuction, l.BidCount, l.WatcherCount, string(l.State), l.SearchTerm,
			l.ObservedAt.UTC(), l.DedupeHash,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "clean_listings",
		Columns:      cleanListingColumns,
		ConflictKeys: []string{"run_id", "dedupe_hash"},
		// Dedupe within a run: keep the first observed row.
		UpdateCols: []string{"observed_at"},
	}, rows)
	return int(n), err
}

const pgCleanListingCols = `id, run_id, owner_id, source_url, title, price, currency, is_auction, bid_count, watcher_count, state, search_term, observed_at, dedupe_hash, wvs, velocity`

func (s *PostgresStore) ListCleanListings(ctx context.Context, runID string) ([]model.CleanListing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgCleanListingCols+` FROM clean_listings WHERE run_id = $1 ORDER BY observed_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clean listings")
	}
	defer rows.Close()

	var out []model.CleanListing
	for rows.Next() {
		l, err := scanPgCleanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list clean listings iterate")
}

func (s *PostgresStore) UpdateListingScore(ctx context.Context, listingID string, wvs, velocity float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clean_listings SET wvs = $1, velocity = $2 WHERE id = $3`,
		wvs, velocity, listingID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update listing score %s", listingID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("listing not found: %s", listingID)
	}
	return nil
}

// -- parsed signals --

func (s *PostgresStore) UpsertParsedSignal(ctx context.Context, sig model.ParsedSignal) error {
	tagsJSON, err := json.Marshal(sig.ColorTags)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal color tags")
	}
	_, err = s.pool.Exec(ctx, upsertSignalSQL,
		sig.ListingID, sig.Width, sig.Height, sig.SizeBucket, sig.Medium, sig.Subject, sig.Style,
		tagsJSON, sig.Confidence, sig.Extractor,
	)
	return eris.Wrapf(err, "postgres: upsert signal %s", sig.ListingID)
}

func (s *PostgresStore) ListParsedSignals(ctx context.Context, runID string) ([]model.ParsedSignal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.listing_id, p.width, p.height, p.size_bucket, p.medium, p.subject, p.style, p.color_tags, p.confidence, p.extractor
		 FROM parsed_signals p JOIN clean_listings c ON c.id = p.listing_id
		 WHERE c.run_id = $1`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list signals")
	}
	defer rows.Close()

	var out []model.ParsedSignal
	for rows.Next() {
		var sig model.ParsedSignal
		var tagsJSON []byte
		if err := rows.Scan(&sig.ListingID, &sig.Width, &sig.Height, &sig.SizeBucket, &sig.Medium, &sig.Subject, &sig.Style, &tagsJSON, &sig.Confidence, &sig.Extractor); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal")
		}
		if err := json.Unmarshal(tagsJSON, &sig.ColorTags); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal color tags")
		}
		out = append(out, sig)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list signals iterate")
}

// -- topics --

func (s *PostgresStore) GetOrCreateTopic(ctx context.Context, slug, label, runID string) (*model.TopicCluster, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO topic_clusters (id, slug, label, first_run_id, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (slug) DO NOTHING`,
		id, slug, label, runID, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: insert topic %s", slug)
	}
	created := tag.RowsAffected() > 0

	var t model.TopicCluster
	row := s.pool.QueryRow(ctx,
		`SELECT id, slug, label, first_run_id, created_at FROM topic_clusters WHERE slug = $1`, slug)
	if err := row.Scan(&t.ID, &t.Slug, &t.Label, &t.FirstRunID, &t.CreatedAt); err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get topic %s", slug)
	}
	return &t, created, nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, m model.TopicMembership) error {
	_, err := s.pool.Exec(ctx, upsertMembershipSQL, m.RunID, m.TopicID, m.ListingID, m.Weight)
	return eris.Wrap(err, "postgres: upsert membership")
}

func (s *PostgresStore) RunTopics(ctx context.Context, runID string) ([]model.TopicCluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT t.id, t.slug, t.label, t.first_run_id, t.created_at
		 FROM topic_clusters t JOIN topic_memberships m ON m.topic_id = t.id
		 WHERE m.run_id = $1 ORDER BY t.slug`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: run topics")
	}
	defer rows.Close()

	var out []model.TopicCluster
	for rows.Next() {
		var t model.TopicCluster
		if err := rows.Scan(&t.ID, &t.Slug, &t.Label, &t.FirstRunID, &t.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan topic")
		}
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: run topics iterate")
}

func (s *PostgresStore) TopicMembers(ctx context.Context, runID, topicID string) ([]model.MemberListing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.run_id, c.owner_id, c.source_url, c.title, c.price, c.currency, c.is_auction, c.bid_count,
		        c.watcher_count, c.state, c.search_term, c.observed_at, c.dedupe_hash, c.wvs, c.velocity,
		        p.listing_id, p.width, p.height, p.size_bucket, p.medium, p.subject, p.style, p.color_tags, p.confidence, p.extractor
		 FROM topic_memberships m
		 JOIN clean_listings c ON c.id = m.listing_id
		 LEFT JOIN parsed_signals p ON p.listing_id = c.id
		 WHERE m.run_id = $1 AND m.topic_id = $2
		 ORDER BY c.observed_at`,
		runID, topicID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: topic members")
	}
	defer rows.Close()

	var out []model.MemberListing
	for rows.Next() {
		var l model.CleanListing
		var state string
		var sigListingID, sizeBucket, medium, subject, style, extractor *string
		var width, height *int
		var tagsJSON []byte
		var confidence *float64

		if err := rows.Scan(&l.ID, &l.RunID, &l.OwnerID, &l.SourceURL, &l.Title, &l.Price, &l.Currency,
			&l.IsAuction, &l.BidCount, &l.WatcherCount, &state, &l.SearchTerm, &l.ObservedAt, &l.DedupeHash,
			&l.WVS, &l.Velocity,
			&sigListingID, &width, &height, &sizeBucket, &medium, &subject, &style, &tagsJSON, &confidence, &extractor); err != nil {
			return nil, eris.Wrap(err, "postgres: scan member listing")
		}
		l.State = model.ListingState(state)

		ml := model.MemberListing{Listing: l}
		if sigListingID != nil {
			sig := &model.ParsedSignal{
				ListingID: *sigListingID,
				Width:     width,
				Height:    height,
			}
			if sizeBucket != nil {
				sig.SizeBucket = *sizeBucket
			}
			if medium != nil {
				sig.Medium = *medium
			}
			if subject != nil {
				sig.Subject = *subject
			}
			if style != nil {
				sig.Style = *style
			}
			if confidence != nil {
				sig.Confidence = *confidence
			}
			if extractor != nil {
				sig.Extractor = *extractor
			}
			if len(tagsJSON) > 0 {
				_ = json.Unmarshal(tagsJSON, &sig.ColorTags)
			}
			ml.Signal = sig
		}
		out = append(out, ml)
	}
	return out, eris.Wrap(rows.Err(), "postgres: topic members iterate")
}

// -- scores and rollups --

func (s *PostgresStore) UpsertTopicScore(ctx context.Context, sc model.TopicScoreDaily) error {
	_, err := s.pool.Exec(ctx, upsertTopicScoreSQL,
		sc.TopicID, sc.Date.UTC().Format("2006-01-02"), sc.WVS, sc.Velocity, sc.MedianPrice,
		sc.UpperQuartilePrice, sc.AuctionIntensity, sc.Confidence,
	)
	return eris.Wrapf(err, "postgres: upsert topic score %s", sc.TopicID)
}

func (s *PostgresStore) TopTopicScores(ctx context.Context, date time.Time, minConfidence float64, limit int) ([]model.TopicScoreDaily, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT topic_id, date, wvs, velocity, median_price, upper_quartile_price, auction_intensity, confidence
		 FROM topic_scores_daily WHERE date = $1 AND confidence >= $2 ORDER BY wvs DESC LIMIT $3`,
		date.UTC().Format("2006-01-02"), minConfidence, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: top topic scores")
	}
	defer rows.Close()

	var out []model.TopicScoreDaily
	for rows.Next() {
		var sc model.TopicScoreDaily
		if err := rows.Scan(&sc.TopicID, &sc.Date, &sc.WVS, &sc.Velocity, &sc.MedianPrice, &sc.UpperQuartilePrice, &sc.AuctionIntensity, &sc.Confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan topic score")
		}
		out = append(out, sc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: top topic scores iterate")
}

func (s *PostgresStore) UpsertStyleRollup(ctx context.Context, r model.StyleRollup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO style_rollups (style, avg_wvs, demand_score, listings, median_price, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (style) DO UPDATE SET
		   avg_wvs = EXCLUDED.avg_wvs, demand_score = EXCLUDED.demand_score, listings = EXCLUDED.listings,
		   median_price = EXCLUDED.median_price, updated_at = EXCLUDED.updated_at`,
		r.Style, r.AvgWVS, r.DemandScore, r.Listings, r.MedianPrice, r.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert style rollup %s", r.Style)
}

func (s *PostgresStore) UpsertSizeRollup(ctx context.Context, r model.SizeRollup) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO size_rollups (size_bucket, avg_wvs, demand_score, listings, median_price, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (size_bucket) DO UPDATE SET
		   avg_wvs = EXCLUDED.avg_wvs, demand_score = EXCLUDED.demand_score, listings = EXCLUDED.listings,
		   median_price = EXCLUDED.median_price, updated_at = EXCLUDED.updated_at`,
		r.SizeBucket, r.AvgWVS, r.DemandScore, r.Listings, r.MedianPrice, r.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert size rollup %s", r.SizeBucket)
}

func (s *PostgresStore) StyleMedianPrices(ctx context.Context) (map[string]float64, error) {
	rows, err := s.pool.Query(ctx, `SELECT style, median_price FROM style_rollups`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: style median prices")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var style string
		var price float64
		if err := rows.Scan(&style, &price); err != nil {
			return nil, eris.Wrap(err, "postgres: scan style median")
		}
		out[style] = price
	}
	return out, eris.Wrap(rows.Err(), "postgres: style median prices iterate")
}

// -- opportunities and notifications --

func (s *PostgresStore) InterestTerms(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT term FROM interest_terms WHERE owner_id = $1 ORDER BY term`, ownerID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: interest terms")
	}
	defer rows.Close()

	var terms []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, eris.Wrap(err, "postgres: scan interest term")
		}
		terms = append(terms, t)
	}
	return terms, eris.Wrap(rows.Err(), "postgres: interest terms iterate")
}

func (s *PostgresStore) SetInterestTerms(ctx context.Context, ownerID string, terms []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin interest terms")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM interest_terms WHERE owner_id = $1`, ownerID); err != nil {
		return eris.Wrap(err, "postgres: clear interest terms")
	}
	for _, t := range terms {
		if _, err := tx.Exec(ctx,
			`INSERT INTO interest_terms (owner_id, term) VALUES ($1, $2) ON CONFLICT DO NOTHING`, ownerID, t); err != nil {
			return eris.Wrap(err, "postgres: insert interest term")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit interest terms")
}

func (s *PostgresStore) UpsertOpportunity(ctx context.Context, o model.Opportunity) error {
	bandJSON, err := json.Marshal(o.PriceBand)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal price band")
	}
	sizesJSON, _ := json.Marshal(o.Sizes)
	mediumsJSON, _ := json.Marshal(o.Mediums)
	keywordsJSON, _ := json.Marshal(o.Keywords)
	evidenceJSON, _ := json.Marshal(o.EvidenceURLs)

	id := o.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO opportunities (id, owner_id, date, rank, topic_id, topic_label, wvs, velocity, price_band, sizes, mediums, keywords, evidence_urls, confidence)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (owner_id, date, rank) DO UPDATE SET
		   topic_id = EXCLUDED.topic_id, topic_label = EXCLUDED.topic_label, wvs = EXCLUDED.wvs,
		   velocity = EXCLUDED.velocity, price_band = EXCLUDED.price_band, sizes = EXCLUDED.sizes,
		   mediums = EXCLUDED.mediums, keywords = EXCLUDED.keywords, evidence_urls = EXCLUDED.evidence_urls,
		   confidence = EXCLUDED.confidence`,
		id, o.OwnerID, o.Date.UTC().Format("2006-01-02"), o.Rank, o.TopicID, o.TopicLabel, o.WVS, o.Velocity,
		bandJSON, sizesJSON, mediumsJSON, keywordsJSON, evidenceJSON, o.Confidence,
	)
	return eris.Wrapf(err, "postgres: upsert opportunity rank %d", o.Rank)
}

func (s *PostgresStore) ListOpportunities(ctx context.Context, ownerID string, date time.Time) ([]model.Opportunity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, date, rank, topic_id, topic_label, wvs, velocity, price_band, sizes, mediums, keywords, evidence_urls, confidence
		 FROM opportunities WHERE owner_id = $1 AND date = $2 ORDER BY rank`,
		ownerID, date.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list opportunities")
	}
	defer rows.Close()

	var out []model.Opportunity
	for rows.Next() {
		var o model.Opportunity
		var band, sizes, mediums, keywords, evidence []byte
		if err := rows.Scan(&o.ID, &o.OwnerID, &o.Date, &o.Rank, &o.TopicID, &o.TopicLabel, &o.WVS, &o.Velocity, &band, &sizes, &mediums, &keywords, &evidence, &o.Confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan opportunity")
		}
		if err := json.Unmarshal(band, &o.PriceBand); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal price band")
		}
		_ = json.Unmarshal(sizes, &o.Sizes)
		_ = json.Unmarshal(mediums, &o.Mediums)
		_ = json.Unmarshal(keywords, &o.Keywords)
		_ = json.Unmarshal(evidence, &o.EvidenceURLs)
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list opportunities iterate")
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n model.Notification) error {
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, owner_id, kind, message, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, n.OwnerID, n.Kind, n.Message, createdAt,
	)
	return eris.Wrap(err, "postgres: insert notification")
}

// helpers

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var countsJSON []byte
	var endedAt *time.Time

	if err := row.Scan(&r.ID, &r.OwnerID, &r.SearchTerm, &r.Status, &countsJSON, &r.Error, &r.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(countsJSON, &r.Counts); err != nil {
		return nil, eris.Wrap(err, "unmarshal counts")
	}
	r.EndedAt = endedAt
	return &r, nil
}

func scanPgCleanListing(rows pgx.Rows) (*model.CleanListing, error) {
	var l model.CleanListing
	var state string
	if err := rows.Scan(&l.ID, &l.RunID, &l.OwnerID, &l.SourceURL, &l.Title, &l.Price, &l.Currency,
		&l.IsAuction, &l.BidCount, &l.WatcherCount, &state, &l.SearchTerm, &l.ObservedAt, &l.DedupeHash,
		&l.WVS, &l.Velocity); err != nil {
		return nil, eris.Wrap(err, "postgres: scan clean listing")
	}
	l.State = model.ListingState(state)
	return &l, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
