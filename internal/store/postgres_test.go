package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioforge/marketpulse/internal/model"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "owner-1", "abstract painting", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "owner-1", "abstract painting")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "owner-1", run.OwnerID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	countsJSON, err := json.Marshal(model.StageCounts{CleanListings: 12})
	require.NoError(t, err)
	started := time.Now().UTC()

	mock.ExpectQuery(`SELECT (.+) FROM runs WHERE id`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(
			[]string{"id", "owner_id", "search_term", "status", "counts", "error", "started_at", "ended_at"}).
			AddRow("run-1", "owner-1", "abstract painting", model.RunStatusRunning, countsJSON, "", started, nil))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, 12, run.Counts.CleanListings)
	assert.Nil(t, run.EndedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM runs WHERE id`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "missing")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveRunForOwner_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT (.+) FROM runs`).
		WithArgs("owner-1", "running").
		WillReturnError(pgx.ErrNoRows)

	run, err := s.ActiveRunForOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunCounts_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET counts`).
		WithArgs(pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunCounts(context.Background(), "missing", model.StageCounts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs("success", "", pgxmock.AnyArg(), "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FinishRun(context.Background(), "run-1", model.RunStatusSuccess, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateListingScore_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE clean_listings SET wvs`).
		WithArgs(3.5, 2.8, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateListingScore(context.Background(), "missing", 3.5, 2.8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertParsedSignal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO parsed_signals`).
		WithArgs("listing-1", pgxmock.AnyArg(), pgxmock.AnyArg(), "medium", "oil", "abstract", "contemporary",
			pgxmock.AnyArg(), 1.0, model.ExtractorPatternRules).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	w, h := 24, 36
	err := s.UpsertParsedSignal(context.Background(), model.ParsedSignal{
		ListingID:  "listing-1",
		Width:      &w,
		Height:     &h,
		SizeBucket: "medium",
		Medium:     "oil",
		Subject:    "abstract",
		Style:      "contemporary",
		ColorTags:  []string{"blue"},
		Confidence: 1.0,
		Extractor:  model.ExtractorPatternRules,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertMembership(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO topic_memberships`).
		WithArgs("run-1", "topic-1", "listing-1", 1.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertMembership(context.Background(), model.TopicMembership{
		RunID: "run-1", TopicID: "topic-1", ListingID: "listing-1", Weight: 1.0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertTopicScore(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	date := time.Date(2026, 8, 30, 14, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO topic_scores_daily`).
		WithArgs("topic-1", "2026-08-30", 3.5, 2.8, 120.0, 150.0, 0.25, 0.8).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertTopicScore(context.Background(), model.TopicScoreDaily{
		TopicID:            "topic-1",
		Date:               date,
		WVS:                3.5,
		Velocity:           2.8,
		MedianPrice:        120,
		UpperQuartilePrice: 150,
		AuctionIntensity:   0.25,
		Confidence:         0.8,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrCreateTopic(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO topic_clusters`).
		WithArgs(pgxmock.AnyArg(), "abstract-painting", "abstract painting", "run-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT (.+) FROM topic_clusters WHERE slug`).
		WithArgs("abstract-painting").
		WillReturnRows(pgxmock.NewRows([]string{"id", "slug", "label", "first_run_id", "created_at"}).
			AddRow("topic-1", "abstract-painting", "abstract painting", "run-1", created))

	topic, isNew, err := s.GetOrCreateTopic(context.Background(), "abstract-painting", "abstract painting", "run-1")
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "topic-1", topic.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrCreateTopic_Existing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	created := time.Now().UTC()

	// Conflicting slug: the insert is a no-op and the existing row comes back.
	mock.ExpectExec(`INSERT INTO topic_clusters`).
		WithArgs(pgxmock.AnyArg(), "seascape", "seascape", "run-2", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT (.+) FROM topic_clusters WHERE slug`).
		WithArgs("seascape").
		WillReturnRows(pgxmock.NewRows([]string{"id", "slug", "label", "first_run_id", "created_at"}).
			AddRow("topic-9", "seascape", "seascape", "run-1", created))

	topic, isNew, err := s.GetOrCreateTopic(context.Background(), "seascape", "seascape", "run-2")
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "run-1", topic.FirstRunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetInterestTerms(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM interest_terms`).
		WithArgs("owner-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO interest_terms`).
		WithArgs("owner-1", "abstract painting").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO interest_terms`).
		WithArgs("owner-1", "seascape").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	err := s.SetInterestTerms(context.Background(), "owner-1", []string{"abstract painting", "seascape"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertNotification(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO notifications`).
		WithArgs(pgxmock.AnyArg(), "owner-1", "opportunities", "3 new opportunities published for owner-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.InsertNotification(context.Background(), model.Notification{
		OwnerID: "owner-1",
		Kind:    "opportunities",
		Message: "3 new opportunities published for owner-1",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
