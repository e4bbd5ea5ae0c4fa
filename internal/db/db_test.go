package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.Background(), nil, "tag_count_history", []string{"a", "b"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_SchemaQualified(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"geoattr", "tag_count_history"}, []string{"region", "tag"}).WillReturnResult(2)

	n, err := CopyFrom(context.Background(), mock, "geoattr.tag_count_history", []string{"region", "tag"},
		[][]any{{"Austin", "X"}, {"Austin", "Y"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"t"}, []string{"a"}).WillReturnError(errors.New("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "t", []string{"a"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO t")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_Validation(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{Table: "t"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{Table: "t", ConflictKeys: []string{"id"}}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")

	_, err = BulkUpsert(context.Background(), nil, UpsertConfig{Table: "t", Columns: []string{"id"}}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"region", "tag", "count"}
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_geoattr_tag_counts" \(LIKE "geoattr"."tag_counts"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_geoattr_tag_counts"}, cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "geoattr"."tag_counts" .* ON CONFLICT \("region", "tag"\) DO UPDATE SET "count" = EXCLUDED."count"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "geoattr.tag_counts",
		Columns:      cols,
		ConflictKeys: []string{"region", "tag"},
	}, [][]any{{"Austin", "X", 3}, {"Austin", "Y", 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_KeysOnlyDoesNothing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_regions"}, []string{"name"}).WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("name"\) DO NOTHING`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "regions",
		Columns:      []string{"name"},
		ConflictKeys: []string{"name"},
	}, [][]any{{"Austin"}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_MergeErrorRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_t"}, []string{"id", "v"}).WillReturnResult(1)
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "t",
		Columns:      []string{"id", "v"},
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge into t")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentifierAndQuote(t *testing.T) {
	assert.Equal(t, `"simple"`, identifier("simple").Sanitize())
	assert.Equal(t, `"geoattr"."tag_counts"`, identifier("geoattr.tag_counts").Sanitize())
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}

func TestBulkUpsertTx_UsesCallerTransaction(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_tag_counts"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_tag_counts"}, []string{"region", "tag", "count"}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "tag_counts"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	ctx := context.Background()
	tx, err := mock.Begin(ctx)
	require.NoError(t, err)

	n, err := BulkUpsertTx(ctx, tx, UpsertConfig{
		Table:        "tag_counts",
		Columns:      []string{"region", "tag", "count"},
		ConflictKeys: []string{"region", "tag"},
	}, [][]any{{"Austin", "X", 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// No commit happens inside BulkUpsertTx; the caller owns it.
	require.NoError(t, tx.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}
