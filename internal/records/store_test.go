package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/ids"
)

var fixedNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

var recordColumns = []string{"id", "tenant_id", "owner_id", "kind", "code", "name", "attributes", "deleted_at", "created_at", "updated_at"}

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	db, err := Open(conn)
	require.NoError(t, err)

	opts = append([]Option{WithLogger(zap.NewNop()), WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(db, opts...), mock
}

func TestCreateWritesAuditInSameTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := audit.WithActorID(context.Background(), "01HZX0ACTOR00000000000000A")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "records"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "audit_log"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.Create(ctx, Record{TenantID: "t1", Code: " A-1 ", Name: "Alpha"})
	require.NoError(t, err)
	require.True(t, ids.ValidUUID(rec.ID))
	require.Equal(t, "01HZX0ACTOR00000000000000A", rec.OwnerID)
	require.Equal(t, "A-1", rec.Code)
	require.Equal(t, defaultKind, rec.Kind)
	require.False(t, rec.State.IsDeleted())
	require.Equal(t, fixedNow, rec.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "records"`).WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), Record{TenantID: "t1", Code: "A-1", Name: "Alpha"})
	require.ErrorIs(t, err, errs.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRollsBackWhenAuditFails(t *testing.T) {
	var surfaced error
	recorder := audit.NewRecorder(nil,
		audit.WithLogger(zap.NewNop()),
		audit.WithFailureHandler(func(_ context.Context, _ audit.Entry, err error) { surfaced = err }),
	)
	store, mock := newMockStore(t, WithRecorder(recorder))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "records"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "audit_log"`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), Record{TenantID: "t1", Code: "A-1", Name: "Alpha"})
	require.ErrorIs(t, err, errs.ErrAuditFailed)
	require.ErrorIs(t, surfaced, errs.ErrAuditFailed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateValidation(t *testing.T) {
	store, mock := newMockStore(t)
	for _, rec := range []Record{
		{Code: "A", Name: "a"},
		{TenantID: "t1", Name: "a"},
		{TenantID: "t1", Code: "A", Name: "  "},
	} {
		_, err := store.Create(context.Background(), rec)
		require.ErrorIs(t, err, errs.ErrValidation)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteTwice(t *testing.T) {
	store, mock := newMockStore(t)
	id := ids.NewUUID()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "records" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "audit_log"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "records" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, store.SoftDelete(context.Background(), id))
	require.ErrorIs(t, store.SoftDelete(context.Background(), id), errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetHidesDeleted(t *testing.T) {
	store, mock := newMockStore(t)
	id := ids.NewUUID()

	mock.ExpectQuery(`SELECT \* FROM "records" WHERE id = \$1 AND deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := store.Get(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = store.Get(context.Background(), "../etc")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestLoadResourceExposesDeletedState(t *testing.T) {
	store, mock := newMockStore(t)
	id := ids.NewUUID()
	deletedAt := fixedNow.Add(-time.Hour)

	mock.ExpectQuery(`SELECT \* FROM "records" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(id, "t1", "owner-1", "generic", "A-1", "Alpha", []byte(`{}`), deletedAt, fixedNow, fixedNow))

	res, err := store.LoadResource(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, ResourceType, res.Type)
	require.Equal(t, "t1", res.TenantID)
	require.Equal(t, "owner-1", res.OwnerID)
	at, deleted := res.State.DeletedAt()
	require.True(t, deleted)
	require.True(t, at.Equal(deletedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPaginates(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "records"`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(45))
	mock.ExpectQuery(`SELECT \* FROM "records" WHERE tenant_id = \$1 AND kind = \$2 AND deleted_at IS NULL ORDER BY "name" DESC`).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(ids.NewUUID(), "t1", "o1", "invoice", "B", "Beta", []byte(`{"amount":12}`), nil, fixedNow, fixedNow).
			AddRow(ids.NewUUID(), "t1", "o1", "invoice", "A", "Alpha", nil, nil, fixedNow, fixedNow))

	page, err := store.Find(context.Background(), Query{TenantID: "t1", Kind: "Invoice", Page: 2, Limit: 20, OrderBy: "name", Desc: true})
	require.NoError(t, err)
	require.Equal(t, Pagination{Current: 2, Limit: 20, Records: 45, Pages: 3}, page.Pagination)
	require.Len(t, page.Data, 2)
	require.Equal(t, float64(12), page.Data[0].Attributes["amount"])
	require.NotNil(t, page.Data[1].Attributes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindValidation(t *testing.T) {
	store, mock := newMockStore(t)
	for _, q := range []Query{
		{Page: 1, Limit: 10},
		{TenantID: "t1", Page: -1},
		{TenantID: "t1", Limit: 101},
		{TenantID: "t1", Limit: -5},
		{TenantID: "t1", OrderBy: "password"},
	} {
		_, err := store.Find(context.Background(), q)
		require.ErrorIs(t, err, errs.ErrValidation)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	id := ids.NewUUID()
	name := "Renamed"

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "records" SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM "records" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow(id, "t1", "o1", "generic", "A-1", name, []byte(`{}`), nil, fixedNow, fixedNow))
	mock.ExpectExec(`INSERT INTO "audit_log"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec, err := store.Update(context.Background(), id, Patch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, name, rec.Name)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "records" SET`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = store.Update(context.Background(), id, Patch{Name: &name})
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = store.Update(context.Background(), id, Patch{})
	require.ErrorIs(t, err, errs.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurge(t *testing.T) {
	store, mock := newMockStore(t)
	id := ids.NewUUID()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "records" WHERE id = \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "audit_log"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "records" WHERE id = \$1`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	require.NoError(t, store.Purge(context.Background(), id))
	require.ErrorIs(t, store.Purge(context.Background(), id), errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "records" WHERE tenant_id = \$1 AND deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.Count(context.Background(), "t1", false)
	require.NoError(t, err)
	require.EqualValues(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestULIDRecordKeyIsValidationWithoutQuery(t *testing.T) {
	store, mock := newMockStore(t)

	_, err := store.LoadResource(context.Background(), ids.New())
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = store.Get(context.Background(), ids.New())
	require.ErrorIs(t, err, errs.ErrValidation)
	require.ErrorIs(t, store.SoftDelete(context.Background(), ids.New()), errs.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvalidTextRepresentationIsValidation(t *testing.T) {
	store, mock := newMockStore(t)
	id := ids.NewUUID()

	mock.ExpectQuery(`SELECT \* FROM "records" WHERE id = \$1 AND deleted_at IS NULL`).
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})

	_, err := store.Get(context.Background(), id)
	require.ErrorIs(t, err, errs.ErrValidation)
	require.NotContains(t, err.Error(), "uuid")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryValidateBoundsPage(t *testing.T) {
	q := Query{TenantID: "t1", Page: maxPage}
	require.NoError(t, q.Validate())

	q = Query{TenantID: "t1", Page: maxPage + 1}
	require.ErrorIs(t, q.Validate(), errs.ErrValidation)
}
