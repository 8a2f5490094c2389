package records

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"tenantgate.dev/internal/audit"
	"tenantgate.dev/internal/errs"
	"tenantgate.dev/internal/ids"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	entries := audit.NewMemoryStore()
	store := NewMemoryStore(audit.NewRecorder(entries))
	ctx := audit.WithActorID(context.Background(), "01HZX0ACTOR00000000000000A")

	rec, err := store.Create(ctx, Record{TenantID: "t1", Code: "A-1", Name: "Alpha"})
	require.NoError(t, err)
	require.Equal(t, "01HZX0ACTOR00000000000000A", rec.OwnerID)

	_, err = store.Create(ctx, Record{TenantID: "t1", Code: "A-1", Name: "Again"})
	require.True(t, errors.Is(err, errs.ErrConflict))

	name := "Renamed"
	updated, err := store.Update(ctx, rec.ID, Patch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "Renamed", updated.Name)

	require.NoError(t, store.SoftDelete(ctx, rec.ID))
	require.True(t, errors.Is(store.SoftDelete(ctx, rec.ID), errs.ErrNotFound))

	_, err = store.Get(ctx, rec.ID)
	require.True(t, errors.Is(err, errs.ErrNotFound))

	res, err := store.LoadResource(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, res.State.IsDeleted())

	// The code is free again once the holder is deleted.
	_, err = store.Create(ctx, Record{TenantID: "t1", Code: "A-1", Name: "Alpha"})
	require.NoError(t, err)

	require.NoError(t, store.Purge(ctx, rec.ID))
	require.True(t, errors.Is(store.Purge(ctx, rec.ID), errs.ErrNotFound))
	require.Equal(t, 5, entries.Len())
}

func TestMemoryStoreFindOrdersAndPaginates(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		_, err := store.Create(ctx, Record{TenantID: "t1", Code: fmt.Sprintf("C-%02d", i), Name: "n"})
		require.NoError(t, err)
	}
	_, err := store.Create(ctx, Record{TenantID: "t2", Code: "other", Name: "n"})
	require.NoError(t, err)

	page, err := store.Find(ctx, Query{TenantID: "t1", Page: 2, Limit: 10, OrderBy: "code", Desc: true})
	require.NoError(t, err)
	require.Equal(t, Pagination{Current: 2, Limit: 10, Records: 25, Pages: 3}, page.Pagination)
	require.Len(t, page.Data, 10)
	require.Equal(t, "C-14", page.Data[0].Code)

	last, err := store.Find(ctx, Query{TenantID: "t1", Page: 3, Limit: 10})
	require.NoError(t, err)
	require.Len(t, last.Data, 5)

	_, err = store.Find(ctx, Query{TenantID: "t1", Limit: 101})
	require.True(t, errors.Is(err, errs.ErrValidation))

	n, err := store.Count(ctx, "t1", false)
	require.NoError(t, err)
	require.Equal(t, int64(25), n)
}

func TestMemoryStoreConcurrentSoftDeleteSingleWinner(t *testing.T) {
	store := NewMemoryStore(audit.NewRecorder(audit.NewMemoryStore()))
	ctx := context.Background()
	rec, err := store.Create(ctx, Record{TenantID: "t1", Code: "A-1", Name: "Alpha"})
	require.NoError(t, err)

	const workers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		notFound  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := store.SoftDelete(ctx, rec.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, errs.ErrNotFound):
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, notFound)
}

func TestMemoryStoreRejectsNonUUIDKeys(t *testing.T) {
	store := NewMemoryStore(audit.NewRecorder(audit.NewMemoryStore()))
	ctx := context.Background()

	for _, id := range []string{ids.New(), "", "not-an-id"} {
		_, err := store.Get(ctx, id)
		require.ErrorIs(t, err, errs.ErrValidation, id)
		_, err = store.LoadResource(ctx, id)
		require.ErrorIs(t, err, errs.ErrValidation, id)
		require.ErrorIs(t, store.SoftDelete(ctx, id), errs.ErrValidation, id)
	}
}

func TestMemoryStoreRejectsHugePage(t *testing.T) {
	store := NewMemoryStore(audit.NewRecorder(audit.NewMemoryStore()))
	_, err := store.Create(context.Background(), Record{TenantID: "t1", Code: "A-1", Name: "Alpha"})
	require.NoError(t, err)

	_, err = store.Find(context.Background(), Query{TenantID: "t1", Page: math.MaxInt, Limit: 100})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestMemoryStoreAttributesAreCopied(t *testing.T) {
	store := NewMemoryStore(audit.NewRecorder(audit.NewMemoryStore()))
	ctx := context.Background()
	attrs := map[string]any{"color": "red"}

	rec, err := store.Create(ctx, Record{TenantID: "t1", Code: "A-1", Name: "Alpha", Attributes: attrs})
	require.NoError(t, err)
	attrs["color"] = "blue"
	rec.Attributes["color"] = "green"

	got, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "red", got.Attributes["color"])
	got.Attributes["size"] = 10

	page, err := store.Find(ctx, Query{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	require.Equal(t, map[string]any{"color": "red"}, page.Data[0].Attributes)
}
