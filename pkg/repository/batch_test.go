package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/testutil"
)

func TestBatch_CommitAppliesAllWrites(t *testing.T) {
	ctx := context.Background()
	log := &testutil.MockLogger{}
	db, store := newTestDB(t, WithLogger(log))
	direct := mustRepo[Band](t, db)
	seedBands(t, direct)

	batch := db.CreateBatch()
	bands, err := GetRepository[Band](batch)
	if err != nil {
		t.Fatalf("GetRepository() error = %v", err)
	}
	labels, err := GetRepository[Label](batch)
	if err != nil {
		t.Fatal(err)
	}

	created := &Band{Name: "Megadeth", FormationYear: 1983}
	if err := bands.Create(created); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("batch create must assign the id when staging")
	}
	if err := bands.Update(&Band{ID: "metallica", FormationYear: 1982}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := bands.Delete(&Band{ID: "slayer"}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := labels.Create(&Label{ID: "elektra", Name: "Elektra"}); err != nil {
		t.Fatal(err)
	}
	if batch.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", batch.Len())
	}
	if store.Len("bands") != 4 || store.Len("labels") != 0 {
		t.Fatal("staged writes must not reach the store before commit")
	}

	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if got, _ := direct.FindByID(ctx, created.ID); got == nil || got.Name != "Megadeth" {
		t.Fatalf("created band = %+v", got)
	}
	if got, _ := direct.FindByID(ctx, "metallica"); got.FormationYear != 1982 || got.Name != "Metallica" {
		t.Fatalf("updated band = %+v", got)
	}
	if got, _ := direct.FindByID(ctx, "slayer"); got != nil {
		t.Fatal("deleted band still present")
	}
	if store.Len("labels") != 1 {
		t.Fatal("label not created")
	}

	entry, ok := log.Find("committing batch")
	if !ok || entry.Fields["writes"] != 4 || entry.Fields["collection"] != "" {
		t.Fatalf("unexpected commit log %+v", entry)
	}
}

func TestBatch_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	db, store := newTestDB(t)
	direct := mustRepo[Band](t, db)
	seedBands(t, direct)

	batch := db.CreateBatch()
	bands, err := GetRepository[Band](batch)
	if err != nil {
		t.Fatal(err)
	}
	if err := bands.Create(&Band{ID: "megadeth", Name: "Megadeth"}); err != nil {
		t.Fatal(err)
	}
	if err := bands.Update(&Band{ID: "metallica", FormationYear: 1982}); err != nil {
		t.Fatal(err)
	}
	if err := bands.Delete(&Band{ID: "slayer"}); err != nil {
		t.Fatal(err)
	}

	diskFull := errors.New("disk full")
	store.FailWrites(func(path string) error {
		if path == "bands/slayer" {
			return diskFull
		}
		return nil
	})
	if err := batch.Commit(ctx); !errors.Is(err, diskFull) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	store.FailWrites(nil)

	if got, _ := direct.FindByID(ctx, "megadeth"); got != nil {
		t.Fatal("create applied by a failed commit")
	}
	if got, _ := direct.FindByID(ctx, "metallica"); got.FormationYear != 1981 {
		t.Fatal("update applied by a failed commit")
	}
	if got, _ := direct.FindByID(ctx, "slayer"); got == nil {
		t.Fatal("delete applied by a failed commit")
	}
}

func TestBatch_UpdateOfMissingDocumentFailsCommit(t *testing.T) {
	ctx := context.Background()
	db, store := newTestDB(t)

	batch := db.CreateBatch()
	bands, err := GetRepository[Band](batch)
	if err != nil {
		t.Fatal(err)
	}
	if err := bands.Create(&Band{ID: "tool", Name: "Tool"}); err != nil {
		t.Fatal(err)
	}
	if err := bands.Update(&Band{ID: "ghost", Name: "Ghost"}); err != nil {
		t.Fatal(err)
	}
	if err := batch.Commit(ctx); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if store.Len("bands") != 0 {
		t.Fatal("failed commit left partial state")
	}
}

func TestBatch_CreateOverExistingIDMerges(t *testing.T) {
	ctx := context.Background()
	db, store := newTestDB(t)
	direct := mustRepo[Band](t, db)
	if _, err := direct.Create(ctx, &Band{ID: "tool", Name: "Tool", FormationYear: 1990}); err != nil {
		t.Fatal(err)
	}

	batch := db.CreateBatch()
	bands, err := GetRepository[Band](batch)
	if err != nil {
		t.Fatal(err)
	}
	if err := bands.Create(&Band{ID: "tool", Name: "Tool II"}); err != nil {
		t.Fatal(err)
	}
	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := direct.FindByID(ctx, "tool")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Tool II" || got.FormationYear != 1990 {
		t.Fatalf("merged band = %+v", got)
	}
	if store.Len("bands") != 1 {
		t.Fatalf("Len() = %d, want 1", store.Len("bands"))
	}
}

func TestBatch_UpdateFieldMask(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)
	direct := mustRepo[Record](t, db)
	if _, err := direct.Create(ctx, &Record{ID: "r1", A: 5, B: 7}); err != nil {
		t.Fatal(err)
	}

	batch := db.CreateBatch()
	records, err := GetRepository[Record](batch)
	if err != nil {
		t.Fatal(err)
	}
	if err := records.Update(&Record{ID: "r1", A: 9}); err != nil {
		t.Fatal(err)
	}
	if err := records.Update(&Record{ID: "r1"}, "a"); err != nil {
		t.Fatal(err)
	}
	if err := records.Update(&Record{ID: "r1"}, "nope"); !errors.Is(err, ErrInvalidProperty) {
		t.Fatalf("expected ErrInvalidProperty, got %v", err)
	}
	if batch.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", batch.Len())
	}
	if err := batch.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := direct.FindByID(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if got.A != 0 || got.B != 7 {
		t.Fatalf("got %+v, want A=0 B=7", *got)
	}
}

func TestBatch_Lifecycle(t *testing.T) {
	ctx := context.Background()
	db, _ := newTestDB(t)

	empty := db.CreateBatch()
	if err := empty.Commit(ctx); err != nil {
		t.Fatalf("empty Commit() error = %v", err)
	}

	batch := db.CreateBatch()
	bands, err := GetRepository[Band](batch)
	if err != nil {
		t.Fatal(err)
	}
	if err := bands.Create(&Band{ID: "tool", Name: "Tool"}); err != nil {
		t.Fatal(err)
	}
	if err := batch.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if err := batch.Commit(ctx); !errors.Is(err, ErrBatchCommitted) {
		t.Fatalf("expected ErrBatchCommitted, got %v", err)
	}
	late := &Band{Name: "Late"}
	if err := bands.Create(late); !errors.Is(err, ErrBatchCommitted) {
		t.Fatalf("expected ErrBatchCommitted, got %v", err)
	}
	if late.ID != "" {
		t.Fatal("rejected create must not assign an id")
	}
}

func TestBatch_Preconditions(t *testing.T) {
	db, _ := newTestDB(t)
	batch := db.CreateBatch()
	bands, err := GetRepository[Band](batch)
	if err != nil {
		t.Fatal(err)
	}

	if err := bands.Create(&Band{ID: "x"}); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := bands.Update(&Band{Name: "No id"}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	if err := bands.Delete(&Band{}); !errors.Is(err, ErrMissingID) {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}
	if err := bands.Delete(nil); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	if batch.Len() != 0 {
		t.Fatalf("rejected writes were staged: %d", batch.Len())
	}

	type unknown struct{ ID string }
	if _, err := GetRepository[unknown](batch); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := GetRepositoryAt[unknown](batch, "misc"); err != nil {
		t.Fatalf("GetRepositoryAt() error = %v", err)
	}
}

func TestSingleBatchRepository(t *testing.T) {
	ctx := context.Background()
	db, store := newTestDB(t)

	shared := db.CreateBatch()
	single, err := GetSingleRepository[Band](shared)
	if err != nil {
		t.Fatalf("GetSingleRepository() error = %v", err)
	}
	if err := single.Create(&Band{ID: "tool", Name: "Tool"}); err != nil {
		t.Fatal(err)
	}
	if err := single.Create(&Band{ID: "slayer", Name: "Slayer"}); err != nil {
		t.Fatal(err)
	}
	if shared.Len() != 0 {
		t.Fatal("a single repository must not stage on the shared batch")
	}
	if err := single.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if store.Len("bands") != 2 {
		t.Fatalf("expected 2 bands, got %d", store.Len("bands"))
	}
	if err := single.Commit(ctx); !errors.Is(err, ErrBatchCommitted) {
		t.Fatalf("expected ErrBatchCommitted, got %v", err)
	}

	at, err := GetSingleRepositoryAt[Album](shared, "bands/tool/albums")
	if err != nil {
		t.Fatal(err)
	}
	if err := at.Create(&Album{Title: "Lateralus"}); err != nil {
		t.Fatal(err)
	}
	if err := at.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if store.Len("bands/tool/albums") != 1 {
		t.Fatal("album not created")
	}
}

func TestBatch_CollectionOf(t *testing.T) {
	store := newTestStore()
	ref := store.Collection("bands/tool/albums").Doc("lateralus")
	if got := collectionOf(ref); got != "bands/tool/albums" {
		t.Fatalf("collectionOf() = %q", got)
	}
}
