package mongodb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/docorm/pkg/docstore"
	"github.com/nimburion/docorm/pkg/observability/logger"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, logger.NewNop())
	if err == nil {
		t.Fatal("expected error for empty URL and database")
	}

	_, err = New(Config{URL: "mongodb://localhost:27017"}, logger.NewNop())
	if err == nil {
		t.Fatal("expected error for empty database")
	}
}

func TestPing_WhenClosed(t *testing.T) {
	d := &Driver{closed: true}
	if err := d.Ping(context.Background()); !errors.Is(err, docstore.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestClose_IdempotentWhenAlreadyClosed(t *testing.T) {
	d := &Driver{closed: true}
	if err := d.Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestWithOperationTimeout_UsesDriverTimeoutWhenNoDeadline(t *testing.T) {
	d := &Driver{timeout: 2 * time.Second}

	ctx, cancel := d.withOperationTimeout(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("expected deadline from operation timeout")
	}
	if remaining := time.Until(deadline); remaining <= 0 || remaining > 2*time.Second {
		t.Fatalf("unexpected remaining timeout: %v", remaining)
	}
}

func TestWithOperationTimeout_PreservesCallerDeadline(t *testing.T) {
	d := &Driver{timeout: 2 * time.Second}
	parentCtx, parentCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer parentCancel()

	ctx, cancel := d.withOperationTimeout(parentCtx)
	defer cancel()

	parentDeadline, _ := parentCtx.Deadline()
	gotDeadline, _ := ctx.Deadline()
	if !gotDeadline.Equal(parentDeadline) {
		t.Fatalf("expected caller deadline to be preserved, got %v want %v", gotDeadline, parentDeadline)
	}
}

func TestBatch_RejectsForeignReference(t *testing.T) {
	d := &Driver{}
	other := &Driver{}
	b := d.Batch()
	b.Set(other.Collection("users").Doc("u1"), map[string]any{})
	if err := b.Commit(context.Background()); !errors.Is(err, docstore.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
}

func TestProperty_ClosedDriverRejectsOperations(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("closed driver fails every entry point", prop.ForAll(
		func() bool {
			d := &Driver{closed: true}
			ctx := context.Background()
			ref := d.Collection("users").Doc("")
			_, getErr := ref.Get(ctx)
			_, findErr := d.Collection("users").Query().Documents(ctx)
			txErr := d.RunTransaction(ctx, func(context.Context, docstore.Tx) error { return nil })
			return errors.Is(d.Ping(ctx), docstore.ErrClosed) &&
				errors.Is(getErr, docstore.ErrClosed) &&
				errors.Is(findErr, docstore.ErrClosed) &&
				errors.Is(ref.Set(ctx, map[string]any{}), docstore.ErrClosed) &&
				errors.Is(txErr, docstore.ErrClosed)
		},
	))

	properties.TestingRun(t)
}
