package load

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dnl0037/db-migrations/internal/model"
	"github.com/dnl0037/db-migrations/internal/target"
)

func user(id int64, username string) *model.User {
	return &model.User{
		ID: id, OldID: id, Username: username, Email: username + "@x.com",
		HashedPassword:   "!migrated:" + username,
		IsActive:         true,
		RegistrationDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func fastOptions(retries int) Options {
	return Options{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func transient(msg string) error {
	return fmt.Errorf("%w: %s", target.ErrTransient, msg)
}

func TestLoadBatch_AllRowsLoad(t *testing.T) {
	store := target.NewMockStore()
	l := New(store, fastOptions(0), nil)

	res, err := l.LoadBatch(context.Background(), []model.Entity{user(1, "alice"), user(2, "bob")}, model.EntityUsers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Loaded) != 2 || len(res.Failed) != 0 || res.BatchErr != nil {
		t.Errorf("result = %+v", res)
	}
	if store.Commits != 1 {
		t.Errorf("commits = %d, want 1", store.Commits)
	}
}

func TestLoadBatch_UniqueViolationFailsOnlyThatRow(t *testing.T) {
	store := target.NewMockStore()
	l := New(store, fastOptions(0), nil)

	res, err := l.LoadBatch(context.Background(),
		[]model.Entity{user(1, "alice"), user(2, "alice"), user(3, "carol")}, model.EntityUsers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Loaded) != 2 {
		t.Errorf("loaded = %d, want 2", len(res.Loaded))
	}
	if len(res.Failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(res.Failed))
	}
	f := res.Failed[0]
	if f.OldKey != 2 || f.Reason.String() != "unique_violation:users_username_key" || f.Stage != model.StageLoad {
		t.Errorf("failure = %+v", f)
	}
	if n, _ := store.Count(context.Background(), model.KindUser); n != 2 {
		t.Errorf("stored users = %d, want 2", n)
	}
}

func TestLoadBatch_ForeignKeyViolation(t *testing.T) {
	store := target.NewMockStore()
	l := New(store, fastOptions(0), nil)
	order := &model.Order{ID: 1, OldID: 10, UserID: 42, ShippingAddressID: 42, Status: model.StatusPending}

	res, _ := l.LoadBatch(context.Background(), []model.Entity{order}, model.EntityOrders)
	if len(res.Failed) != 1 || res.Failed[0].Reason.String() != "load_failed:orders_user_id_fkey" {
		t.Errorf("failed = %v", res.Failed)
	}
}

func TestLoadBatch_RetriesTransientInsert(t *testing.T) {
	calls := 0
	store := &target.MockStore{InsertErr: func(model.Entity) error {
		calls++
		if calls == 1 {
			return transient("serialization failure")
		}
		return nil
	}}
	l := New(store, fastOptions(2), nil)

	res, err := l.LoadBatch(context.Background(), []model.Entity{user(1, "alice")}, model.EntityUsers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Attempts != 2 || len(res.Loaded) != 1 {
		t.Errorf("attempts = %d, loaded = %d", res.Attempts, len(res.Loaded))
	}
	if n, _ := store.Count(context.Background(), model.KindUser); n != 1 {
		t.Errorf("stored users = %d, want 1", n)
	}
}

func TestLoadBatch_RetryBudgetExhausted(t *testing.T) {
	store := &target.MockStore{InsertErr: func(e model.Entity) error {
		if e.SourceKey() == 2 {
			return transient("deadlock detected")
		}
		return nil
	}}
	l := New(store, fastOptions(1), nil)

	res, err := l.LoadBatch(context.Background(), []model.Entity{user(1, "alice"), user(2, "bob")}, model.EntityUsers)
	if err != nil {
		t.Fatalf("batch failure must not be fatal: %v", err)
	}
	if res.BatchErr == nil || res.Attempts != 2 {
		t.Fatalf("BatchErr = %v, attempts = %d", res.BatchErr, res.Attempts)
	}
	if len(res.Loaded) != 0 || len(res.Failed) != 2 {
		t.Fatalf("loaded = %d, failed = %d", len(res.Loaded), len(res.Failed))
	}
	for _, f := range res.Failed {
		if f.Reason.Code != model.CodeBatchFailed || f.Stage != model.StageBatch {
			t.Errorf("failure = %+v", f)
		}
	}
	if n, _ := store.Count(context.Background(), model.KindUser); n != 0 {
		t.Errorf("stored users = %d, want 0", n)
	}
}

func TestLoadBatch_CommitErrorIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"transient", transient("connection reset during commit")},
		{"permanent", errors.New("disk full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &target.MockStore{CommitErrs: []error{tt.err}}
			l := New(store, fastOptions(3), nil)

			res, err := l.LoadBatch(context.Background(), []model.Entity{user(1, "alice"), user(2, "bob")}, model.EntityUsers)
			if err != nil {
				t.Fatalf("batch failure must not be fatal: %v", err)
			}
			if !errors.Is(res.BatchErr, tt.err) || res.Attempts != 1 {
				t.Fatalf("BatchErr = %v, attempts = %d", res.BatchErr, res.Attempts)
			}
			if store.Begins != 1 {
				t.Errorf("begins = %d, want 1", store.Begins)
			}
			if len(res.Loaded) != 0 || len(res.Failed) != 2 {
				t.Fatalf("loaded = %d, failed = %d", len(res.Loaded), len(res.Failed))
			}
			for _, f := range res.Failed {
				if f.Reason.Code != model.CodeBatchFailed {
					t.Errorf("failure = %+v", f)
				}
			}
		})
	}
}

func TestLoadBatch_StorageErrorRollsBackWithoutRetry(t *testing.T) {
	boom := errors.New("disk full")
	store := &target.MockStore{InsertErr: func(e model.Entity) error {
		if e.SourceKey() == 2 {
			return boom
		}
		return nil
	}}
	l := New(store, fastOptions(3), nil)

	res, err := l.LoadBatch(context.Background(), []model.Entity{user(1, "alice"), user(2, "bob")}, model.EntityUsers)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(res.BatchErr, boom) || res.Attempts != 1 {
		t.Errorf("BatchErr = %v, attempts = %d", res.BatchErr, res.Attempts)
	}
	if store.Rollbacks != 1 || store.Commits != 0 {
		t.Errorf("rollbacks = %d, commits = %d", store.Rollbacks, store.Commits)
	}
}

func TestLoadBatch_BeginFailureIsFatal(t *testing.T) {
	refused := errors.New("connection refused")
	store := &target.MockStore{BeginErrs: []error{refused, refused}}
	l := New(store, fastOptions(1), nil)

	_, err := l.LoadBatch(context.Background(), []model.Entity{user(1, "alice")}, model.EntityUsers)
	if !errors.Is(err, target.ErrUnavailable) || !errors.Is(err, refused) {
		t.Fatalf("err = %v, want ErrUnavailable wrapping the cause", err)
	}
	if store.Begins != 2 {
		t.Errorf("begins = %d, want 2", store.Begins)
	}
}

func TestLoadBatch_BeginRecovers(t *testing.T) {
	store := &target.MockStore{BeginErrs: []error{errors.New("connection reset")}}
	l := New(store, fastOptions(1), nil)

	res, err := l.LoadBatch(context.Background(), []model.Entity{user(1, "alice")}, model.EntityUsers)
	if err != nil || len(res.Loaded) != 1 {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
}

func TestLoadBatch_CancelledContextStillCommits(t *testing.T) {
	store := target.NewMockStore()
	l := New(store, fastOptions(0), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := l.LoadBatch(ctx, []model.Entity{user(1, "alice")}, model.EntityUsers)
	if err != nil || len(res.Loaded) != 1 {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
	if store.Commits != 1 {
		t.Errorf("commits = %d, want 1", store.Commits)
	}
}
