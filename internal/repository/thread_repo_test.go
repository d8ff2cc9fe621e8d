package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/sessionhub/internal/db"
	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *ThreadRepository {
	t.Helper()
	testDB, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { testDB.Close() })
	return NewThreadRepository(testDB)
}

func newThread(participant, workflowType string, at time.Time) *model.Thread {
	return &model.Thread{
		ID:            uuid.NewString(),
		Agent:         workflowType,
		WorkflowType:  workflowType,
		ParticipantID: participant,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func message(threadID string, dir model.Direction, content string, at time.Time) *model.Message {
	return &model.Message{
		ID:            uuid.NewString(),
		ThreadID:      threadID,
		Direction:     dir,
		Content:       content,
		ParticipantID: "p-1",
		CreatedAt:     at,
	}
}

func TestThreadRepository_CreateAndGet(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	thread := newThread("p-1", "planner", base)
	thread.TenantID = "acme"
	if err := repo.CreateThread(ctx, thread); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ParticipantID != "p-1" || got.TenantID != "acme" || !got.CreatedAt.Equal(base) {
		t.Errorf("unexpected thread: %+v", got)
	}

	if _, err := repo.GetThread(ctx, "missing"); !errors.Is(err, model.ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestThreadRepository_LatestThread(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	older := newThread("p-1", "planner", base)
	newer := newThread("p-1", "planner", base.Add(time.Minute))
	other := newThread("p-1", "coder", base.Add(time.Hour))
	for _, th := range []*model.Thread{older, newer, other} {
		if err := repo.CreateThread(ctx, th); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := repo.LatestThread(ctx, "p-1", "planner")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != newer.ID {
		t.Errorf("expected the newer thread, got %s", got.ID)
	}

	// Activity on the older thread makes it the latest.
	if err := repo.AppendMessage(ctx, message(older.ID, model.DirectionInbound, "hi", base.Add(2*time.Minute)), "planner"); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err = repo.LatestThread(ctx, "p-1", "planner")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != older.ID {
		t.Errorf("expected the recently active thread, got %s", got.ID)
	}

	if _, err := repo.LatestThread(ctx, "p-2", "planner"); !errors.Is(err, model.ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound, got %v", err)
	}

	threads, err := repo.ListThreads(ctx, "p-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(threads) != 3 || threads[0].ID != other.ID {
		t.Errorf("unexpected thread listing: %d threads", len(threads))
	}
}

func TestThreadRepository_AppendToMissingThread(t *testing.T) {
	repo := newRepo(t)

	err := repo.AppendMessage(context.Background(), message("ghost", model.DirectionInbound, "hi", base), "planner")
	if !errors.Is(err, model.ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound, got %v", err)
	}
}

func TestThreadRepository_ListMessagesNewestFirst(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	thread := newThread("p-1", "planner", base)
	if err := repo.CreateThread(ctx, thread); err != nil {
		t.Fatalf("create: %v", err)
	}

	contents := []string{"one", "two", "three", "four", "five"}
	for i, c := range contents {
		dir := model.DirectionInbound
		if i%2 == 1 {
			dir = model.DirectionOutbound
		}
		if err := repo.AppendMessage(ctx, message(thread.ID, dir, c, base.Add(time.Duration(i)*time.Second)), "planner"); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	page1, err := repo.ListMessages(ctx, thread.ID, 1, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1) != 2 || page1[0].Content != "five" || page1[1].Content != "four" {
		t.Errorf("unexpected first page: %+v", page1)
	}
	if page1[1].Direction != model.DirectionOutbound {
		t.Errorf("expected outbound direction, got %s", page1[1].Direction)
	}

	page3, err := repo.ListMessages(ctx, thread.ID, 3, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page3) != 1 || page3[0].Content != "one" {
		t.Errorf("unexpected last page: %+v", page3)
	}

	empty, err := repo.ListMessages(ctx, thread.ID, 4, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected an empty page, got %d", len(empty))
	}

	if _, err := repo.ListMessages(ctx, thread.ID, 1, 0); err == nil {
		t.Error("expected an error for a zero page size")
	}

	count, err := repo.CountMessages(ctx, thread.ID)
	if err != nil || count != 5 {
		t.Errorf("expected 5 messages, got %d (%v)", count, err)
	}
}

func TestThreadRepository_DeleteThread(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	thread := newThread("p-1", "planner", base)
	if err := repo.CreateThread(ctx, thread); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.AppendMessage(ctx, message(thread.ID, model.DirectionInbound, "hi", base), "planner"); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := repo.DeleteThread(ctx, thread.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if count, _ := repo.CountMessages(ctx, thread.ID); count != 0 {
		t.Errorf("expected messages to be removed, got %d", count)
	}
	if err := repo.DeleteThread(ctx, thread.ID); !errors.Is(err, model.ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound on second delete, got %v", err)
	}
}

func TestInitDB_File(t *testing.T) {
	db.ResetDB()
	t.Cleanup(db.ResetDB)

	database, err := db.InitDB(filepath.Join(t.TempDir(), "threads.db"))
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	repo := NewThreadRepository(database)
	if err := repo.CreateThread(context.Background(), newThread("p-1", "planner", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if db.GetDB() != database {
		t.Error("expected GetDB to return the initialized handle")
	}
}

// Paging through a thread visits every message exactly once, newest first.
func TestThreadRepository_PaginationProperty(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("pages concatenate to the full thread in descending time order", prop.ForAll(
		func(offsets []int, pageSize int) bool {
			thread := newThread("p-1", "planner", base)
			if err := repo.CreateThread(ctx, thread); err != nil {
				t.Logf("create: %v", err)
				return false
			}

			for _, off := range offsets {
				msg := message(thread.ID, model.DirectionInbound, "m", base.Add(time.Duration(off)*time.Millisecond))
				if err := repo.AppendMessage(ctx, msg, "planner"); err != nil {
					t.Logf("append: %v", err)
					return false
				}
			}

			var all []model.Message
			for page := 1; ; page++ {
				batch, err := repo.ListMessages(ctx, thread.ID, page, pageSize)
				if err != nil {
					t.Logf("list: %v", err)
					return false
				}
				if len(batch) == 0 {
					break
				}
				all = append(all, batch...)
			}

			if len(all) != len(offsets) {
				return false
			}
			seen := make(map[string]bool, len(all))
			for _, m := range all {
				if seen[m.ID] {
					return false
				}
				seen[m.ID] = true
			}
			return sort.SliceIsSorted(all, func(i, j int) bool {
				return all[i].CreatedAt.After(all[j].CreatedAt)
			})
		},
		gen.SliceOf(gen.IntRange(0, 10000)),
		gen.IntRange(1, 7),
	))

	properties.TestingRun(t)
}
