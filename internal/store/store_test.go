package store

import (
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

func msgAt(sec int64, content string) model.Message {
	return model.Message{Content: content, CreatedAt: time.Unix(sec, 0), Direction: model.DirectionOutbound}
}

func TestStore_AppendSnapshot(t *testing.T) {
	s := New()

	first := s.Append(1, msgAt(1, "a"))
	second := s.Append(1, msgAt(2, "b"))

	if len(first) != 1 {
		t.Errorf("old snapshot was mutated: len=%d", len(first))
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(second))
	}
	if &first[0] == &second[0] {
		t.Error("new snapshot must not share the backing array with the old one")
	}

	// Appending an older message must not reorder the previous snapshot either.
	third := s.Append(1, msgAt(0, "z"))
	if second[0].Content != "a" || second[1].Content != "b" {
		t.Errorf("previous snapshot changed: %v", second)
	}
	if third[0].Content != "z" {
		t.Errorf("expected older message first, got %v", third)
	}
}

func TestStore_ChronologicalMerge(t *testing.T) {
	s := New()

	// Live message t4 arrives before the historical batch.
	s.Append(1, msgAt(4, "t4"))
	for _, m := range []model.Message{msgAt(1, "t1"), msgAt(2, "t2"), msgAt(3, "t3")} {
		s.Append(1, m)
	}

	history := s.History(1)
	want := []string{"t1", "t2", "t3", "t4"}
	for i, w := range want {
		if history[i].Content != w {
			t.Fatalf("expected %v, got %v", want, contents(history))
		}
	}
}

func TestStore_EqualTimestampsKeepArrivalOrder(t *testing.T) {
	s := New()
	s.Append(1, msgAt(5, "first"))
	s.Append(1, msgAt(5, "second"))
	s.Append(1, msgAt(5, "third"))

	got := contents(s.History(1))
	if got[0] != "first" || got[1] != "second" || got[2] != "third" {
		t.Errorf("expected arrival order, got %v", got)
	}
}

func TestStore_ThreadIDAndClear(t *testing.T) {
	s := New()
	s.Append(1, msgAt(1, "a"))
	s.Append(2, msgAt(1, "b"))
	s.SetThreadID(1, "thread-1")

	if s.ThreadID(1) != "thread-1" {
		t.Errorf("expected thread-1, got %q", s.ThreadID(1))
	}

	channels := s.Channels()
	if len(channels) != 2 || channels[0] != 1 || channels[1] != 2 {
		t.Errorf("unexpected channels: %v", channels)
	}

	s.Clear(1)
	if s.Len(1) != 0 || s.ThreadID(1) != "" {
		t.Error("channel 1 should be cleared")
	}
	if s.Len(2) != 1 {
		t.Error("channel 2 should be untouched")
	}

	s.ClearAll()
	if len(s.Channels()) != 0 {
		t.Error("expected no channels after ClearAll")
	}
}

func TestStore_InsertSkipsKnownIDs(t *testing.T) {
	s := New()

	a := msgAt(1, "a")
	a.ID = "m-1"
	if !s.Insert(1, a) {
		t.Fatal("first insert should be stored")
	}
	dup := msgAt(5, "a, edited")
	dup.ID = "m-1"
	if s.Insert(1, dup) {
		t.Error("a known id must not be stored twice")
	}
	if !s.Insert(2, dup) {
		t.Error("ids are scoped per channel")
	}
	if !s.Insert(1, msgAt(2, "no id")) || !s.Insert(1, msgAt(2, "no id")) {
		t.Error("messages without an id are never rejected by the index")
	}

	s.Clear(1)
	if !s.Insert(1, a) {
		t.Error("clearing a channel forgets its ids")
	}
}

func TestStore_Confirm(t *testing.T) {
	s := New()

	local := msgAt(1, "hello")
	local.Direction = model.DirectionInbound
	local.LocalID = "local-1"
	before := s.Append(1, local)

	if !s.Confirm(1, "local-1", "m-1", "thread-1") {
		t.Fatal("expected the local message to be found")
	}
	after := s.History(1)
	if after[0].ID != "m-1" || after[0].ThreadID != "thread-1" {
		t.Errorf("message not confirmed: %+v", after[0])
	}
	if before[0].ID != "" {
		t.Error("the previous snapshot must not change")
	}

	server := msgAt(2, "hello")
	server.ID = "m-1"
	if s.Insert(1, server) {
		t.Error("the backend copy of a confirmed message is a duplicate")
	}
	if s.Confirm(1, "missing", "m-2", "") || s.Confirm(1, "", "m-2", "") {
		t.Error("unknown local ids are not confirmed")
	}
}

func TestStoreOrderingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("history is sorted regardless of append order", prop.ForAll(
		func(stamps []int64) bool {
			s := New()
			for _, ts := range stamps {
				s.Append(1, msgAt(ts, ""))
			}
			history := s.History(1)
			if len(history) != len(stamps) {
				return false
			}
			return sort.SliceIsSorted(history, func(i, j int) bool {
				return history[i].CreatedAt.Before(history[j].CreatedAt)
			})
		},
		gen.SliceOf(gen.Int64Range(0, 1000)),
	))

	properties.TestingRun(t)
}

func contents(history []model.Message) []string {
	out := make([]string, len(history))
	for i, m := range history {
		out[i] = m.Content
	}
	return out
}
