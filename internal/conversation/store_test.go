package conversation

import (
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestStoreAppendsInOrder(t *testing.T) {
	store := NewStore(Options{Now: fixedClock()})
	store.AppendUser("how many rounds?")
	store.AppendAssistant("There are 12 rounds.", &ExecutedQuery{
		SQL:     "SELECT COUNT(*) FROM Round",
		Kind:    ResultRows,
		Payload: Payload{Columns: []string{"count"}, Rows: [][]any{{int64(12)}}},
	})

	turns := store.Turns()
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d", len(turns))
	}
	if turns[0].Speaker != SpeakerUser || turns[1].Speaker != SpeakerAssistant {
		t.Fatalf("speakers = %q, %q", turns[0].Speaker, turns[1].Speaker)
	}
	if turns[0].ID == "" || turns[0].ID == turns[1].ID {
		t.Fatalf("turn ids = %q, %q", turns[0].ID, turns[1].ID)
	}
	if turns[1].Query == nil || turns[1].Query.At.IsZero() {
		t.Fatalf("query = %+v", turns[1].Query)
	}
	if !turns[0].At.Before(turns[1].At) {
		t.Fatalf("timestamps out of order: %v, %v", turns[0].At, turns[1].At)
	}
}

func TestStoreBoundsTurnsAndResults(t *testing.T) {
	store := NewStore(Options{MaxTurns: 3, ResultContextSize: 2})
	for i := 0; i < 5; i++ {
		store.AppendAssistant("reply", &ExecutedQuery{SQL: string(rune('a' + i)), Kind: ResultAffected})
	}

	if got := store.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	results := store.ResultContext()
	if len(results) != 2 || results[0].SQL != "d" || results[1].SQL != "e" {
		t.Fatalf("ResultContext() = %+v", results)
	}
	if history := store.History(2); len(history) != 2 || history[1].Query.SQL != "e" {
		t.Fatalf("History(2) = %+v", history)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewStore(Options{})
	store.AppendAssistant("reply", &ExecutedQuery{SQL: "SELECT 1", Kind: ResultRows})

	turns := store.Turns()
	turns[0].Query.SQL = "DROP TABLE Score"
	turns[0].Text = "changed"

	again := store.Turns()
	if again[0].Query.SQL != "SELECT 1" || again[0].Text != "reply" {
		t.Fatalf("stored turn mutated through copy: %+v", again[0])
	}
	if store.ResultContext()[0].SQL != "SELECT 1" {
		t.Fatal("result context mutated through copy")
	}
}

func TestStoreClear(t *testing.T) {
	store := NewStore(Options{})
	store.AppendUser("hi")
	store.AppendAssistant("refused", &ExecutedQuery{SQL: "DELETE FROM StagedScore", Kind: ResultRefused})

	store.Clear()
	if store.Len() != 0 || len(store.Turns()) != 0 {
		t.Fatalf("turns after Clear = %+v", store.Turns())
	}
	if len(store.ResultContext()) != 0 {
		t.Fatalf("result context after Clear = %+v", store.ResultContext())
	}

	store.AppendUser("again")
	if len(store.ResultContext()) != 0 {
		t.Fatal("user turn must not create result context")
	}
}
