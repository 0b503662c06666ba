package storage

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), DriverSQLite, path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, path
}

func mustSaveCard(t *testing.T, db *DB, id string, created time.Time) domain.Card {
	t.Helper()
	c := domain.NewCard(id, "alice", "aws-saa", domain.Content{Front: "Q " + id, Back: "A " + id}, created)
	if err := db.SaveCard(context.Background(), c); err != nil {
		t.Fatalf("Failed to save card %s: %v", id, err)
	}
	return c
}

func TestRebind(t *testing.T) {
	got := rebind("SELECT a FROM t WHERE b = ? AND c = ? OR d = ?")
	want := "SELECT a FROM t WHERE b = $1 AND c = $2 OR d = $3"
	if got != want {
		t.Errorf("Expected %q, but got %q", want, got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Error("Expected an error for an unsupported driver, but got nil")
	}
}

func TestCardRoundTrip(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	c := mustSaveCard(t, db, "c1", t0)

	got, err := db.GetCard(ctx, "alice", "aws-saa", "c1")
	if err != nil {
		t.Fatalf("GetCard: %v", err)
	}
	if got == nil {
		t.Fatal("Expected the card to exist, but got nil")
	}
	if got.Content != c.Content {
		t.Errorf("Expected content %+v, but got %+v", c.Content, got.Content)
	}
	if got.EaseFactor != domain.DefaultEaseFactor || got.IntervalDays != 0 || got.Mastered {
		t.Errorf("Expected default SRS fields, but got %+v", got)
	}
	if got.LastReviewedAt != nil {
		t.Errorf("Expected nil LastReviewedAt, but got %v", got.LastReviewedAt)
	}
	if !got.NextReviewAt.Equal(t0) || !got.CreatedAt.Equal(t0) {
		t.Errorf("Expected times %v, but got next=%v created=%v", t0, got.NextReviewAt, got.CreatedAt)
	}

	reviewed := t0.Add(time.Hour)
	c.EaseFactor = 2.6
	c.IntervalDays = 6
	c.RepetitionCount = 2
	c.TotalAttempts = 3
	c.CorrectAttempts = 2
	c.LastReviewedAt = &reviewed
	c.NextReviewAt = reviewed.AddDate(0, 0, 6)
	c.Mastered = true
	if err := db.SaveCard(ctx, c); err != nil {
		t.Fatalf("SaveCard: %v", err)
	}

	got, err = db.GetCard(ctx, "alice", "aws-saa", "c1")
	if err != nil {
		t.Fatalf("GetCard: %v", err)
	}
	if got.EaseFactor != 2.6 || got.IntervalDays != 6 || got.RepetitionCount != 2 {
		t.Errorf("Expected updated schedule, but got %+v", got)
	}
	if got.TotalAttempts != 3 || got.CorrectAttempts != 2 || !got.Mastered {
		t.Errorf("Expected updated counters, but got %+v", got)
	}
	if got.LastReviewedAt == nil || !got.LastReviewedAt.Equal(reviewed) {
		t.Errorf("Expected LastReviewedAt %v, but got %v", reviewed, got.LastReviewedAt)
	}
}

func TestGetCardScopedToOwnerAndTrack(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	mustSaveCard(t, db, "c1", t0)

	tests := []struct {
		name, owner, track, id string
	}{
		{"unknown id", "alice", "aws-saa", "nope"},
		{"other owner", "bob", "aws-saa", "c1"},
		{"other track", "alice", "gcp-ace", "c1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.GetCard(ctx, tt.owner, tt.track, tt.id)
			if err != nil {
				t.Fatalf("GetCard: %v", err)
			}
			if got != nil {
				t.Errorf("Expected nil, but got %+v", got)
			}
		})
	}
}

func TestListCardsOrder(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	mustSaveCard(t, db, "b", t0.Add(2*time.Second))
	mustSaveCard(t, db, "a", t0.Add(time.Second))
	mustSaveCard(t, db, "c", t0.Add(3*time.Second))

	cards, err := db.ListCards(ctx, "alice", "aws-saa")
	if err != nil {
		t.Fatalf("ListCards: %v", err)
	}
	var ids []string
	for _, c := range cards {
		ids = append(ids, c.ID)
	}
	if want := []string{"a", "b", "c"}; !slices.Equal(ids, want) {
		t.Errorf("Expected %v, but got %v", want, ids)
	}
}

func newSession(id string, queue ...string) *domain.Session {
	return &domain.Session{
		ID:        id,
		OwnerID:   "alice",
		TrackID:   "aws-saa",
		Queue:     queue,
		StartedAt: t0,
		SavedAt:   t0,
	}
}

func TestSaveSessionVersioning(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	s := newSession("s1", "c1", "c2")
	if err := db.SaveSession(ctx, s, 0); err != nil {
		t.Fatalf("SaveSession insert: %v", err)
	}
	if s.Version != 1 {
		t.Errorf("Expected version 1, but got %d", s.Version)
	}

	dup := newSession("s2", "c3")
	if err := db.SaveSession(ctx, dup, 0); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification for a second insert, but got %v", err)
	}

	s.CurrentIndex = 1
	s.Completed = []string{"c1"}
	if err := db.SaveSession(ctx, s, 1); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	if s.Version != 2 {
		t.Errorf("Expected version 2, but got %d", s.Version)
	}

	stale := newSession("s1", "c1", "c2")
	if err := db.SaveSession(ctx, stale, 1); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification for a stale version, but got %v", err)
	}

	got, err := db.GetSession(ctx, "alice", "aws-saa")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.CurrentIndex != 1 || !slices.Equal(got.Completed, []string{"c1"}) || got.Version != 2 {
		t.Errorf("Expected the second write to stick, but got %+v", got)
	}
}

func TestReplaceSession(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	old := newSession("s1", "c1")
	if err := db.SaveSession(ctx, old, 0); err != nil {
		t.Fatal(err)
	}
	fresh := newSession("s2", "c2", "c3")
	if err := db.ReplaceSession(ctx, fresh); err != nil {
		t.Fatalf("ReplaceSession: %v", err)
	}

	got, err := db.GetSession(ctx, "alice", "aws-saa")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "s2" || !slices.Equal(got.Queue, []string{"c2", "c3"}) {
		t.Errorf("Expected the new session, but got %+v", got)
	}

	// A writer still holding the replaced session must lose.
	old.CurrentIndex = 1
	if err := db.SaveSession(ctx, old, 1); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification, but got %v", err)
	}
}

func TestSessionSurvivesReopen(t *testing.T) {
	db, path := newTestDB(t)
	ctx := context.Background()

	s := newSession("s1", "c1", "c2", "c3")
	s.CurrentIndex = 2
	s.Completed = []string{"c1", "c2"}
	if err := db.SaveSession(ctx, s, 0); err != nil {
		t.Fatal(err)
	}
	db.Close()

	reopened, err := Open(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetSession(ctx, "alice", "aws-saa")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Expected the session to survive a restart, but got nil")
	}
	if !slices.Equal(got.Queue, s.Queue) || got.CurrentIndex != 2 || !slices.Equal(got.Completed, s.Completed) {
		t.Errorf("Expected %+v, but got %+v", s, got)
	}
	if !got.StartedAt.Equal(t0) {
		t.Errorf("Expected StartedAt %v, but got %v", t0, got.StartedAt)
	}
}

func TestApplyGrade(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()
	c := mustSaveCard(t, db, "c1", t0)
	mustSaveCard(t, db, "c2", t0.Add(time.Second))

	s := newSession("s1", "c1", "c2")
	if err := db.SaveSession(ctx, s, 0); err != nil {
		t.Fatal(err)
	}

	graded := c.Clone()
	graded.RepetitionCount = 1
	graded.TotalAttempts = 1
	graded.CorrectAttempts = 1
	next := s.Clone()
	next.CurrentIndex = 1
	next.Completed = []string{"c1"}

	err := db.ApplyGrade(ctx, GradeWrite{Card: graded, Session: &next, ExpectedVersion: s.Version})
	if err != nil {
		t.Fatalf("ApplyGrade: %v", err)
	}

	got, _ := db.GetCard(ctx, "alice", "aws-saa", "c1")
	if got.RepetitionCount != 1 || got.TotalAttempts != 1 {
		t.Errorf("Expected the graded card to be stored, but got %+v", got)
	}
	stored, _ := db.GetSession(ctx, "alice", "aws-saa")
	if stored.CurrentIndex != 1 || stored.Version != 2 {
		t.Errorf("Expected the session to advance, but got %+v", stored)
	}

	t.Run("stale version rolls back the card", func(t *testing.T) {
		again := graded.Clone()
		again.TotalAttempts = 99
		err := db.ApplyGrade(ctx, GradeWrite{Card: again, Session: &next, ExpectedVersion: 1})
		if !errors.Is(err, domain.ErrConcurrentModification) {
			t.Fatalf("Expected ErrConcurrentModification, but got %v", err)
		}
		got, _ := db.GetCard(ctx, "alice", "aws-saa", "c1")
		if got.TotalAttempts != 1 {
			t.Errorf("Expected the card write to roll back, but got %d attempts", got.TotalAttempts)
		}
	})

	t.Run("completion deletes the session", func(t *testing.T) {
		last := stored.Clone()
		last.CurrentIndex = 2
		last.Completed = []string{"c1", "c2"}
		c2, _ := db.GetCard(ctx, "alice", "aws-saa", "c2")
		err := db.ApplyGrade(ctx, GradeWrite{Card: *c2, Session: &last, ExpectedVersion: stored.Version, Complete: true})
		if err != nil {
			t.Fatalf("ApplyGrade: %v", err)
		}
		if s, _ := db.GetSession(ctx, "alice", "aws-saa"); s != nil {
			t.Errorf("Expected no session after completion, but got %+v", s)
		}
	})

	t.Run("missing card", func(t *testing.T) {
		ghost := domain.NewCard("ghost", "alice", "aws-saa", domain.Content{Front: "?"}, t0)
		err := db.ApplyGrade(ctx, GradeWrite{Card: ghost})
		if !errors.Is(err, domain.ErrCardNotFound) {
			t.Errorf("Expected ErrCardNotFound, but got %v", err)
		}
	})
}

func TestResetTrack(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	c := mustSaveCard(t, db, "c1", t0)
	mustSaveCard(t, db, "c2", t0.Add(time.Second))
	other := domain.NewCard("x", "alice", "gcp-ace", domain.Content{Front: "other"}, t0)
	other.Mastered = true
	if err := db.SaveCard(ctx, other); err != nil {
		t.Fatal(err)
	}

	reviewed := t0
	c.Mastered = true
	c.RepetitionCount = 3
	c.TotalAttempts = 5
	c.LastReviewedAt = &reviewed
	c.NextReviewAt = t0.AddDate(0, 0, 17)
	if err := db.SaveCard(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSession(ctx, newSession("s1", "c1", "c2"), 0); err != nil {
		t.Fatal(err)
	}

	now := t0.AddDate(0, 0, 1)
	n, err := db.ResetTrack(ctx, "alice", "aws-saa", now)
	if err != nil {
		t.Fatalf("ResetTrack: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 cards reset, but got %d", n)
	}

	got, _ := db.GetCard(ctx, "alice", "aws-saa", "c1")
	if got.Mastered || got.RepetitionCount != 0 || got.TotalAttempts != 0 || got.LastReviewedAt != nil {
		t.Errorf("Expected a never-studied card, but got %+v", got)
	}
	if !got.NextReviewAt.Equal(now) || got.EaseFactor != domain.DefaultEaseFactor {
		t.Errorf("Expected next=%v ease=%v, but got %+v", now, domain.DefaultEaseFactor, got)
	}
	if s, _ := db.GetSession(ctx, "alice", "aws-saa"); s != nil {
		t.Errorf("Expected the session to be deleted, but got %+v", s)
	}
	if o, _ := db.GetCard(ctx, "alice", "gcp-ace", "x"); !o.Mastered {
		t.Error("Expected a card on another track to be untouched")
	}

	epoch, err := db.TrackEpoch(ctx, "alice", "aws-saa")
	if err != nil || epoch != 1 {
		t.Errorf("Expected epoch 1, but got %d (err %v)", epoch, err)
	}

	// A grade computed before the reset must not land.
	stale := c.Clone()
	err = db.ApplyGrade(ctx, GradeWrite{Card: stale, Epoch: 0})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification for a pre-reset epoch, but got %v", err)
	}
	if got, _ := db.GetCard(ctx, "alice", "aws-saa", "c1"); got.Mastered {
		t.Error("Expected the stale grade to be rejected")
	}
}

func TestSources(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	id, err := db.InsertSource(ctx, Source{Path: "/decks/aws", OwnerID: "alice", TrackID: "aws-saa"})
	if err != nil {
		t.Fatalf("InsertSource: %v", err)
	}
	if _, err := db.InsertSource(ctx, Source{Path: "/decks/aws", OwnerID: "alice", TrackID: "aws-saa"}); err == nil {
		t.Error("Expected a duplicate source to be rejected")
	}

	s, err := db.FindSourceByPath(ctx, "alice", "aws-saa", "/decks/aws")
	if err != nil || s == nil {
		t.Fatalf("FindSourceByPath: %v, %v", s, err)
	}
	if s.ID != id || s.Type != SourceLocal || s.LastScanned != nil {
		t.Errorf("Unexpected source %+v", s)
	}

	if _, err := db.InsertSource(ctx, Source{Path: "/decks/gcp", OwnerID: "bob", TrackID: "gcp-ace"}); err != nil {
		t.Fatalf("InsertSource: %v", err)
	}
	mine, err := db.GetSourcesForOwner(ctx, "alice")
	if err != nil || len(mine) != 1 || mine[0].ID != id {
		t.Errorf("Expected only alice's source, but got %+v (err %v)", mine, err)
	}

	c := domain.NewCard("c1", "alice", "aws-saa", domain.Content{Front: "Q"}, t0)
	if err := db.InsertCard(ctx, c, id); err != nil {
		t.Fatalf("InsertCard: %v", err)
	}
	cards, err := db.GetCardsBySourceID(ctx, id)
	if err != nil || len(cards) != 1 {
		t.Fatalf("Expected 1 card for the source, but got %d (err %v)", len(cards), err)
	}

	if err := db.UpdateSourceLastScanned(ctx, id, t0); err != nil {
		t.Fatal(err)
	}
	s, _ = db.GetSource(ctx, id)
	if s.LastScanned == nil || !s.LastScanned.Equal(t0) {
		t.Errorf("Expected LastScanned %v, but got %v", t0, s.LastScanned)
	}

	if err := db.DeleteSource(ctx, id); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if all, _ := db.GetAllSources(ctx); len(all) != 1 || all[0].OwnerID != "bob" {
		t.Errorf("Expected only bob's source to remain, but got %v", all)
	}
	if got, _ := db.GetCard(ctx, "alice", "aws-saa", "c1"); got == nil {
		t.Error("Expected the card to outlive its source")
	}
}
