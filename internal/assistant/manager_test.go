package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clubrecords/sqlassist/internal/identity"
	"github.com/clubrecords/sqlassist/internal/nl2sql"
	"github.com/clubrecords/sqlassist/internal/policy"
)

func newTestManager(t *testing.T, model nl2sql.Model, ttl time.Duration) *Manager {
	t.Helper()
	return newTestManagerWith(t, model, ManagerOptions{IdleTTL: ttl})
}

func newTestManagerWith(t *testing.T, model nl2sql.Model, opts ManagerOptions) *Manager {
	t.Helper()
	generator, err := nl2sql.NewGenerator(model, nl2sql.GeneratorOptions{})
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	manager, err := NewManager(Dependencies{
		Generator: generator,
		Policies:  &policy.Builder{Schema: policy.StaticSchema(testSchema)},
		Executor:  &recordingExecutor{},
	}, opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return manager
}

func TestManagerReusesSessionForSameIdentity(t *testing.T) {
	manager := newTestManager(t, &scriptedModel{responses: []string{"ok"}}, time.Hour)

	first, err := manager.Session("s1", archer7)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	second, err := manager.Session("s1", archer7)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if first != second {
		t.Fatal("expected the same session")
	}

	other, err := manager.Session("s2", archer7)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if other == first || manager.Len() != 2 {
		t.Fatal("sessions must be independent")
	}
}

func TestManagerReplacesSessionWhenIdentityChanges(t *testing.T) {
	manager := newTestManager(t, &scriptedModel{responses: []string{"Rounds are shot at set distances."}}, time.Hour)

	session, _ := manager.Session("s1", archer7)
	session.HandleUserTurn(context.Background(), "what is a round?")
	if len(session.Turns()) != 2 {
		t.Fatalf("turns = %d", len(session.Turns()))
	}

	promoted := archer7
	promoted.Role = identity.RoleAdmin
	replaced, err := manager.Session("s1", promoted)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if replaced == session || len(replaced.Turns()) != 0 || replaced.Identity().Role != identity.RoleAdmin {
		t.Fatal("identity change must start a fresh session")
	}
	if _, ok := manager.Lookup("s1", archer7); ok {
		t.Fatal("old identity must not find the replaced session")
	}
}

func TestManagerRefusesSessionOfAnotherUser(t *testing.T) {
	manager := newTestManager(t, &scriptedModel{responses: []string{"Rounds are shot at set distances."}}, time.Hour)

	session, _ := manager.Session("s1", archer7)
	session.HandleUserTurn(context.Background(), "what is a round?")

	if _, err := manager.Session("s1", recorder); !errors.Is(err, ErrSessionOwned) {
		t.Fatalf("Session() error = %v, want ErrSessionOwned", err)
	}
	kept, ok := manager.Lookup("s1", archer7)
	if !ok || kept != session || len(kept.Turns()) != 2 {
		t.Fatal("owner session must survive a foreign claim")
	}
}

func TestManagerSharesTurnLimitAcrossUserSessions(t *testing.T) {
	manager := newTestManagerWith(t, &scriptedModel{responses: []string{"ok"}}, ManagerOptions{
		Session: SessionOptions{TurnsPerMinute: 1, TurnBurst: 1},
	})

	first, _ := manager.Session("s1", archer7)
	second, _ := manager.Session("s2", archer7)
	other, _ := manager.Session("s3", recorder)

	if !first.Allow() {
		t.Fatal("first turn should be allowed")
	}
	if second.Allow() {
		t.Fatal("a new session must not reset the user's turn limit")
	}
	if !other.Allow() {
		t.Fatal("another user has its own limit")
	}
}

func TestManagerCapsSessionsPerUser(t *testing.T) {
	manager := newTestManagerWith(t, &scriptedModel{responses: []string{"ok"}}, ManagerOptions{MaxSessionsPerUser: 2})
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	for _, id := range []string{"a", "b", "c"} {
		if _, err := manager.Session(id, archer7); err != nil {
			t.Fatalf("Session(%s) error = %v", id, err)
		}
		now = now.Add(time.Second)
	}
	if _, err := manager.Session("r", recorder); err != nil {
		t.Fatalf("Session() error = %v", err)
	}

	if manager.Len() != 3 {
		t.Fatalf("len = %d, want 3", manager.Len())
	}
	if _, ok := manager.Lookup("a", archer7); ok {
		t.Fatal("least recently used session should be evicted")
	}
	if _, ok := manager.Lookup("c", archer7); !ok {
		t.Fatal("newest session evicted")
	}
}

func TestManagerSweepEvictsIdleSessions(t *testing.T) {
	manager := newTestManager(t, &scriptedModel{responses: []string{"ok"}}, time.Minute)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }

	if _, err := manager.Session("old", archer7); err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := manager.Session("fresh", recorder); err != nil {
		t.Fatalf("Session() error = %v", err)
	}

	if removed := manager.Sweep(); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := manager.Lookup("fresh", recorder); !ok {
		t.Fatal("fresh session evicted")
	}
	if _, ok := manager.Lookup("old", archer7); ok {
		t.Fatal("idle session kept")
	}
}

func TestManagerDrop(t *testing.T) {
	manager := newTestManager(t, &scriptedModel{responses: []string{"ok"}}, time.Hour)
	if _, err := manager.Session("s1", admin); err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	manager.Drop("s1")
	if manager.Len() != 0 {
		t.Fatalf("len = %d", manager.Len())
	}
}

func TestManagerRequiresDependencies(t *testing.T) {
	if _, err := NewManager(Dependencies{}, ManagerOptions{}); err == nil {
		t.Fatal("expected dependency error")
	}
	if _, err := newTestManager(t, &scriptedModel{responses: []string{"ok"}}, time.Hour).Session("", admin); err == nil {
		t.Fatal("expected empty session id error")
	}
}
