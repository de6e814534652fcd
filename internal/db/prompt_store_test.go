package db

import (
	"testing"
)

func newPromptStore(t *testing.T) *PromptStore {
	t.Helper()
	return NewPromptStore(newTestDB(t))
}

func TestCreateVersion_AssignsIncreasingVersions(t *testing.T) {
	store := newPromptStore(t)

	for want := 1; want <= 3; want++ {
		got, err := store.CreateVersion("greeting", "Hello {name}", []string{"name"}, "tester")
		if err != nil {
			t.Fatalf("CreateVersion #%d failed: %v", want, err)
		}
		if got != want {
			t.Errorf("CreateVersion #%d = %d, want %d", want, got, want)
		}
	}
}

func TestCreateVersion_FirstVersionAutoActivates(t *testing.T) {
	store := newPromptStore(t)

	if _, err := store.CreateVersion("greeting", "Hello {name}", []string{"name"}, "tester"); err != nil {
		t.Fatalf("CreateVersion failed: %v", err)
	}

	active, err := store.GetActive("greeting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != 1 {
		t.Errorf("active version = %d, want 1", active.Version)
	}
	if active.Template != "Hello {name}" {
		t.Errorf("active template = %q", active.Template)
	}
}

func TestCreateVersion_LaterVersionsDoNotActivate(t *testing.T) {
	store := newPromptStore(t)

	mustCreate(t, store, "greeting", "v1 {name}")
	mustCreate(t, store, "greeting", "v2 {name}")

	active, err := store.GetActive("greeting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != 1 {
		t.Errorf("active version = %d, want 1 (creation must not deploy)", active.Version)
	}
}

func TestCreateVersion_Validation(t *testing.T) {
	store := newPromptStore(t)

	cases := []struct {
		name      string
		prompt    string
		template  string
		variables []string
	}{
		{"empty template", "greeting", "", nil},
		{"whitespace template", "greeting", "   ", nil},
		{"empty prompt name", "", "Hello", nil},
		{"variable missing from template", "greeting", "Hello {name}", []string{"name", "tone"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.CreateVersion(tc.prompt, tc.template, tc.variables, "tester")
			if !IsValidation(err) {
				t.Errorf("CreateVersion = %v, want validation error", err)
			}
		})
	}
}

func TestCreateVersion_UndeclaredPlaceholdersAllowed(t *testing.T) {
	store := newPromptStore(t)

	// Declaring a subset of the placeholders is fine; only declared
	// variables are checked against the template.
	if _, err := store.CreateVersion("greeting", "Hello {name}, mood {mood}", []string{"name"}, "tester"); err != nil {
		t.Fatalf("CreateVersion = %v, want success", err)
	}
}

func TestActivateVersion(t *testing.T) {
	store := newPromptStore(t)
	mustCreate(t, store, "greeting", "v1")
	mustCreate(t, store, "greeting", "v2")

	if err := store.ActivateVersion("greeting", 2); err != nil {
		t.Fatalf("ActivateVersion failed: %v", err)
	}

	active, err := store.GetActive("greeting")
	if err != nil {
		t.Fatalf("GetActive failed: %v", err)
	}
	if active.Version != 2 {
		t.Errorf("active version = %d, want 2", active.Version)
	}
	if active.Template != "v2" {
		t.Errorf("active template = %q, want v2", active.Template)
	}
}

func TestActivateVersion_UnknownVersion(t *testing.T) {
	store := newPromptStore(t)
	mustCreate(t, store, "greeting", "v1")

	if err := store.ActivateVersion("greeting", 9); !IsNotFound(err) {
		t.Errorf("ActivateVersion(9) = %v, want not found", err)
	}
	if err := store.ActivateVersion("unknown", 1); !IsNotFound(err) {
		t.Errorf("ActivateVersion(unknown) = %v, want not found", err)
	}
}

func TestRollback_WithoutHistoryFails(t *testing.T) {
	store := newPromptStore(t)
	mustCreate(t, store, "greeting", "v1")

	// Only one version has ever been activated (the auto-activated
	// first version), so there is nothing to roll back to.
	if err := store.Rollback("greeting"); !IsState(err) {
		t.Errorf("Rollback = %v, want state error", err)
	}
}

func TestRollback_SwapsActiveAndPrevious(t *testing.T) {
	store := newPromptStore(t)
	mustCreate(t, store, "greeting", "v1")
	mustCreate(t, store, "greeting", "v2")

	if err := store.ActivateVersion("greeting", 2); err != nil {
		t.Fatalf("ActivateVersion failed: %v", err)
	}

	if err := store.Rollback("greeting"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	active, _ := store.GetActive("greeting")
	if active.Version != 1 {
		t.Errorf("after rollback active = %d, want 1", active.Version)
	}

	// A second rollback undoes the first.
	if err := store.Rollback("greeting"); err != nil {
		t.Fatalf("second Rollback failed: %v", err)
	}
	active, _ = store.GetActive("greeting")
	if active.Version != 2 {
		t.Errorf("after double rollback active = %d, want 2", active.Version)
	}
}

func TestRollback_UnknownName(t *testing.T) {
	store := newPromptStore(t)
	if err := store.Rollback("missing"); !IsNotFound(err) {
		t.Errorf("Rollback = %v, want not found", err)
	}
}

func TestGetActive_UnknownName(t *testing.T) {
	store := newPromptStore(t)
	if _, err := store.GetActive("missing"); !IsNotFound(err) {
		t.Errorf("GetActive = %v, want not found", err)
	}
}

func TestGetVersion(t *testing.T) {
	store := newPromptStore(t)
	mustCreate(t, store, "greeting", "v1")
	mustCreate(t, store, "greeting", "v2")

	row, err := store.GetVersion("greeting", 2)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if row.Template != "v2" {
		t.Errorf("template = %q, want v2", row.Template)
	}

	if _, err := store.GetVersion("greeting", 7); !IsNotFound(err) {
		t.Errorf("GetVersion(7) = %v, want not found", err)
	}
}

func TestListVersions_AscendingFreshRead(t *testing.T) {
	store := newPromptStore(t)
	mustCreate(t, store, "greeting", "v1")
	mustCreate(t, store, "greeting", "v2")

	rows, err := store.ListVersions("greeting")
	if err != nil {
		t.Fatalf("ListVersions failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
	if rows[0].Version != 1 || rows[1].Version != 2 {
		t.Errorf("order = [%d %d], want [1 2]", rows[0].Version, rows[1].Version)
	}

	// Each call is a fresh read: a version created after the first
	// list shows up in the next one.
	mustCreate(t, store, "greeting", "v3")
	rows, err = store.ListVersions("greeting")
	if err != nil {
		t.Fatalf("second ListVersions failed: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("len after create = %d, want 3", len(rows))
	}
}

func TestListNames(t *testing.T) {
	store := newPromptStore(t)
	mustCreate(t, store, "beta", "b")
	mustCreate(t, store, "alpha", "a")
	mustCreate(t, store, "alpha", "a2")

	names, err := store.ListNames()
	if err != nil {
		t.Fatalf("ListNames failed: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("names = %v, want [alpha beta]", names)
	}
}

func mustCreate(t *testing.T, store *PromptStore, name, template string) int {
	t.Helper()
	version, err := store.CreateVersion(name, template, nil, "tester")
	if err != nil {
		t.Fatalf("CreateVersion(%s) failed: %v", name, err)
	}
	return version
}
