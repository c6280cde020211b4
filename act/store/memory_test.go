package store

import (
	"context"
	"testing"
)

func TestMemStoreModelsCreateFind(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	m := Model{ID: "wf1:1", Name: "wf1", Version: 1, Size: 10, Time: 100, Doc: "{}"}
	if err := s.Models().Create(ctx, m); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Models().Find(ctx, "wf1:1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.Name != "wf1" || got.Version != 1 {
		t.Fatalf("unexpected model: %+v", got)
	}
}

func TestMemStoreCreateDuplicateFails(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	p := Proc{ID: "p1", ModelID: "wf1:1", State: "Running"}
	if err := s.Procs().Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Procs().Create(ctx, p); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemStoreFindMissingReturnsNotFound(t *testing.T) {
	s := NewMemStore()
	if _, err := s.Tasks().Find(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreUpdateMissingReturnsNotFound(t *testing.T) {
	s := NewMemStore()
	err := s.Tasks().Update(context.Background(), Task{ID: "t1", PID: "p1"})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreQueryFiltersAndOrdersDeterministically(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	tasks := []Task{
		{ID: "p1.b", PID: "p1", TID: "b", State: "Ready"},
		{ID: "p1.a", PID: "p1", TID: "a", State: "Running"},
		{ID: "p2.a", PID: "p2", TID: "a", State: "Ready"},
	}
	for _, tk := range tasks {
		if err := s.Tasks().Create(ctx, tk); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := s.Tasks().Query(ctx, NewQuery().Push("pid", "p1"))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks for p1, got %d", len(got))
	}
	if got[0].ID != "p1.a" || got[1].ID != "p1.b" {
		t.Fatalf("expected sorted-by-id order, got %v, %v", got[0].ID, got[1].ID)
	}
}

func TestMemStoreQueryLimit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := s.Messages().Create(ctx, Message{ID: id, PID: "p1"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, err := s.Messages().Query(ctx, NewQuery().SetLimit(2))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected limit 2, got %d", len(got))
	}
}

func TestMemStoreDeleteRemovesRow(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Acts().Create(ctx, Act{ID: "a1", PID: "p1", Action: "create"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Acts().Delete(ctx, "a1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Acts().Find(ctx, "a1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
