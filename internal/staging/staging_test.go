package staging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStageLifecycle(t *testing.T) {
	area, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stage, err := area.NewStage()
	if err != nil {
		t.Fatalf("NewStage: %v", err)
	}
	p := stage.Path("../../etc/passwd")
	if filepath.Dir(p) != stage.Dir() || filepath.Base(p) != "passwd" {
		t.Fatalf("Path escaped stage: %s", p)
	}
	if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, want := stage.Join("../a/b.txt"), filepath.Join(stage.Dir(), "a", "b.txt"); got != want {
		t.Fatalf("Join = %s, want %s", got, want)
	}
	stage.Remove()
	if _, err := os.Stat(stage.Dir()); !os.IsNotExist(err) {
		t.Fatalf("stage still present: %v", err)
	}
}

func TestSweepRemovesOnlyStaleStages(t *testing.T) {
	root := t.TempDir()
	area, err := New(root, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	old, _ := area.NewStage()
	fresh, _ := area.NewStage()
	foreign := filepath.Join(root, "keep-me")
	if err := os.Mkdir(foreign, 0o700); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-48 * time.Hour)
	for _, dir := range []string{old.Dir(), foreign} {
		if err := os.Chtimes(dir, past, past); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := area.Sweep(time.Hour, time.Now())
	if err != nil || removed != 1 {
		t.Fatalf("Sweep = %d, %v", removed, err)
	}
	if _, err := os.Stat(old.Dir()); !os.IsNotExist(err) {
		t.Fatalf("stale stage kept")
	}
	for _, dir := range []string{fresh.Dir(), foreign} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("%s removed: %v", dir, err)
		}
	}
}

func TestJanitorSweepsOnStart(t *testing.T) {
	area, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stale, _ := area.NewStage()
	past := time.Now().Add(-2 * time.Hour)
	_ = os.Chtimes(stale.Dir(), past, past)

	j, err := NewJanitor(area, "", time.Hour)
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	j.Start()
	defer j.Stop(context.Background())
	if _, err := os.Stat(stale.Dir()); !os.IsNotExist(err) {
		t.Fatalf("janitor did not sweep on start")
	}
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	area, _ := New(t.TempDir(), nil)
	if _, err := NewJanitor(area, "not a schedule", 0); err == nil {
		t.Fatalf("expected schedule error")
	}
}
