package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/terminus/internal/transfer"
)

func record(id, session string, status transfer.Status, end time.Time) transfer.Record {
	return transfer.Record{
		ID:               id,
		SessionID:        session,
		Name:             id + ".bin",
		RemotePath:       "/tmp/" + id,
		Direction:        transfer.Download,
		TotalBytes:       600,
		TransferredBytes: 600,
		Status:           status,
		StartTime:        end.Add(-time.Second),
		EndTime:          end,
	}
}

func TestRecordAndRecent(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "db", "history.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, id := range []string{"a", "b", "c"} {
		session := "s1"
		if id == "c" {
			session = "s2"
		}
		if err := store.Record(ctx, record(id, session, transfer.StatusCompleted, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Record %s: %v", id, err)
		}
	}

	all, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 || all[0].TransferID != "c" || all[2].TransferID != "a" {
		t.Fatalf("Recent order = %+v", all)
	}
	s1, err := store.Recent(ctx, "s1", 1)
	if err != nil || len(s1) != 1 || s1[0].TransferID != "b" {
		t.Fatalf("Recent(s1) = %+v, %v", s1, err)
	}
	if s1[0].TransferredBytes != 600 || s1[0].Status != "completed" {
		t.Fatalf("row = %+v", s1[0])
	}
}

func TestRecordRejectsRunningTransfers(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	err = store.Record(context.Background(), record("x", "", transfer.StatusInProgress, time.Now()))
	if !errors.Is(err, transfer.ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
}

func TestDisabledStore(t *testing.T) {
	store, err := Open("", nil)
	if err != nil || store != nil {
		t.Fatalf("Open(\"\") = %v, %v", store, err)
	}
	if store.Enabled() {
		t.Fatalf("nil store enabled")
	}
	if err := store.Record(context.Background(), record("x", "", transfer.StatusCompleted, time.Now())); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Record err = %v", err)
	}
	if rows, err := store.Recent(context.Background(), "", 5); rows != nil || err != nil {
		t.Fatalf("Recent = %v, %v", rows, err)
	}
	if store.Hook() != nil {
		t.Fatalf("disabled store returned a hook")
	}
}

func TestHookFeedsManager(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	mgr := transfer.NewManager(nil)
	mgr.OnDone(store.Hook())
	run := mgr.Begin(context.Background(), transfer.Spec{Name: "f.txt", Direction: transfer.Upload, TotalBytes: 3}, transfer.UploadInterval, nil)
	run.Meter.Add(3)
	mgr.End(run, nil)

	rows, err := store.Recent(context.Background(), "", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("Recent = %+v, %v", rows, err)
	}
	if rows[0].Name != "f.txt" || rows[0].Status != "completed" || rows[0].TransferredBytes != 3 {
		t.Fatalf("row = %+v", rows[0])
	}
}
