// SPDX-License-Identifier: MPL-2.0

package sessionstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/invowk/packwire/internal/container"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "~st2", ".sessions.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(id string, started time.Time) container.Session {
	return container.Session{
		ID:        container.ContainerID(id),
		Name:      container.SessionNamePrefix + id,
		Image:     "lambci/lambda:build-python2.7",
		Workspace: container.VolumeMount{HostPath: "/p/~st2", ContainerPath: "/var/task/~st2"},
		StartedAt: started,
	}
}

func TestStore_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	if _, err := s.Latest(ctx); !errors.Is(err, ErrNoRunningSession) {
		t.Errorf("Latest() on empty store err = %v", err)
	}

	if err := s.RecordStart(ctx, testSession("older", base)); err != nil {
		t.Fatalf("RecordStart() error: %v", err)
	}
	if err := s.RecordStart(ctx, testSession("newer", base.Add(time.Minute))); err != nil {
		t.Fatalf("RecordStart() error: %v", err)
	}

	latest, err := s.Latest(ctx)
	if err != nil || latest.ID != "newer" || latest.Workspace != "/p/~st2:/var/task/~st2" {
		t.Fatalf("Latest() = %+v, %v", latest, err)
	}

	if err := s.RecordStop(ctx, "newer"); err != nil {
		t.Fatalf("RecordStop() error: %v", err)
	}
	if err := s.RecordStop(ctx, "unknown"); err != nil {
		t.Errorf("RecordStop(unknown) error: %v", err)
	}

	running, err := s.Running(ctx)
	if err != nil || len(running) != 1 || running[0].ID != "older" || !running[0].Running() {
		t.Errorf("Running() = %+v, %v", running, err)
	}

	all, err := s.List(ctx)
	if err != nil || len(all) != 2 || all[0].ID != "newer" || all[0].Running() {
		t.Errorf("List() = %+v, %v", all, err)
	}

	n, err := s.PruneStopped(ctx)
	if err != nil || n != 1 {
		t.Errorf("PruneStopped() = %d, %v", n, err)
	}
	all, _ = s.List(ctx)
	if len(all) != 1 {
		t.Errorf("records after prune = %+v", all)
	}
}

func TestStore_RestartReplacesRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := testSession("abc", time.Time{})
	if err := s.RecordStart(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordStop(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordStart(ctx, sess); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx)
	if err != nil || len(all) != 1 || !all[0].Running() || all[0].StartedAt.IsZero() {
		t.Errorf("List() = %+v, %v", all, err)
	}
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".sessions.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RecordStart(ctx, testSession("abc", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = reopened.Close() }()
	if latest, err := reopened.Latest(ctx); err != nil || latest.ID != "abc" {
		t.Errorf("Latest() after reopen = %+v, %v", latest, err)
	}
}
