package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/avetra/forgebox/internal/apperr"
	"github.com/avetra/forgebox/internal/runtime"
)

func TestExecRunsCommandAndCountsAsActivity(t *testing.T) {
	coord, repo, _, _, _ := newFixture()
	sb := createRunning(t, coord)

	repo.mu.Lock()
	repo.sandboxes[sb.ID].LastAccessedAt = time.Now().Add(-time.Hour)
	repo.mu.Unlock()

	result, err := coord.Exec(context.Background(), sb.ID, []string{"ls", "-la"}, runtime.ExecOptions{})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if result.Stdout != "ran ls" {
		t.Fatalf("unexpected result %+v", result)
	}

	got, _ := repo.GetSandbox(context.Background(), sb.ID)
	if got.IdleFor(time.Now()) > time.Minute {
		t.Fatal("exec did not refresh last accessed")
	}
}

func TestExecRejectsNonRunningSandbox(t *testing.T) {
	coord, _, _, _, _ := newFixture()
	sb := createRunning(t, coord)

	if err := coord.Stop(context.Background(), sb.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := coord.Exec(context.Background(), sb.ID, []string{"ls"}, runtime.ExecOptions{}); !apperr.IsInvalidState(err) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	coord, _, _, _, _ := newFixture()
	sb := createRunning(t, coord)

	if _, err := coord.Exec(context.Background(), sb.ID, nil, runtime.ExecOptions{}); !apperr.IsInvalidState(err) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestLogsRequireContainer(t *testing.T) {
	coord, _, _, _, _ := newFixture()

	sb, err := coord.Create(context.Background(), CreateSpec{OwnerID: "o", Tier: "starter", Flavor: "js"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := coord.Logs(context.Background(), sb.ID, runtime.LogOptions{}); !apperr.IsInvalidState(err) {
		t.Fatalf("expected invalid state for dormant sandbox, got %v", err)
	}
}

func TestStatsForRunningSandbox(t *testing.T) {
	coord, _, _, _, _ := newFixture()
	sb := createRunning(t, coord)

	stats, err := coord.Stats(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PIDs != 12 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
