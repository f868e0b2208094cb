package runtime

import (
	"testing"

	"github.com/avetra/forgebox/internal/domain"
)

func TestStatusMapping(t *testing.T) {
	cases := map[Status]domain.Status{
		StatusCreating:   domain.StatusStarting,
		StatusRestarting: domain.StatusStarting,
		StatusRunning:    domain.StatusRunning,
		StatusRemoving:   domain.StatusStopping,
		StatusStopped:    domain.StatusStopped,
		StatusPaused:     domain.StatusSleeping,
		StatusExited:     domain.StatusStopped,
		StatusDead:       domain.StatusError,
		StatusUnknown:    domain.StatusError,
		StatusError:      domain.StatusError,
	}

	for rt, want := range cases {
		if got := rt.SandboxStatus(); got != want {
			t.Errorf("SandboxStatus(%s) = %s, want %s", rt, got, want)
		}
	}
}

func TestDockerStateStatus(t *testing.T) {
	cases := map[string]Status{
		"created":    StatusCreating,
		"running":    StatusRunning,
		"paused":     StatusPaused,
		"restarting": StatusRestarting,
		"removing":   StatusRemoving,
		"exited":     StatusExited,
		"dead":       StatusDead,
		"bogus":      StatusUnknown,
	}

	for state, want := range cases {
		if got := dockerStateStatus(state); got != want {
			t.Errorf("dockerStateStatus(%q) = %s, want %s", state, got, want)
		}
	}
}

func TestContainerName(t *testing.T) {
	if got := ContainerName("sbx-1"); got != "forgebox-sbx-1" {
		t.Errorf("ContainerName(sbx-1) = %q", got)
	}
}
