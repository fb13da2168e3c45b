package room

import (
	"testing"

	"github.com/aerovox/orchestrator/pkg/session"
)

func TestCoerceEnvironmentKnownValues(t *testing.T) {
	cases := map[string]session.Environment{
		"quiet":  session.EnvironmentQuiet,
		"medium": session.EnvironmentMedium,
		"noisy":  session.EnvironmentNoisy,
	}
	for in, want := range cases {
		if got := coerceEnvironment(in); got != want {
			t.Errorf("coerceEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCoerceEnvironmentFallsBackToMedium(t *testing.T) {
	for _, in := range []string{"", "deafening", "QUIET", "loud"} {
		if got := coerceEnvironment(in); got != session.EnvironmentMedium {
			t.Errorf("coerceEnvironment(%q) = %q, want %q (fallback)", in, got, session.EnvironmentMedium)
		}
	}
}
