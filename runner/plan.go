package runner

import (
	version "github.com/hashicorp/go-version"

	"github.com/upshift-db/upshift/step"
)

var zeroVersion = version.Must(version.NewVersion("0.0.0"))

type pendingStep struct {
	step  step.Step
	first bool
}

// plan is the outcome of comparing discovered steps against the ledger:
// which steps run this invocation and the version range they span.
type plan struct {
	// current is the highest ledger-recorded version, zero when the ledger
	// is empty.
	current *version.Version

	// target is the highest discovered step version, zero when no steps
	// are registered.
	target *version.Version

	// steps to execute, ascending by version.
	steps []pendingStep
}

// computePlan selects the pending subset of discovered (which must already
// be sorted ascending). Steps strictly above current run; with enforceLatest
// the step equal to current runs again. A ledger ahead of the code (current
// beyond target, a downgrade) yields an empty plan, not an error. An empty
// ledger is a fresh install: every step runs as a first execution.
func computePlan(discovered []step.Step, applied []*version.Version, enforceLatest bool) plan {
	p := plan{current: zeroVersion, target: zeroVersion}

	for _, v := range applied {
		if v.GreaterThan(p.current) {
			p.current = v
		}
	}
	if len(discovered) > 0 {
		p.target = discovered[len(discovered)-1].Version()
	}

	if p.current.GreaterThan(p.target) {
		return p
	}

	freshInstall := len(applied) == 0
	for _, s := range discovered {
		v := s.Version()
		switch {
		case freshInstall:
		case v.GreaterThan(p.current):
		case enforceLatest && v.Equal(p.current):
		default:
			continue
		}
		p.steps = append(p.steps, pendingStep{
			step:  s,
			first: !containsVersion(applied, v),
		})
	}
	return p
}

func containsVersion(set []*version.Version, v *version.Version) bool {
	for _, a := range set {
		if a.Equal(v) {
			return true
		}
	}
	return false
}
