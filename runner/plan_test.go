package runner

import (
	"fmt"
	"sort"
	"testing"

	version "github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/upshift-db/upshift/step"
)

func discovered(versions ...string) []step.Step {
	steps := make([]step.Step, 0, len(versions))
	for _, v := range versions {
		steps = append(steps, tstep(v))
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Version().LessThan(steps[j].Version())
	})
	return steps
}

func appliedSet(versions ...string) []*version.Version {
	out := make([]*version.Version, 0, len(versions))
	for _, v := range versions {
		out = append(out, step.MustVersion(v))
	}
	return out
}

func planVersions(p plan) []string {
	out := make([]string, 0, len(p.steps))
	for _, ps := range p.steps {
		out = append(out, ps.step.Version().Original())
	}
	return out
}

func TestComputePlan_FreshInstall(t *testing.T) {
	// Scenario: no applied versions, steps 1.0.0, 1.1.0, 2.0.0.
	p := computePlan(discovered("1.0.0", "1.1.0", "2.0.0"), nil, false)

	assert.Equal(t, "0.0.0", p.current.Original())
	assert.Equal(t, "2.0.0", p.target.Original())
	assert.Equal(t, []string{"1.0.0", "1.1.0", "2.0.0"}, planVersions(p))
	for _, ps := range p.steps {
		assert.True(t, ps.first)
	}
}

func TestComputePlan_OnlyStrictlyAboveCurrent(t *testing.T) {
	// Scenario: applied={1.0.0,2.0.0}, steps={1.0.0,1.1.0,2.0.0,3.0.0}.
	// 1.1.0 stays skipped even though unapplied: only versions beyond
	// current run.
	p := computePlan(
		discovered("1.0.0", "1.1.0", "2.0.0", "3.0.0"),
		appliedSet("1.0.0", "2.0.0"),
		false,
	)

	assert.Equal(t, "2.0.0", p.current.Original())
	assert.Equal(t, []string{"3.0.0"}, planVersions(p))
	assert.True(t, p.steps[0].first)
}

func TestComputePlan_EnforceLatest(t *testing.T) {
	// Same as above with enforce-latest: the current version's step re-runs
	// as a non-first execution.
	p := computePlan(
		discovered("1.0.0", "1.1.0", "2.0.0", "3.0.0"),
		appliedSet("1.0.0", "2.0.0"),
		true,
	)

	require.Equal(t, []string{"2.0.0", "3.0.0"}, planVersions(p))
	assert.False(t, p.steps[0].first)
	assert.True(t, p.steps[1].first)
}

func TestComputePlan_LedgerAhead(t *testing.T) {
	// Downgrade: the ledger knows a version newer than any step. Not an
	// error, nothing runs.
	p := computePlan(
		discovered("1.0.0", "2.0.0"),
		appliedSet("3.0.0"),
		false,
	)

	assert.Empty(t, p.steps)
	assert.Equal(t, "3.0.0", p.current.Original())
	assert.Equal(t, "2.0.0", p.target.Original())
}

func TestComputePlan_EmptyDiscovery(t *testing.T) {
	p := computePlan(nil, appliedSet("1.0.0"), false)
	assert.Empty(t, p.steps)
	assert.Equal(t, "0.0.0", p.target.Original())
}

func TestComputePlan_FourPartVersions(t *testing.T) {
	p := computePlan(
		discovered("1.0.0", "1.0.0.1", "1.0.0.2"),
		appliedSet("1.0.0.1"),
		false,
	)
	assert.Equal(t, []string{"1.0.0.2"}, planVersions(p))
}

// TestComputePlan_Property checks the pending-set formula against a brute
// force model: with enforce-latest off the plan is exactly
// {s : max(A) < s <= max(S)}, with it on the step equal to max(A) joins,
// and first-execution mirrors ledger membership.
func TestComputePlan_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stepMinors := rapid.SliceOfNDistinct(rapid.IntRange(0, 60), 0, 12, rapid.ID[int]).Draw(t, "steps")
		appliedMinors := rapid.SliceOfNDistinct(rapid.IntRange(0, 60), 0, 12, rapid.ID[int]).Draw(t, "applied")
		enforce := rapid.Bool().Draw(t, "enforce")

		sort.Ints(stepMinors)
		steps := make([]step.Step, 0, len(stepMinors))
		for _, m := range stepMinors {
			steps = append(steps, tstep(fmt.Sprintf("1.%d.0", m)))
		}
		applied := make([]*version.Version, 0, len(appliedMinors))
		appliedLookup := make(map[int]bool, len(appliedMinors))
		maxApplied := -1
		for _, m := range appliedMinors {
			applied = append(applied, step.MustVersion(fmt.Sprintf("1.%d.0", m)))
			appliedLookup[m] = true
			if m > maxApplied {
				maxApplied = m
			}
		}

		p := computePlan(steps, applied, enforce)

		var want []string
		wantFirst := map[string]bool{}
		for _, m := range stepMinors {
			include := maxApplied < 0 || m > maxApplied || (enforce && m == maxApplied)
			if len(stepMinors) > 0 && maxApplied > stepMinors[len(stepMinors)-1] {
				include = false
			}
			if include {
				v := fmt.Sprintf("1.%d.0", m)
				want = append(want, v)
				wantFirst[v] = !appliedLookup[m]
			}
		}

		got := planVersions(p)
		if len(want) == 0 {
			assert.Empty(t, got)
		} else {
			assert.Equal(t, want, got)
		}
		for _, ps := range p.steps {
			assert.Equal(t, wantFirst[ps.step.Version().Original()], ps.first)
		}
	})
}
