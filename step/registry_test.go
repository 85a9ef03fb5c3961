package step

import (
	"context"
	"errors"
	"testing"

	version "github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStep struct {
	NoPrepare
	v *version.Version
}

func (s *fakeStep) Version() *version.Version { return s.v }

func (s *fakeStep) Apply(context.Context, *Context) error { return nil }

func newFakeStep(v string) *fakeStep {
	return &fakeStep{v: MustVersion(v)}
}

func TestRegistry_DiscoverSortsByVersion(t *testing.T) {
	reg := NewRegistry().Register(
		newFakeStep("2.0.0"),
		newFakeStep("1.0.0"),
		newFakeStep("1.1.0"),
		newFakeStep("1.1.0.4"),
	)

	steps, err := reg.Discover()
	require.NoError(t, err)
	require.Len(t, steps, 4)

	got := make([]string, 0, len(steps))
	for _, s := range steps {
		got = append(got, s.Version().Original())
	}
	assert.Equal(t, []string{"1.0.0", "1.1.0", "1.1.0.4", "2.0.0"}, got)
}

func TestRegistry_DiscoverRejectsDuplicateVersions(t *testing.T) {
	reg := NewRegistry().Register(
		newFakeStep("1.0.0"),
		newFakeStep("2.0.0"),
		newFakeStep("1.0.0"),
	)

	_, err := reg.Discover()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateVersion)
	assert.Contains(t, err.Error(), "1.0.0")
}

func TestRegistry_DiscoverPropagatesFactoryError(t *testing.T) {
	boom := errors.New("missing dependency")
	reg := NewRegistry().
		Register(newFakeStep("1.0.0")).
		Add(func() (Step, error) { return nil, boom })

	_, err := reg.Discover()
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "step 2 of 2")
}

func TestRegistry_DiscoverRejectsNilStep(t *testing.T) {
	reg := NewRegistry().Add(func() (Step, error) { return nil, nil })

	_, err := reg.Discover()
	assert.ErrorIs(t, err, ErrNilStep)
}

func TestRegistry_DiscoverEmpty(t *testing.T) {
	steps, err := NewRegistry().Discover()
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestNewContext(t *testing.T) {
	sc := NewContext(true)
	assert.True(t, sc.FirstExecution)
	assert.NotNil(t, sc.Cache)
	assert.Nil(t, sc.Tx)
}

func TestMustVersion_Ordering(t *testing.T) {
	// A missing build component compares lowest.
	assert.True(t, MustVersion("1.0.0").LessThan(MustVersion("1.0.0.1")))
	assert.True(t, MustVersion("1.9.0").LessThan(MustVersion("1.10.0")))
	assert.True(t, MustVersion("1.0").LessThan(MustVersion("1.0.1")))
}
