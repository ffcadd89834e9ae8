package rating

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustScale(t *testing.T, name string) Scale {
	t.Helper()
	s, err := Lookup(name)
	require.NoError(t, err)
	return s
}

func TestStep8Table(t *testing.T) {
	s := mustScale(t, "step8")

	want := map[string]int{
		"+4": 8, "+3": 6, "+2": 4, "+1": 2,
		"-1": -2, "-2": -4, "-3": -6, "-4": -8,
	}
	for label, score := range want {
		v, err := s.Normalize(label)
		require.NoError(t, err, label)
		assert.Equal(t, score, v.Score, label)
		assert.False(t, v.Excluded, label)
	}

	lo, hi := s.Bounds()
	assert.Equal(t, -8, lo)
	assert.Equal(t, 8, hi)
	assert.Len(t, s.(StepScale).Labels(), 8)
}

func TestNormalizeIsDeterministic(t *testing.T) {
	s := mustScale(t, "step8")
	for _, label := range s.(StepScale).Labels() {
		a, err := s.Normalize(label)
		require.NoError(t, err)
		b, err := s.Normalize(label)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestLabelSpellings(t *testing.T) {
	s := mustScale(t, "step8")

	for _, label := range []string{"4", " +4 ", "+4"} {
		v, err := s.Normalize(label)
		require.NoError(t, err, label)
		assert.Equal(t, 8, v.Score)
		assert.Equal(t, "+4", v.Label)
	}

	v, err := s.Normalize("−4")
	require.NoError(t, err)
	assert.Equal(t, -8, v.Score)
}

func TestInvalidLabelsAreRejected(t *testing.T) {
	s := mustScale(t, "step8")
	for _, label := range []string{"", "0", "+5", "-5", "1.5", "good", "+", "--1", "4 4", "Y"} {
		_, err := s.Normalize(label)
		assert.ErrorIs(t, err, ErrInvalidLabel, "label %q", label)
	}
}

func TestZeroLabelDependsOnScale(t *testing.T) {
	v, err := mustScale(t, "step8-zero").Normalize("0")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Score)
	assert.False(t, v.Excluded)

	_, err = mustScale(t, "step8").Normalize("0")
	assert.ErrorIs(t, err, ErrInvalidLabel)
}

func TestExcludeSentinel(t *testing.T) {
	for _, name := range Names() {
		s := mustScale(t, name)
		for _, label := range []string{"X", "x", " X "} {
			v, err := s.Normalize(label)
			require.NoError(t, err)
			assert.True(t, v.Excluded)
			assert.Equal(t, 0, v.Score)
			assert.Equal(t, Exclude, v.Label)
		}
	}
}

func TestInt5Scale(t *testing.T) {
	s := mustScale(t, "int5")

	v, err := s.Normalize("-5")
	require.NoError(t, err)
	assert.Equal(t, -5, v.Score)

	v, err = s.Normalize("3")
	require.NoError(t, err)
	assert.Equal(t, 3, v.Score)

	_, err = s.Normalize("6")
	assert.ErrorIs(t, err, ErrInvalidLabel)
}

func TestCheck(t *testing.T) {
	s := mustScale(t, "step8")

	_, err := Check(s, "+3", 6)
	require.NoError(t, err)

	_, err = Check(s, "+3", 3)
	assert.ErrorIs(t, err, ErrScoreMismatch)

	_, err = Check(s, "X", 0)
	require.NoError(t, err)

	_, err = Check(s, "bogus", 0)
	assert.ErrorIs(t, err, ErrInvalidLabel)
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("stars")
	assert.ErrorIs(t, err, ErrUnknownScale)
	assert.Equal(t, []string{"int5", "step8", "step8-zero"}, Names())
}
