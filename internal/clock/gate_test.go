package clock

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_AcceptsTimeAfterEpoch(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	g := Gate{Epoch: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), Now: func() time.Time { return now }}

	got, err := g.Check()
	require.NoError(t, err)
	assert.Equal(t, now, got)
}

func TestGate_RejectsTimeBeforeEpoch(t *testing.T) {
	epoch := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := Gate{Epoch: epoch, Now: func() time.Time { return epoch.Add(-time.Second) }}

	_, err := g.Check()
	require.Error(t, err)
	assert.True(t, IsTimeValidityError(err))
	assert.True(t, IsTimeValidityError(fmt.Errorf("wrapped: %w", err)))
	assert.Contains(t, err.Error(), "predates build epoch")
}

func TestGate_ZeroValueUsesBuildEpoch(t *testing.T) {
	var g Gate
	_, err := g.Check()
	assert.NoError(t, err)
}

func TestDefaultEpoch(t *testing.T) {
	orig := BuildEpoch
	defer func() { BuildEpoch = orig }()

	BuildEpoch = "2026-02-01T00:00:00Z"
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), DefaultEpoch())

	BuildEpoch = "not a time"
	assert.Equal(t, time.Unix(0, 0).UTC(), DefaultEpoch())
}

func TestIsTimeValidityError_Other(t *testing.T) {
	assert.False(t, IsTimeValidityError(nil))
	assert.False(t, IsTimeValidityError(fmt.Errorf("other")))
}
