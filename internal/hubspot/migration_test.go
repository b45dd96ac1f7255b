package hubspot_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/etl"
	"crmsync/internal/hubspot"
)

func TestMigrateEmptyStringState(t *testing.T) {
	m, err := hubspot.NewMigrateEmptyStringState("cursor", "2020-01-01T00:00:00.000Z", "")
	require.NoError(t, err)

	state := etl.StreamState{"cursor": ""}
	require.True(t, m.ShouldMigrate(state))
	migrated, err := m.Migrate(state)
	require.NoError(t, err)
	assert.Equal(t, etl.StreamState{"cursor": "2020-01-01T00:00:00.000Z"}, migrated)
	assert.Equal(t, "", state["cursor"], "input state is not mutated")
	assert.False(t, m.ShouldMigrate(migrated))

	assert.False(t, m.ShouldMigrate(etl.StreamState{"cursor": "2023-05-01T00:00:00.000Z"}))
	assert.False(t, m.ShouldMigrate(etl.StreamState{}))
}

func TestMigrateEmptyStringState_Formatted(t *testing.T) {
	m, err := hubspot.NewMigrateEmptyStringState("lastUpdated", "2020-01-01T00:00:00.000Z", "%ms")
	require.NoError(t, err)
	migrated, err := m.Migrate(etl.StreamState{"lastUpdated": ""})
	require.NoError(t, err)
	assert.Equal(t, "1577836800000", migrated["lastUpdated"])
}

func TestMigrateEmptyStringState_DefaultStart(t *testing.T) {
	m, err := hubspot.NewMigrateEmptyStringState("updatedAt", "", "")
	require.NoError(t, err)
	migrated, err := m.Migrate(etl.StreamState{"updatedAt": ""})
	require.NoError(t, err)
	assert.Equal(t, hubspot.DefaultStartDate, migrated["updatedAt"])
}

func TestMigrateEmptyStringState_InvalidStart(t *testing.T) {
	_, err := hubspot.NewMigrateEmptyStringState("updatedAt", "yesterday-ish", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, hubspot.ErrInvalidStartDate))
}
