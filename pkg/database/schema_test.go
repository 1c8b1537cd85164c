package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	validator := NewSchemaValidator(db)

	assert.Error(t, validator.ValidateTablesExist())
	assert.Error(t, validator.Validate())
}

func TestSchemaValidator_MigratedDatabase(t *testing.T) {
	db := openTestDB(t)
	_, err := NewMigrationManager(db, Migrations()).ApplyMigrations()
	require.NoError(t, err)

	validator := NewSchemaValidator(db)
	assert.NoError(t, validator.ValidateTablesExist())
	assert.NoError(t, validator.ValidateTableStructure())
	assert.NoError(t, validator.ValidateIndexes())
	assert.NoError(t, validator.ValidateConstraints())
	assert.NoError(t, validator.Validate())

	// checks leave no rows behind
	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM identities").Scan(&count))
	assert.Zero(t, count)
}

func TestSchemaValidator_MissingIndex(t *testing.T) {
	db := openTestDB(t)
	_, err := NewMigrationManager(db, Migrations()).ApplyMigrations()
	require.NoError(t, err)

	_, err = db.Exec("DROP INDEX idx_messages_room_time")
	require.NoError(t, err)

	err = NewSchemaValidator(db).ValidateIndexes()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idx_messages_room_time")
}
