package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs the read-only checks used at startup
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"identities":        "Identity storage",
		"rooms":             "Room storage",
		"room_keys":         "Room key material",
		"participants":      "Room membership",
		"messages":          "Encrypted message storage",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := []struct {
		name    string
		columns map[string]string
	}{
		{"identities", map[string]string{
			"id": "INTEGER", "handle": "TEXT", "display_name": "TEXT",
			"permission": "TEXT", "created_at": "DATETIME",
		}},
		{"rooms", map[string]string{
			"id": "INTEGER", "name": "TEXT", "password_hash": "TEXT",
			"active": "INTEGER", "created_by": "INTEGER", "created_at": "DATETIME",
		}},
		{"room_keys", map[string]string{
			"room_id": "INTEGER", "salt": "BLOB", "version": "INTEGER", "created_at": "DATETIME",
		}},
		{"participants", map[string]string{
			"id": "INTEGER", "room_id": "INTEGER", "identity_id": "INTEGER",
			"joined_at": "DATETIME", "online": "INTEGER",
		}},
		{"messages", map[string]string{
			"id": "INTEGER", "room_id": "INTEGER", "author_id": "INTEGER",
			"ciphertext": "TEXT", "sent_at": "DATETIME",
		}},
	}

	for _, table := range tables {
		if err := v.validateColumns(table.name, table.columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table.name, err)
		}
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_rooms_active":          "Active room listing",
		"idx_participants_identity": "Rooms of an identity",
		"idx_messages_room_time":    "Message history retrieval",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that database constraints are enforced.
// Checks run inside a transaction that is always rolled back.
// ARCHITECTURAL DISCOVERY: Foreign keys are per-connection in SQLite; the
// check transaction pins one connection so the check reflects the pool DSN
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint check: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// messages.room_id -> rooms.id
	if _, err := tx.Exec(`
		INSERT INTO messages (room_id, author_id, ciphertext, sent_at)
		VALUES (-1, -1, 'fk-check', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.room_id")
	}

	// identities.permission check
	if _, err := tx.Exec(`
		INSERT INTO identities (handle, display_name, permission)
		VALUES ('constraint-check', 'fk-check', 'superuser')
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: identities.permission")
	}

	// UNIQUE (room_id, identity_id)
	res, err := tx.Exec(`INSERT INTO identities (handle, display_name) VALUES ('constraint-check', 'fk-check')`)
	if err != nil {
		return fmt.Errorf("failed to create check identity: %w", err)
	}
	identityID, _ := res.LastInsertId()
	res, err = tx.Exec(`INSERT INTO rooms (name, password_hash, created_by) VALUES ('fk-check', 'x', ?)`, identityID)
	if err != nil {
		return fmt.Errorf("failed to create check room: %w", err)
	}
	roomID, _ := res.LastInsertId()
	insert := `INSERT INTO participants (room_id, identity_id) VALUES (?, ?)`
	if _, err := tx.Exec(insert, roomID, identityID); err != nil {
		return fmt.Errorf("failed to create check participant: %w", err)
	}
	if _, err := tx.Exec(insert, roomID, identityID); err == nil {
		return fmt.Errorf("unique constraint not enforced: participants(room_id, identity_id)")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
