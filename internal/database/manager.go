package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	dbconfig "cipherchat/pkg/database"
	"cipherchat/pkg/interfaces"
	"cipherchat/pkg/types"
)

var (
	ErrManagerClosed = stderrors.New("database manager is closed")
	ErrWriteTimeout  = stderrors.New("write operation timeout")
)

var _ interfaces.RoomStore = (*Manager)(nil)

// Manager is the SQLite RoomStore
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	loopDone     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "database config")
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	for _, pragma := range dbconfig.Pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "execute %s", pragma)
		}
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		loopDone:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies embedded migrations and validates the resulting schema
func (m *Manager) Migrate() error {
	applied, err := dbconfig.NewMigrationManager(m.db, dbconfig.Migrations()).ApplyMigrations()
	if err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	if err := dbconfig.NewSchemaValidator(m.db).Validate(); err != nil {
		return errors.Wrap(err, "validate schema")
	}
	log.Info().Str("module", "database").Strs("applied", applied).Msg("schema ready")
	return nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.loopDone)

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// FUNCTIONAL DISCOVERY: Only lock contention is worth one retry;
			// constraint and syntax errors fail the same way twice
			if isBusy(err) {
				log.Warn().Str("module", "database").Err(err).Dur("delay", m.config.WriteRetryDelay).Msg("write busy, retrying once")
				time.Sleep(m.config.WriteRetryDelay)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- ErrManagerClosed
				default:
					log.Info().Str("module", "database").Msg("write loop shutting down")
					return
				}
			}
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.loopDone:
		select {
		case err := <-result:
			return err
		default:
			return ErrManagerClosed
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !stderrors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// constraintError maps SQLite constraint failures onto store errors
func constraintError(err error) error {
	var sqliteErr sqlite3.Error
	if !stderrors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrConstraint {
		return nil
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return interfaces.ErrConflict
	case sqlite3.ErrConstraintForeignKey:
		return interfaces.ErrNotFound
	default:
		return nil
	}
}

func wrapWrite(err error, op string) error {
	if err == nil {
		return nil
	}
	if mapped := constraintError(err); mapped != nil {
		return errors.WithMessage(mapped, op)
	}
	return errors.Wrap(err, op)
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, op)
	}
	if n == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

// CreateIdentity inserts identity and assigns its ID
func (m *Manager) CreateIdentity(ctx context.Context, identity *types.Identity) error {
	if identity.Permission == "" {
		identity.Permission = types.PermissionUser
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO identities (handle, display_name, permission, created_at)
			VALUES (?, ?, ?, ?)
		`, identity.Handle, identity.DisplayName, identity.Permission, identity.CreatedAt)
		if err != nil {
			return wrapWrite(err, "database.CreateIdentity")
		}
		identity.ID, err = res.LastInsertId()
		return errors.Wrap(err, "database.CreateIdentity: last insert id")
	})
}

const identityColumns = `id, handle, display_name, permission, created_at`

func scanIdentity(row *sql.Row) (*types.Identity, error) {
	var identity types.Identity
	err := row.Scan(&identity.ID, &identity.Handle, &identity.DisplayName, &identity.Permission, &identity.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	return &identity, nil
}

// GetIdentity retrieves an identity by id
func (m *Manager) GetIdentity(ctx context.Context, identityID int64) (*types.Identity, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, identityID)
	identity, err := scanIdentity(row)
	if err != nil && err != interfaces.ErrNotFound {
		return nil, errors.Wrap(err, "database.GetIdentity")
	}
	return identity, err
}

// GetIdentityByHandle retrieves an identity by its issued handle
func (m *Manager) GetIdentityByHandle(ctx context.Context, handle string) (*types.Identity, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE handle = ?`, handle)
	identity, err := scanIdentity(row)
	if err != nil && err != interfaces.ErrNotFound {
		return nil, errors.Wrap(err, "database.GetIdentityByHandle")
	}
	return identity, err
}

// UpdateDisplayName changes the only mutable identity field
func (m *Manager) UpdateDisplayName(ctx context.Context, identityID int64, displayName string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE identities SET display_name = ? WHERE id = ?`, displayName, identityID)
		if err != nil {
			return errors.Wrap(err, "database.UpdateDisplayName")
		}
		return requireAffected(res, "database.UpdateDisplayName")
	})
}

// CreateRoom persists room, key material and the creator's online participant row atomically
func (m *Manager) CreateRoom(ctx context.Context, room *types.ChatRoom, key *types.RoomKey) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = room.CreatedAt
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "database.CreateRoom: begin")
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO rooms (name, password_hash, active, created_by, created_at)
			VALUES (?, ?, 1, ?, ?)
		`, room.Name, room.PasswordHash, room.CreatedBy, room.CreatedAt)
		if err != nil {
			return wrapWrite(err, "database.CreateRoom: insert room")
		}
		roomID, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "database.CreateRoom: last insert id")
		}

		if _, err = tx.ExecContext(ctx, `
			INSERT INTO room_keys (room_id, salt, version, created_at) VALUES (?, ?, ?, ?)
		`, roomID, key.Salt, key.Version, key.CreatedAt); err != nil {
			return wrapWrite(err, "database.CreateRoom: insert key")
		}

		if _, err = tx.ExecContext(ctx, `
			INSERT INTO participants (room_id, identity_id, joined_at, online) VALUES (?, ?, ?, 1)
		`, roomID, room.CreatedBy, room.CreatedAt); err != nil {
			return wrapWrite(err, "database.CreateRoom: insert creator")
		}

		if err = tx.Commit(); err != nil {
			return errors.Wrap(err, "database.CreateRoom: commit")
		}

		room.ID = roomID
		room.Active = true
		key.RoomID = roomID
		return nil
	})
}

// GetRoom retrieves a room by id
func (m *Manager) GetRoom(ctx context.Context, roomID int64) (*types.ChatRoom, error) {
	var room types.ChatRoom
	err := m.db.QueryRowContext(ctx, `
		SELECT id, name, password_hash, active, created_by, created_at
		FROM rooms WHERE id = ?
	`, roomID).Scan(&room.ID, &room.Name, &room.PasswordHash, &room.Active, &room.CreatedBy, &room.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, errors.Wrap(err, "database.GetRoom")
	}
	return &room, nil
}

// GetRoomKey retrieves the room's key material
func (m *Manager) GetRoomKey(ctx context.Context, roomID int64) (*types.RoomKey, error) {
	var key types.RoomKey
	err := m.db.QueryRowContext(ctx, `
		SELECT room_id, salt, version, created_at FROM room_keys WHERE room_id = ?
	`, roomID).Scan(&key.RoomID, &key.Salt, &key.Version, &key.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, errors.Wrap(err, "database.GetRoomKey")
	}
	return &key, nil
}

const roomSummaryQuery = `
	SELECT r.id, r.name, r.created_by, COALESCE(i.display_name, ''), r.created_at,
		(SELECT COUNT(*) FROM participants p WHERE p.room_id = r.id),
		EXISTS (SELECT 1 FROM participants p WHERE p.room_id = r.id AND p.identity_id = ?)
	FROM rooms r
	LEFT JOIN identities i ON i.id = r.created_by
	WHERE r.active = 1`

// ListActiveRooms returns every active room, newest first, with IsJoined for viewerID
func (m *Manager) ListActiveRooms(ctx context.Context, viewerID int64) ([]*types.RoomSummary, error) {
	rooms, err := m.queryRoomSummaries(ctx, roomSummaryQuery+`
		ORDER BY r.created_at DESC, r.id DESC`, viewerID)
	return rooms, errors.WithMessage(err, "database.ListActiveRooms")
}

// ListIdentityRooms returns the active rooms identityID participates in
func (m *Manager) ListIdentityRooms(ctx context.Context, identityID int64) ([]*types.RoomSummary, error) {
	rooms, err := m.queryRoomSummaries(ctx, roomSummaryQuery+`
		AND r.id IN (SELECT room_id FROM participants WHERE identity_id = ?)
		ORDER BY r.created_at DESC, r.id DESC`, identityID, identityID)
	return rooms, errors.WithMessage(err, "database.ListIdentityRooms")
}

func (m *Manager) queryRoomSummaries(ctx context.Context, query string, args ...interface{}) ([]*types.RoomSummary, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query rooms")
	}
	defer func() { _ = rows.Close() }()

	var rooms []*types.RoomSummary
	for rows.Next() {
		var room types.RoomSummary
		if err := rows.Scan(&room.ID, &room.Name, &room.CreatedBy, &room.CreatedByName,
			&room.CreatedAt, &room.ParticipantCount, &room.IsJoined); err != nil {
			return nil, errors.Wrap(err, "scan room row")
		}
		rooms = append(rooms, &room)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate room rows")
	}
	return rooms, nil
}

// DeactivateRoom clears the active flag; history and membership are kept
func (m *Manager) DeactivateRoom(ctx context.Context, roomID int64) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE rooms SET active = 0 WHERE id = ?`, roomID)
		if err != nil {
			return errors.Wrap(err, "database.DeactivateRoom")
		}
		return requireAffected(res, "database.DeactivateRoom")
	})
}

// DeleteRoom removes a room; participants, messages and key material cascade
func (m *Manager) DeleteRoom(ctx context.Context, roomID int64) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID)
		if err != nil {
			return errors.Wrap(err, "database.DeleteRoom")
		}
		return requireAffected(res, "database.DeleteRoom")
	})
}

// UpsertParticipant inserts the (room, identity) row or updates its online flag
// FUNCTIONAL DISCOVERY: ON CONFLICT keeps the first joined_at and resolves
// concurrent joins of one identity without surfacing a constraint error
func (m *Manager) UpsertParticipant(ctx context.Context, roomID, identityID int64, online bool) (*types.Participant, error) {
	var participant *types.Participant
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "database.UpsertParticipant: begin")
		}
		defer func() { _ = tx.Rollback() }()

		if _, err = tx.ExecContext(ctx, `
			INSERT INTO participants (room_id, identity_id, joined_at, online)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (room_id, identity_id) DO UPDATE SET online = excluded.online
		`, roomID, identityID, time.Now().UTC(), online); err != nil {
			return wrapWrite(err, "database.UpsertParticipant")
		}

		p, err := scanParticipant(tx.QueryRowContext(ctx, participantQuery, roomID, identityID))
		if err != nil {
			return errors.Wrap(err, "database.UpsertParticipant: reload")
		}
		if err = tx.Commit(); err != nil {
			return errors.Wrap(err, "database.UpsertParticipant: commit")
		}
		participant = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return participant, nil
}

const participantQuery = `
	SELECT id, room_id, identity_id, joined_at, online
	FROM participants WHERE room_id = ? AND identity_id = ?`

func scanParticipant(row *sql.Row) (*types.Participant, error) {
	var p types.Participant
	if err := row.Scan(&p.ID, &p.RoomID, &p.IdentityID, &p.JoinedAt, &p.Online); err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetParticipant retrieves the membership row for (roomID, identityID)
func (m *Manager) GetParticipant(ctx context.Context, roomID, identityID int64) (*types.Participant, error) {
	p, err := scanParticipant(m.db.QueryRowContext(ctx, participantQuery, roomID, identityID))
	if err != nil && err != interfaces.ErrNotFound {
		return nil, errors.Wrap(err, "database.GetParticipant")
	}
	return p, err
}

// SetParticipantOnline flips the online flag of an existing participant
func (m *Manager) SetParticipantOnline(ctx context.Context, roomID, identityID int64, online bool) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE participants SET online = ? WHERE room_id = ? AND identity_id = ?
		`, online, roomID, identityID)
		if err != nil {
			return errors.Wrap(err, "database.SetParticipantOnline")
		}
		return requireAffected(res, "database.SetParticipantOnline")
	})
}

// MarkAllOffline sets every participant offline and returns how many rows changed
func (m *Manager) MarkAllOffline(ctx context.Context) (int64, error) {
	var changed int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE participants SET online = 0 WHERE online = 1`)
		if err != nil {
			return errors.Wrap(err, "database.MarkAllOffline")
		}
		changed, err = res.RowsAffected()
		return errors.Wrap(err, "database.MarkAllOffline: rows affected")
	})
	return changed, err
}

// CountParticipants returns the number of participant rows in a room
func (m *Manager) CountParticipants(ctx context.Context, roomID int64) (int, error) {
	var count int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE room_id = ?`, roomID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "database.CountParticipants")
	}
	return count, nil
}

// StoreMessage appends a message and assigns its ID
func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	if message.SentAt.IsZero() {
		message.SentAt = time.Now().UTC()
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (room_id, author_id, ciphertext, sent_at) VALUES (?, ?, ?, ?)
		`, message.RoomID, message.AuthorID, message.Ciphertext, message.SentAt)
		if err != nil {
			return wrapWrite(err, "database.StoreMessage")
		}
		message.ID, err = res.LastInsertId()
		return errors.Wrap(err, "database.StoreMessage: last insert id")
	})
}

// GetRoomHistory returns the newest limit messages in chronological order; limit <= 0 means all
func (m *Manager) GetRoomHistory(ctx context.Context, roomID int64, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT m.id, m.room_id, m.author_id, COALESCE(i.display_name, ''), m.ciphertext, m.sent_at
		FROM messages m
		LEFT JOIN identities i ON i.id = m.author_id
		WHERE m.room_id = ?
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "database.GetRoomHistory")
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.AuthorID, &msg.AuthorName, &msg.Ciphertext, &msg.SentAt); err != nil {
			return nil, errors.Wrap(err, "database.GetRoomHistory: scan")
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "database.GetRoomHistory: iterate")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "database ping")
	}
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rooms`).Scan(&n); err != nil {
		return errors.Wrap(err, "database read test")
	}
	return nil
}

// GetDB returns the underlying database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool; idempotent
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return errors.Wrap(err, "close database")
	}
	return nil
}
