package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite as the on-device database.
type SQLiteStore struct {
	db   *sql.DB
	subs subscribers
}

// NewSQLite opens or creates a SQLite database at the given path.
// Use ":memory:" for an in-memory database.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// A single connection keeps in-memory databases coherent (each new
	// connection to ":memory:" would otherwise get its own database) and
	// matches the single-writer discipline of the sync layer.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			room_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id);
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			presence TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS typing (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);
	`)
	return err
}

// sqliteTx implements Tx over a live database transaction, recording the
// changes it makes for post-commit fan-out.
type sqliteTx struct {
	tx      *sql.Tx
	changes []Change
}

func (t *sqliteTx) exists(table, id string) (bool, error) {
	var one int
	err := t.tx.QueryRow("SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *sqliteTx) PutMessage(rec MessageRecord) error {
	if rec.ID == "" || rec.RoomID == "" {
		return errors.New("store: message requires id and room id")
	}
	parts, err := json.Marshal(rec.Parts)
	if err != nil {
		return fmt.Errorf("store: encode parts: %w", err)
	}
	has, err := t.exists("messages", rec.ID)
	if err != nil {
		return err
	}
	op := OpCreate
	if has {
		op = OpUpdate
		_, err = t.tx.Exec(
			"UPDATE messages SET room_id = ?, sender_id = ?, parts = ?, created_at = ?, updated_at = ? WHERE id = ?",
			rec.RoomID, rec.SenderID, string(parts), rec.CreatedAt, rec.UpdatedAt, rec.ID,
		)
	} else {
		_, err = t.tx.Exec(
			"INSERT INTO messages (id, room_id, sender_id, parts, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
			rec.ID, rec.RoomID, rec.SenderID, string(parts), rec.CreatedAt, rec.UpdatedAt,
		)
	}
	if err != nil {
		return err
	}
	t.changes = append(t.changes, Change{Op: op, Kind: KindMessage, ID: rec.ID, RoomID: rec.RoomID})
	return nil
}

func (t *sqliteTx) DeleteMessage(id string) error {
	if id == "" {
		return errors.New("store: message id required")
	}
	var roomID string
	err := t.tx.QueryRow("SELECT room_id FROM messages WHERE id = ?", id).Scan(&roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec("DELETE FROM messages WHERE id = ?", id); err != nil {
		return err
	}
	t.changes = append(t.changes, Change{Op: OpDelete, Kind: KindMessage, ID: id, RoomID: roomID})
	return nil
}

func (t *sqliteTx) PutUser(rec UserRecord) error {
	if rec.ID == "" {
		return errors.New("store: user id required")
	}
	has, err := t.exists("users", rec.ID)
	if err != nil {
		return err
	}
	op := OpCreate
	if has {
		op = OpUpdate
		_, err = t.tx.Exec(
			"UPDATE users SET name = ?, presence = ?, created_at = ?, updated_at = ? WHERE id = ?",
			rec.Name, rec.Presence, rec.CreatedAt, rec.UpdatedAt, rec.ID,
		)
	} else {
		_, err = t.tx.Exec(
			"INSERT INTO users (id, name, presence, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			rec.ID, rec.Name, rec.Presence, rec.CreatedAt, rec.UpdatedAt,
		)
	}
	if err != nil {
		return err
	}
	t.changes = append(t.changes, Change{Op: op, Kind: KindUser, ID: rec.ID})
	return nil
}

func (t *sqliteTx) DeleteUser(id string) error {
	if id == "" {
		return errors.New("store: user id required")
	}
	has, err := t.exists("users", id)
	if err != nil {
		return err
	}
	if !has {
		return nil
	}
	rows, err := t.tx.Query("SELECT room_id FROM typing WHERE user_id = ?", id)
	if err != nil {
		return err
	}
	var rooms []string
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			rows.Close()
			return err
		}
		rooms = append(rooms, room)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if _, err := t.tx.Exec("DELETE FROM typing WHERE user_id = ?", id); err != nil {
		return err
	}
	if _, err := t.tx.Exec("DELETE FROM users WHERE id = ?", id); err != nil {
		return err
	}
	for _, room := range rooms {
		t.changes = append(t.changes, Change{Op: OpDelete, Kind: KindTyping, ID: id, RoomID: room})
	}
	t.changes = append(t.changes, Change{Op: OpDelete, Kind: KindUser, ID: id})
	return nil
}

func (t *sqliteTx) PutRoom(rec RoomRecord) error {
	if rec.ID == "" {
		return errors.New("store: room id required")
	}
	has, err := t.exists("rooms", rec.ID)
	if err != nil {
		return err
	}
	op := OpCreate
	if has {
		op = OpUpdate
		_, err = t.tx.Exec(
			"UPDATE rooms SET name = ?, created_at = ?, updated_at = ? WHERE id = ?",
			rec.Name, rec.CreatedAt, rec.UpdatedAt, rec.ID,
		)
	} else {
		_, err = t.tx.Exec(
			"INSERT INTO rooms (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)",
			rec.ID, rec.Name, rec.CreatedAt, rec.UpdatedAt,
		)
	}
	if err != nil {
		return err
	}
	t.changes = append(t.changes, Change{Op: op, Kind: KindRoom, ID: rec.ID})
	return nil
}

func (t *sqliteTx) SetTyping(roomID, userID string, typing bool) error {
	if roomID == "" || userID == "" {
		return errors.New("store: typing requires room id and user id")
	}
	if typing {
		res, err := t.tx.Exec("INSERT OR IGNORE INTO typing (room_id, user_id) VALUES (?, ?)", roomID, userID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n > 0 {
			t.changes = append(t.changes, Change{Op: OpCreate, Kind: KindTyping, ID: userID, RoomID: roomID})
		}
		return nil
	}
	res, err := t.tx.Exec("DELETE FROM typing WHERE room_id = ? AND user_id = ?", roomID, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		t.changes = append(t.changes, Change{Op: OpDelete, Kind: KindTyping, ID: userID, RoomID: roomID})
	}
	return nil
}

// Update runs fn inside a database transaction. On any error the
// transaction rolls back and no change batch is published.
func (s *SQLiteStore) Update(fn func(Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	st := &sqliteTx{tx: tx}
	if err := fn(st); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	if len(st.changes) > 0 {
		s.subs.publish(Batch{Changes: st.changes})
	}
	return nil
}

// Message returns the message record with the given id.
func (s *SQLiteStore) Message(id string) (MessageRecord, error) {
	row := s.db.QueryRow(
		"SELECT id, room_id, sender_id, parts, created_at, updated_at FROM messages WHERE id = ?", id,
	)
	return scanMessage(row)
}

// User returns the user record with the given id.
func (s *SQLiteStore) User(id string) (UserRecord, error) {
	var rec UserRecord
	err := s.db.QueryRow(
		"SELECT id, name, presence, created_at, updated_at FROM users WHERE id = ?", id,
	).Scan(&rec.ID, &rec.Name, &rec.Presence, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, ErrNotFound
	}
	if err != nil {
		return UserRecord{}, err
	}
	return rec, nil
}

// Room returns the room record with the given id.
func (s *SQLiteStore) Room(id string) (RoomRecord, error) {
	var rec RoomRecord
	err := s.db.QueryRow(
		"SELECT id, name, created_at, updated_at FROM rooms WHERE id = ?", id,
	).Scan(&rec.ID, &rec.Name, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RoomRecord{}, ErrNotFound
	}
	if err != nil {
		return RoomRecord{}, err
	}
	return rec, nil
}

// MessagesInRoom returns the room's messages in insertion order.
func (s *SQLiteStore) MessagesInRoom(roomID string) ([]MessageRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, room_id, sender_id, parts, created_at, updated_at FROM messages WHERE room_id = ? ORDER BY rowid",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// TypingUserIDs returns the room's typing membership in insertion order.
func (s *SQLiteStore) TypingUserIDs(roomID string) ([]string, error) {
	rows, err := s.db.Query("SELECT user_id FROM typing WHERE room_id = ? ORDER BY rowid", roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Subscribe registers a change-batch callback.
func (s *SQLiteStore) Subscribe(fn func(Batch)) string {
	return s.subs.add(fn)
}

// Unsubscribe removes a previously registered callback.
func (s *SQLiteStore) Unsubscribe(token string) {
	s.subs.remove(token)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (MessageRecord, error) {
	var rec MessageRecord
	var parts string
	err := row.Scan(&rec.ID, &rec.RoomID, &rec.SenderID, &parts, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MessageRecord{}, ErrNotFound
	}
	if err != nil {
		return MessageRecord{}, err
	}
	if err := json.Unmarshal([]byte(parts), &rec.Parts); err != nil {
		return MessageRecord{}, fmt.Errorf("store: decode parts: %w", err)
	}
	return rec, nil
}
