package offsync

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// queryable, orderable collection of eventually pins.
// concurrent writers are serialized above this by the owning queue.
type PinStore interface {
	Put(ctx context.Context, pin *EventuallyPin) error
	// ascending by time, insertion order breaking ties.
	// callers holding a known in-flight set may pass its uuids in
	// `excluding` to skip them in a fresh scan.
	FindAllPinned(ctx context.Context, excluding []string) ([]*EventuallyPin, error)
	Delete(ctx context.Context, uuid string) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

const pinStoreSchema = `
CREATE TABLE IF NOT EXISTS eventually_pins (
	uuid TEXT PRIMARY KEY,
	time INTEGER NOT NULL,
	type INTEGER NOT NULL,
	class_name TEXT NOT NULL DEFAULT '',
	object_id TEXT NOT NULL DEFAULT '',
	operation_set_uuid TEXT NOT NULL DEFAULT '',
	session_token TEXT NOT NULL DEFAULT '',
	command BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS eventually_pins_time ON eventually_pins(time);
`

type SqlitePinStore struct {
	db *sql.DB
}

func NewSqlitePinStore(dataDir string) (*SqlitePinStore, error) {
	return NewSqlitePinStoreWithPath(filepath.Join(dataDir, "pins.db"))
}

func NewSqlitePinStoreWithPath(path string) (*SqlitePinStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// the store is accessed from one queue; a single connection keeps
	// sqlite's own locking out of the picture
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(pinStoreSchema); err != nil {
		db.Close()
		return nil, err
	}
	return &SqlitePinStore{
		db: db,
	}, nil
}

// inserts the pin. an existing pending pin for the same object and
// operation set is superseded, so re-pinning one logical mutation can
// never produce two outstanding pins.
func (self *SqlitePinStore) Put(ctx context.Context, pin *EventuallyPin) error {
	tx, err := self.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if pin.OperationSetUuid != "" && pin.ObjectId != "" {
		_, err = tx.ExecContext(
			ctx,
			`DELETE FROM eventually_pins WHERE class_name = ? AND object_id = ? AND operation_set_uuid = ?`,
			pin.ClassName,
			pin.ObjectId,
			pin.OperationSetUuid,
		)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO eventually_pins (uuid, time, type, class_name, object_id, operation_set_uuid, session_token, command)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pin.Uuid,
		pin.Time,
		int(pin.Type),
		pin.ClassName,
		pin.ObjectId,
		pin.OperationSetUuid,
		pin.SessionToken,
		pin.CommandJson,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (self *SqlitePinStore) FindAllPinned(ctx context.Context, excluding []string) ([]*EventuallyPin, error) {
	query := `SELECT uuid, time, type, class_name, object_id, operation_set_uuid, session_token, command
		FROM eventually_pins`
	args := []any{}
	if 0 < len(excluding) {
		placeholders := strings.Repeat("?,", len(excluding))
		query += fmt.Sprintf(" WHERE uuid NOT IN (%s)", placeholders[:len(placeholders)-1])
		for _, uuid := range excluding {
			args = append(args, uuid)
		}
	}
	query += " ORDER BY time ASC, rowid ASC"

	rows, err := self.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pins := []*EventuallyPin{}
	for rows.Next() {
		pin := &EventuallyPin{}
		var pinType int
		err := rows.Scan(
			&pin.Uuid,
			&pin.Time,
			&pinType,
			&pin.ClassName,
			&pin.ObjectId,
			&pin.OperationSetUuid,
			&pin.SessionToken,
			&pin.CommandJson,
		)
		if err != nil {
			return nil, err
		}
		pin.Type = PinType(pinType)
		pins = append(pins, pin)
	}
	return pins, rows.Err()
}

func (self *SqlitePinStore) Delete(ctx context.Context, uuid string) error {
	_, err := self.db.ExecContext(ctx, `DELETE FROM eventually_pins WHERE uuid = ?`, uuid)
	return err
}

func (self *SqlitePinStore) Count(ctx context.Context) (int, error) {
	row := self.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM eventually_pins`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (self *SqlitePinStore) Clear(ctx context.Context) error {
	_, err := self.db.ExecContext(ctx, `DELETE FROM eventually_pins`)
	return err
}

func (self *SqlitePinStore) Close() error {
	return self.db.Close()
}
