// Package server is the authoritative favorites service: a SQLite-backed
// collection of (user, product) pairs exposed over HTTP, with a websocket
// feed announcing changes to every session of the same user.
package server

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// FavoriteRecord is one favorited product of one user.
type FavoriteRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ProductID string    `json:"productId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS favorites (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(user_id, product_id)
);
CREATE INDEX IF NOT EXISTS favorites_user_created ON favorites(user_id, created_at);
`

// Store persists FavoriteRecords. Create and Delete are idempotent and safe
// to call concurrently for the same pair.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (creating if needed) the SQLite database at dsn. A dsn of
// the form "file:name?mode=memory&cache=shared" gives a private in-memory
// database.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between our own goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating favorites table")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create favorites productID for userID. It returns false, and no error, if
// the pair already exists.
func (s *Store) Create(ctx context.Context, userID, productID string) (bool, error) {
	var now = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO favorites (id, user_id, product_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, product_id) DO NOTHING`,
		uuid.NewString(), userID, productID, now, now)
	if err != nil {
		return false, errors.Wrapf(err, "creating favorite %s/%s", userID, productID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading affected rows")
	}
	return n == 1, nil
}

// Delete removes productID from userID's favorites. It returns false, and no
// error, if the pair does not exist.
func (s *Store) Delete(ctx context.Context, userID, productID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM favorites WHERE user_id = ? AND product_id = ?`, userID, productID)
	if err != nil {
		return false, errors.Wrapf(err, "deleting favorite %s/%s", userID, productID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading affected rows")
	}
	return n == 1, nil
}

// List returns userID's favorites, oldest first.
func (s *Store) List(ctx context.Context, userID string) ([]FavoriteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, product_id, created_at, updated_at
		FROM favorites WHERE user_id = ?
		ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "listing favorites of %s", userID)
	}
	defer rows.Close()

	var out []FavoriteRecord
	for rows.Next() {
		var r FavoriteRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProductID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning favorite")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterating favorites")
}

// ProductIDs returns the product ids of userID's favorites, oldest first.
func (s *Store) ProductIDs(ctx context.Context, userID string) ([]string, error) {
	records, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	var ids = make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ProductID
	}
	return ids, nil
}
