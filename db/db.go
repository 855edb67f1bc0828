package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/fedbridge/domain"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB is the entity store. It exclusively owns persisted state; callers
// only ever see copies of what lives here.
type DB struct {
	db *sql.DB
}

const (
	sqlInsertAccount = `INSERT INTO accounts(id, protocol, handle, obj_id, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlUpdateAccount = `UPDATE accounts SET handle = ?, obj_id = ? WHERE id = ?`
	sqlSelectAccount = `SELECT id, protocol, handle, obj_id, created_at FROM accounts WHERE id = ?`
	sqlSelectAccountByHandle = `SELECT id, protocol, handle, obj_id, created_at FROM accounts WHERE handle = ?`

	sqlInsertFollow = `INSERT INTO follows(id, from_id, to_id, status, follow_id, created_at, updated_at)
                       VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateFollowStatus = `UPDATE follows SET status = ?, follow_id = ?, updated_at = ? WHERE from_id = ? AND to_id = ?`
	sqlSelectFollow       = `SELECT id, from_id, to_id, status, follow_id, created_at, updated_at FROM follows
                             WHERE from_id = ? AND to_id = ?`
	sqlSelectFollowersOf = `SELECT id, from_id, to_id, status, follow_id, created_at, updated_at FROM follows
                            WHERE to_id = ? AND status = ? ORDER BY created_at`
	sqlDeactivateTouching = `UPDATE follows SET status = 'inactive', updated_at = ? WHERE from_id = ? OR to_id = ?`
)

// Open opens (or creates) the store at the given sqlite DSN and runs
// migrations. Use ":memory:" in tests.
func Open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent pipeline workers.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("DB: rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// CreateUser inserts a user record if absent. Users are created lazily
// on first reference, so an existing row is not an error.
func (db *DB) CreateUser(u *domain.User) error {
	existing, err := db.ReadUser(u.Id)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlInsertAccount, u.Id, u.Protocol, u.Handle, u.ObjId, u.CreatedAt); err != nil {
			return err
		}
		return syncCopies(tx, "user", u.Id, u.Copies)
	})
}

// UpdateUser updates handle, profile object reference and copies.
func (db *DB) UpdateUser(u *domain.User) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlUpdateAccount, u.Handle, u.ObjId, u.Id); err != nil {
			return err
		}
		return syncCopies(tx, "user", u.Id, u.Copies)
	})
}

func (db *DB) ReadUser(id string) (*domain.User, error) {
	row := db.db.QueryRow(sqlSelectAccount, id)
	return db.scanUser(row)
}

func (db *DB) ReadUserByHandle(handle string) (*domain.User, error) {
	row := db.db.QueryRow(sqlSelectAccountByHandle, handle)
	return db.scanUser(row)
}

func (db *DB) scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.Id, &u.Protocol, &u.Handle, &u.ObjId, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	copies, err := db.readCopies("user", u.Id)
	if err != nil {
		return nil, err
	}
	u.Copies = copies
	return &u, nil
}

// GetOrCreateFollower creates a follow edge or reactivates an existing
// one in place. At most one edge exists per ordered (from, to) pair.
func (db *DB) GetOrCreateFollower(from, to, status, followId string) (*domain.Follower, error) {
	existing, err := db.ReadFollower(from, to)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if existing != nil {
		existing.Status = status
		if followId != "" {
			existing.FollowId = followId
		}
		existing.UpdatedAt = now
		err := db.wrapTransaction(func(tx *sql.Tx) error {
			_, err := tx.Exec(sqlUpdateFollowStatus, existing.Status, existing.FollowId, now, from, to)
			return err
		})
		if err != nil {
			return nil, err
		}
		return existing, nil
	}

	follower := &domain.Follower{
		Id:        uuid.New(),
		From:      from,
		To:        to,
		Status:    status,
		FollowId:  followId,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow, follower.Id.String(), from, to, status, followId, now, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return follower, nil
}

func (db *DB) ReadFollower(from, to string) (*domain.Follower, error) {
	row := db.db.QueryRow(sqlSelectFollow, from, to)
	var f domain.Follower
	var id string
	err := row.Scan(&id, &f.From, &f.To, &f.Status, &f.FollowId, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Id, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ReadFollowersOf returns all edges pointing at the followee with the
// given status, in creation order.
func (db *DB) ReadFollowersOf(to, status string) ([]domain.Follower, error) {
	rows, err := db.db.Query(sqlSelectFollowersOf, to, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		var f domain.Follower
		var id string
		if err := rows.Scan(&id, &f.From, &f.To, &f.Status, &f.FollowId, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		f.Id, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		followers = append(followers, f)
	}
	return followers, rows.Err()
}

// DeactivateFollowersTouching deactivates every edge where the actor is
// follower or followee. Used on actor deletion; unrelated edges stay
// untouched.
func (db *DB) DeactivateFollowersTouching(actor string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeactivateTouching, time.Now(), actor, actor)
		return err
	})
}

func marshalStrings(list []string) string {
	if list == nil {
		list = []string{}
	}
	buf, err := json.Marshal(list)
	if err != nil {
		log.Printf("DB: marshal strings failed: %v", err)
		return "[]"
	}
	return string(buf)
}

func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		log.Printf("DB: unmarshal strings failed: %v", err)
		return nil
	}
	return out
}
