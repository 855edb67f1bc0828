package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// QueueItem is one pending re-dispatch of a stored object into the
// receive pipeline. The queue is at-least-once: the pipeline must
// tolerate duplicate invocations for the same object.
type QueueItem struct {
	Id          uuid.UUID
	ObjectId    string
	Attempts    int
	NextRetryAt time.Time
	CreatedAt   time.Time
}

const (
	sqlInsertQueueItem = `INSERT INTO receive_queue(id, object_id, attempts, next_retry_at, created_at)
                          VALUES (?, ?, ?, ?, ?)`
	sqlSelectPendingQueue = `SELECT id, object_id, attempts, next_retry_at, created_at FROM receive_queue
                             WHERE next_retry_at <= ? ORDER BY next_retry_at LIMIT ?`
	sqlUpdateQueueAttempt = `UPDATE receive_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteQueueItem    = `DELETE FROM receive_queue WHERE id = ?`
	sqlCountQueue         = `SELECT COUNT(*) FROM receive_queue`
)

// EnqueueReceive schedules a stored object for asynchronous processing.
func (db *DB) EnqueueReceive(objectId string) error {
	now := time.Now()
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertQueueItem, uuid.New().String(), objectId, 0, now, now)
		return err
	})
}

// ReadPendingReceives returns due queue items, oldest first.
func (db *DB) ReadPendingReceives(limit int) ([]QueueItem, error) {
	rows, err := db.db.Query(sqlSelectPendingQueue, time.Now(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var item QueueItem
		var id string
		if err := rows.Scan(&id, &item.ObjectId, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Id, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateReceiveAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateQueueAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteReceive(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteQueueItem, id.String())
		return err
	})
}

// QueueDepth returns the number of queued re-dispatches.
func (db *DB) QueueDepth() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountQueue).Scan(&n)
	return n, err
}
