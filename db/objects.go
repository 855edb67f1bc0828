package db

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/deemkeen/fedbridge/domain"
)

const (
	sqlSelectObject = `SELECT id, payload, source_protocol, delivered_protocol, status, type,
                       users, notify, feed, delivered, failed, object_ids, deleted, created_at, updated_at
                       FROM objects WHERE id = ?`
	sqlSelectRecentObjects = `SELECT id, payload, source_protocol, delivered_protocol, status, type,
                              users, notify, feed, delivered, failed, object_ids, deleted, created_at, updated_at
                              FROM objects ORDER BY updated_at DESC LIMIT ?`
	sqlInsertObject = `INSERT INTO objects(id, payload, source_protocol, delivered_protocol, status, type,
                       users, notify, feed, delivered, failed, object_ids, deleted, created_at, updated_at)
                       VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateObject = `UPDATE objects SET payload = ?, source_protocol = ?, delivered_protocol = ?,
                       status = ?, type = ?, users = ?, notify = ?, feed = ?, delivered = ?, failed = ?,
                       object_ids = ?, deleted = ?, updated_at = ? WHERE id = ?`

	sqlDeleteCopies     = `DELETE FROM copies WHERE owner_kind = ? AND owner_id = ?`
	sqlInsertCopy       = `INSERT OR REPLACE INTO copies(uri, protocol, owner_kind, owner_id) VALUES (?, ?, ?, ?)`
	sqlSelectCopies     = `SELECT uri, protocol FROM copies WHERE owner_kind = ? AND owner_id = ?`
	sqlSelectCopyOwner  = `SELECT owner_kind, owner_id, protocol FROM copies WHERE uri = ?`
)

// ReadObject returns the stored object by id, or nil if absent.
func (db *DB) ReadObject(id string) (*domain.Object, error) {
	row := db.db.QueryRow(sqlSelectObject, id)
	obj, err := scanObject(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	copies, err := db.readCopies("object", obj.Id)
	if err != nil {
		return nil, err
	}
	obj.Copies = copies
	return obj, nil
}

// PutObject creates the object if absent, otherwise updates it in place.
// Concurrent writers to the same id must not clobber each other's
// bookkeeping, so the list fields (users, notify, feed, delivered,
// failed, object_ids) are merged as set unions inside one transaction
// rather than overwritten. A target that is delivered on a retry is
// removed from failed, keeping delivered and failed disjoint.
func (db *DB) PutObject(obj *domain.Object) error {
	now := time.Now()
	return db.wrapTransaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(sqlSelectObject, obj.Id)
		existing, err := scanObject(row.Scan)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		if obj.Type == "" {
			obj.Type = obj.DeriveType()
		}

		if existing == nil {
			obj.CreatedAt = now
			obj.UpdatedAt = now
			payload, err := marshalPayload(obj.Payload)
			if err != nil {
				return err
			}
			_, err = tx.Exec(sqlInsertObject, obj.Id, payload,
				obj.SourceProtocol, obj.DeliveredProtocol, orNew(obj.Status), obj.Type,
				marshalStrings(obj.Users), marshalStrings(obj.Notify), marshalStrings(obj.Feed),
				marshalStrings(obj.Delivered), marshalStrings(obj.Failed), marshalStrings(obj.ObjectIds),
				obj.Deleted, obj.CreatedAt, obj.UpdatedAt)
			if err != nil {
				return err
			}
			return syncCopies(tx, "object", obj.Id, obj.Copies)
		}

		obj.Users = unionStrings(existing.Users, obj.Users)
		obj.Notify = unionStrings(existing.Notify, obj.Notify)
		obj.Feed = unionStrings(existing.Feed, obj.Feed)
		obj.ObjectIds = unionStrings(existing.ObjectIds, obj.ObjectIds)
		obj.Delivered = unionStrings(existing.Delivered, obj.Delivered)
		obj.Failed = subtractStrings(unionStrings(existing.Failed, obj.Failed), obj.Delivered)
		obj.CreatedAt = existing.CreatedAt
		obj.UpdatedAt = now

		payload, err := marshalPayload(obj.Payload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(sqlUpdateObject, payload,
			obj.SourceProtocol, obj.DeliveredProtocol, orNew(obj.Status), obj.Type,
			marshalStrings(obj.Users), marshalStrings(obj.Notify), marshalStrings(obj.Feed),
			marshalStrings(obj.Delivered), marshalStrings(obj.Failed), marshalStrings(obj.ObjectIds),
			obj.Deleted, obj.UpdatedAt, obj.Id)
		if err != nil {
			return err
		}
		return syncCopies(tx, "object", obj.Id, obj.Copies)
	})
}

// ReadRecentObjects returns the most recently touched objects, newest
// first. Used by the feed and the admin console.
func (db *DB) ReadRecentObjects(limit int) ([]domain.Object, error) {
	rows, err := db.db.Query(sqlSelectRecentObjects, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []domain.Object
	for rows.Next() {
		obj, err := scanObject(rows.Scan)
		if err != nil {
			return nil, err
		}
		objects = append(objects, *obj)
	}
	return objects, rows.Err()
}

// ReadCopyOwner resolves a copy uri back to its owning entity, returning
// the owner kind ("user" or "object"), its id and the copy's protocol.
// Returns empty strings if the uri is not a registered copy.
func (db *DB) ReadCopyOwner(uri string) (string, string, string, error) {
	row := db.db.QueryRow(sqlSelectCopyOwner, uri)
	var kind, owner, protocol string
	err := row.Scan(&kind, &owner, &protocol)
	if err == sql.ErrNoRows {
		return "", "", "", nil
	}
	if err != nil {
		return "", "", "", err
	}
	return kind, owner, protocol, nil
}

func (db *DB) readCopies(kind, owner string) ([]domain.Target, error) {
	rows, err := db.db.Query(sqlSelectCopies, kind, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var copies []domain.Target
	for rows.Next() {
		var t domain.Target
		if err := rows.Scan(&t.URI, &t.Protocol); err != nil {
			return nil, err
		}
		copies = append(copies, t)
	}
	return copies, rows.Err()
}

func syncCopies(tx *sql.Tx, kind, owner string, copies []domain.Target) error {
	if copies == nil {
		return nil
	}
	if _, err := tx.Exec(sqlDeleteCopies, kind, owner); err != nil {
		return err
	}
	for _, c := range copies {
		if _, err := tx.Exec(sqlInsertCopy, c.URI, c.Protocol, kind, owner); err != nil {
			return err
		}
	}
	return nil
}

type scanFunc func(dest ...any) error

func scanObject(scan scanFunc) (*domain.Object, error) {
	var obj domain.Object
	var payload sql.NullString
	var users, notify, feed, delivered, failed, objectIds string
	err := scan(&obj.Id, &payload, &obj.SourceProtocol, &obj.DeliveredProtocol,
		&obj.Status, &obj.Type, &users, &notify, &feed, &delivered, &failed,
		&objectIds, &obj.Deleted, &obj.CreatedAt, &obj.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &obj.Payload); err != nil {
			return nil, err
		}
	}
	obj.Users = unmarshalStrings(users)
	obj.Notify = unmarshalStrings(notify)
	obj.Feed = unmarshalStrings(feed)
	obj.Delivered = unmarshalStrings(delivered)
	obj.Failed = unmarshalStrings(failed)
	obj.ObjectIds = unmarshalStrings(objectIds)
	return &obj, nil
}

func marshalPayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(buf), nil
}

func orNew(status string) string {
	if status == "" {
		return domain.StatusNew
	}
	return status
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func subtractStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	drop := make(map[string]bool, len(b))
	for _, s := range b {
		drop[s] = true
	}
	var out []string
	for _, s := range a {
		if !drop[s] {
			out = append(out, s)
		}
	}
	return out
}
