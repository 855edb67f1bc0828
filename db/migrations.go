package db

// Schema for the bridge entity store. Objects, per-protocol user
// identities, follower edges, cross-protocol copies, and the receive
// queue all live in sqlite.
const (
	sqlCreateObjectsTable = `CREATE TABLE IF NOT EXISTS objects (
		id TEXT NOT NULL PRIMARY KEY,
		payload TEXT,
		source_protocol TEXT NOT NULL DEFAULT '',
		delivered_protocol TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'new',
		type TEXT NOT NULL DEFAULT '',
		users TEXT NOT NULL DEFAULT '[]',
		notify TEXT NOT NULL DEFAULT '[]',
		feed TEXT NOT NULL DEFAULT '[]',
		delivered TEXT NOT NULL DEFAULT '[]',
		failed TEXT NOT NULL DEFAULT '[]',
		object_ids TEXT NOT NULL DEFAULT '[]',
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateObjectsIndices = `
		CREATE INDEX IF NOT EXISTS idx_objects_status ON objects(status);
		CREATE INDEX IF NOT EXISTS idx_objects_updated_at ON objects(updated_at);
	`

	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		protocol TEXT NOT NULL,
		handle TEXT NOT NULL DEFAULT '',
		obj_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_accounts_handle ON accounts(handle);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		follow_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(from_id, to_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_from_id ON follows(from_id);
		CREATE INDEX IF NOT EXISTS idx_follows_to_id ON follows(to_id);
	`

	sqlCreateCopiesTable = `CREATE TABLE IF NOT EXISTS copies (
		uri TEXT NOT NULL,
		protocol TEXT NOT NULL,
		owner_kind TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		PRIMARY KEY(uri, owner_kind, owner_id)
	)`

	sqlCreateCopiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_copies_owner ON copies(owner_kind, owner_id);
	`

	sqlCreateQueueTable = `CREATE TABLE IF NOT EXISTS receive_queue (
		id TEXT NOT NULL PRIMARY KEY,
		object_id TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_receive_queue_next_retry ON receive_queue(next_retry_at);
	`
)

// RunMigrations creates all bridge tables and indices.
func (db *DB) RunMigrations() error {
	stmts := []string{
		sqlCreateObjectsTable,
		sqlCreateObjectsIndices,
		sqlCreateAccountsTable,
		sqlCreateAccountsIndices,
		sqlCreateFollowsTable,
		sqlCreateFollowsIndices,
		sqlCreateCopiesTable,
		sqlCreateCopiesIndices,
		sqlCreateQueueTable,
		sqlCreateQueueIndices,
	}
	for _, stmt := range stmts {
		if _, err := db.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
