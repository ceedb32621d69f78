// Shared database handle and the schema for the job core.
//
// Workers, the scheduler and the server run as separate processes and
// coordinate only through this database; every cross-process invariant
// (single active claim, idempotent terminal transitions, the scheduler's
// duplicate-enqueue guard) is enforced here with conditional updates.
package db

import (
	"database/sql"
	"sync"
)

var mu sync.Mutex

// Conn is a shared connection used by all database queries.
var Conn *sql.DB

// Connector establishes a connection to a Postgres database, with the given
// number of connections, and stores the connection in conn.
type Connector interface {
	Connect(conn *sql.DB, dbConns int) error
}

// Connected returns true if a connection exists to the database.
func Connected() bool {
	mu.Lock()
	defer mu.Unlock()
	return Conn != nil
}
