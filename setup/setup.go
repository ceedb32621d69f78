// Setup helps initialize applications.
package setup

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/treeline/backstop/models"
	"github.com/treeline/backstop/models/db"
	"github.com/treeline/backstop/models/jobs"
	"github.com/treeline/backstop/models/schedules"

	_ "github.com/lib/pq"
)

var mu sync.Mutex

var activeQueriesStmt *sql.Stmt

func prepare() (err error) {
	if !db.Connected() {
		return errors.New("setup: no DB connection was established, can't query")
	}

	activeQueriesStmt, err = db.Conn.Prepare(`-- setup.GetActiveQueries
SELECT count(*) FROM pg_stat_activity
WHERE state='active'
	`)
	return
}

// DefaultConnection connects to a Postgres database using the DATABASE_URL
// environment variable.
var DefaultConnection = &DatabaseURLConnector{}

// DatabaseURLConnector connects to the database using the DATABASE_URL
// environment variable.
type DatabaseURLConnector struct {
	mu sync.Mutex
}

// Connect to the database using the DATABASE_URL environment variable with
// the given number of database connections, and store the result in conn.
func (dc *DatabaseURLConnector) Connect(conn *sql.DB, dbConns int) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if conn == nil {
		return errors.New("setup: cannot assign to nil conn")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return errors.New("setup: no value provided for DATABASE_URL, cannot connect")
	}
	d, err := sql.Open("postgres", url)
	if err != nil {
		return err
	}
	d.SetMaxOpenConns(dbConns)
	if dbConns > 10 {
		d.SetMaxIdleConns(dbConns - 3)
	} else if dbConns > 5 {
		d.SetMaxIdleConns(dbConns - 2)
	}
	*conn = *d
	return nil
}

func GetActiveQueries() (count int64, err error) {
	err = activeQueriesStmt.QueryRow().Scan(&count)
	return
}

// MeasureActiveQueries reports the number of active database queries on the
// given interval, forever.
func MeasureActiveQueries(interval time.Duration) {
	for range time.Tick(interval) {
		count, err := GetActiveQueries()
		if err == nil {
			go metrics.Measure("active_queries.count", count)
		} else {
			go metrics.Increment("active_queries.error")
		}
	}
}

// MeasureQueueDepth reports the total and pending job counts on the given
// interval, forever.
func MeasureQueueDepth(interval time.Duration) {
	for range time.Tick(interval) {
		allCount, pendingCount, err := jobs.CountPendingAndAll()
		if err == nil {
			go metrics.Measure("queue_depth.all", int64(allCount))
			go metrics.Measure("queue_depth.pending", int64(pendingCount))
		} else {
			go metrics.Increment("queue_depth.error")
		}
	}
}

// MeasureRunningJobs reports per-type running job counts on the given
// interval, forever.
func MeasureRunningJobs(interval time.Duration) {
	for range time.Tick(interval) {
		m, err := jobs.GetCountsByStatus(models.StatusRunning)
		if err == nil {
			count := int64(0)
			for jobType, typeCount := range m {
				count += typeCount
				go metrics.Measure(fmt.Sprintf("jobs.%s.running", jobType), typeCount)
			}
			go metrics.Measure("jobs.running", count)
		} else {
			go metrics.Increment("jobs.running.error")
		}
	}
}

// DB initializes a connection to the database, and prepares queries on all
// models.
func DB(connector db.Connector, dbConns int) error {
	mu.Lock()
	defer mu.Unlock()
	if db.Conn == nil {
		db.Conn = &sql.DB{}
	} else {
		if err := db.Conn.Ping(); err == nil {
			// Already connected.
			return nil
		}
	}
	if err := connector.Connect(db.Conn, dbConns); err != nil {
		return errors.New("setup: could not establish a database connection: " + err.Error())
	}
	if err := db.Conn.Ping(); err != nil {
		return errors.New("setup: could not establish a database connection: " + err.Error())
	}
	return PrepareAll()
}

// PrepareAll prepares the statements of every model package.
func PrepareAll() error {
	if err := jobs.Setup(); err != nil {
		return err
	}
	if err := schedules.Setup(); err != nil {
		return err
	}
	return prepare()
}
