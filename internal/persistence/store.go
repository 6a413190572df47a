package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/ambari-agent/internal/scheduler"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CommandReport is the stored form of a command's latest execution report.
type CommandReport struct {
	TaskID            string
	ClusterName       string
	Role              string
	RoleCommand       string
	CommandType       string
	Status            string
	ExitCode          int
	Stdout            string
	Stderr            string
	StructuredOut     string
	ConfigurationTags map[string]map[string]string
	UpdatedAt         time.Time
}

// GroupRecord is a dispatched action group as recorded in history.
type GroupRecord struct {
	ID        string
	Seq       uint64
	CreatedAt time.Time
	TaskIDs   []string
}

// RecoveryCounter is the stored attempt history of one recovered component.
type RecoveryCounter struct {
	Component     string
	Count         int // Attempts in the current window
	LifetimeCount int
	LastAttempt   time.Time
	LastReset     time.Time
}

// Store defines the persistence interface for command reports and group history.
type Store interface {
	// Reports
	SaveReport(ctx context.Context, report CommandReport) error
	GetReport(ctx context.Context, taskID string) (CommandReport, error)
	ListReports(ctx context.Context, status string) ([]CommandReport, error)
	PruneReports(ctx context.Context, before time.Time) (int64, error)

	// Group history
	SaveGroup(ctx context.Context, group *scheduler.ActionGroup) error
	ListGroups(ctx context.Context, limit int) ([]GroupRecord, error)

	// Recovery attempt counters
	SaveRecoveryCounter(ctx context.Context, counter RecoveryCounter) error
	ListRecoveryCounters(ctx context.Context) ([]RecoveryCounter, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Each store gets its own named database shared by its connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:agent-%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite ignores _foreign_keys in the connection string
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for queries, one for nested member lookups
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
