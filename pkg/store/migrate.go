package store

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"time"

	"gorm.io/gorm"
)

// MigrationLocker serializes schema migrations so that multiple bridge
// replicas pointed at the same database cannot run AutoMigrate concurrently.
type MigrationLocker interface {
	// WithLock executes fn while holding the migration lock.
	// It blocks until the lock is acquired, then releases it after fn returns.
	WithLock(ctx context.Context, fn func() error) error
}

// lockSettings tune lease acquisition for the table-based strategy.
type lockSettings struct {
	retryInterval time.Duration
	staleAfter    time.Duration
	maxWait       time.Duration
	logger        *slog.Logger
}

// LockOption tunes a MigrationLocker.
type LockOption func(*lockSettings)

// WithLockRetryInterval sets the pause between acquisition attempts.
func WithLockRetryInterval(d time.Duration) LockOption {
	return func(s *lockSettings) { s.retryInterval = d }
}

// WithLockStaleAfter sets the age past which a lease left by a crashed
// holder is reclaimed.
func WithLockStaleAfter(d time.Duration) LockOption {
	return func(s *lockSettings) { s.staleAfter = d }
}

// WithLockMaxWait bounds the total time spent waiting for the lease.
func WithLockMaxWait(d time.Duration) LockOption {
	return func(s *lockSettings) { s.maxWait = d }
}

// WithLockLogger sets the logger used to report contention.
func WithLockLogger(logger *slog.Logger) LockOption {
	return func(s *lockSettings) { s.logger = logger }
}

// NewMigrationLocker creates a MigrationLocker appropriate for the database
// dialect. PostgreSQL uses advisory locks; other databases lease a row in a
// lock table. The lease table is created up front so concurrent callers
// never race its creation.
func NewMigrationLocker(db *gorm.DB, opts ...LockOption) MigrationLocker {
	settings := lockSettings{
		retryInterval: 500 * time.Millisecond,
		staleAfter:    5 * time.Minute,
		maxWait:       30 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&settings)
	}
	if db == nil {
		return &noopMigrationLock{}
	}
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{
			db:       db,
			lockID:   int64(crc32.ChecksumIEEE([]byte("identity-bridge-migration"))),
			settings: settings,
		}
	}
	lock := &leaseMigrationLock{db: db, settings: settings}
	_ = db.AutoMigrate(&migrationLease{})
	return lock
}

// noopMigrationLock is used when no database is configured.
type noopMigrationLock struct{}

func (n *noopMigrationLock) WithLock(_ context.Context, fn func() error) error {
	return fn()
}

// pgAdvisoryLock uses PostgreSQL advisory locks for migration serialization.
type pgAdvisoryLock struct {
	db       *gorm.DB
	lockID   int64
	settings lockSettings
}

func (l *pgAdvisoryLock) WithLock(ctx context.Context, fn func() error) error {
	if l.settings.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.settings.maxWait)
		defer cancel()
	}
	if err := l.db.WithContext(ctx).Exec("SELECT pg_advisory_lock(?)", l.lockID).Error; err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_ = l.db.Exec("SELECT pg_advisory_unlock(?)", l.lockID).Error
	}()
	return fn()
}

// migrationLease is the lease row for non-PostgreSQL databases. Exactly one
// row with ID leaseID may exist; holding it is holding the lock.
type migrationLease struct {
	ID         string    `gorm:"primaryKey;column:id"`
	Holder     string    `gorm:"column:holder"`
	AcquiredAt time.Time `gorm:"column:acquired_at"`
}

func (migrationLease) TableName() string { return "migration_leases" }

const leaseID = "schema"

// leaseMigrationLock serializes migrations on SQLite and MySQL by inserting
// a lease row. The primary key makes the insert mutually exclusive; leases
// older than staleAfter are treated as abandoned by a crashed replica and
// reclaimed.
type leaseMigrationLock struct {
	db       *gorm.DB
	settings lockSettings
}

func leaseHolder() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s/%d", hostname, os.Getpid())
}

func (l *leaseMigrationLock) WithLock(ctx context.Context, fn func() error) error {
	holder := leaseHolder()
	deadline := time.Now().Add(l.settings.maxWait)

	for {
		acquired, err := l.tryAcquire(ctx, holder)
		if err != nil {
			return fmt.Errorf("acquire migration lease: %w", err)
		}
		if acquired {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("acquire migration lease: still held after %s", l.settings.maxWait)
		}
		l.settings.logger.Info("waiting for migration lease", "holder", holder)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.settings.retryInterval):
		}
	}

	defer func() {
		// Release only our own lease; a reclaimed-and-reissued lease
		// belongs to another holder.
		_ = l.db.Where("id = ? AND holder = ?", leaseID, holder).Delete(&migrationLease{}).Error
	}()
	return fn()
}

func (l *leaseMigrationLock) tryAcquire(ctx context.Context, holder string) (bool, error) {
	stale := time.Now().Add(-l.settings.staleAfter)
	reclaim := l.db.WithContext(ctx).
		Where("id = ? AND acquired_at < ?", leaseID, stale).
		Delete(&migrationLease{})
	if reclaim.Error != nil {
		return false, reclaim.Error
	}
	if reclaim.RowsAffected > 0 {
		l.settings.logger.Warn("reclaimed stale migration lease", "staleAfter", l.settings.staleAfter)
	}

	return CreateIfAbsent(l.db.WithContext(ctx), &migrationLease{
		ID:         leaseID,
		Holder:     holder,
		AcquiredAt: time.Now(),
	})
}
