package sshaudit

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/gluk-w/shellvault/internal/database"
	"github.com/gluk-w/shellvault/internal/logging"
	"github.com/gluk-w/shellvault/internal/sshmanager"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// EventSource is anything that publishes connection events.
// *sshmanager.Manager implements it.
type EventSource interface {
	OnEvent(fn sshmanager.EventListener)
}

// Auditor persists connection events to the database and also emits log
// lines for observability.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates a new Auditor that writes to the given database.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := db.AutoMigrate(&database.SSHAuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Attach records every event src publishes from now on.
func (a *Auditor) Attach(src EventSource) {
	src.OnEvent(func(e sshmanager.ConnectionEvent) {
		a.Record(e)
	})
}

// Record writes one event. Failures are logged and returned; they never
// reach the connection that produced the event.
func (a *Auditor) Record(e sshmanager.ConnectionEvent) error {
	record := database.SSHAuditLog{
		ServerID:   e.ServerID.String(),
		ServerName: e.ServerName,
		EventType:  string(e.Type),
		Details:    e.Details,
		CreatedAt:  e.Timestamp,
	}
	if e.ConnectionID != uuid.Nil {
		record.ConnectionID = e.ConnectionID.String()
	}

	a.mu.RLock()
	err := a.db.Create(&record).Error
	a.mu.RUnlock()
	if err != nil {
		log.Printf("[ssh-audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[ssh-audit] %s server=%s conn=%s details=%s",
		e.Type,
		logging.Sanitize(e.ServerName),
		record.ConnectionID,
		logging.Sanitize(e.Details),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	ServerID   string
	ServerName string
	EventType  string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.SSHAuditLog `json:"entries"`
	Total   int64                  `json:"total"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

// Query retrieves audit log entries matching the given options, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.SSHAuditLog{})

	if opts.ServerID != "" {
		tx = tx.Where("server_id = ?", opts.ServerID)
	}
	if opts.ServerName != "" {
		tx = tx.Where("server_name = ?", opts.ServerName)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.SSHAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or older than the
// configured retention when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SSHAuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		log.Printf("[ssh-audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[ssh-audit] purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// SchedulePurge runs PurgeOlderThan with the configured retention on a cron
// schedule such as "@daily" or "0 3 * * *". The caller stops the returned
// scheduler.
func (a *Auditor) SchedulePurge(spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { a.PurgeOlderThan(0) }); err != nil {
		return nil, fmt.Errorf("schedule audit purge %q: %w", spec, err)
	}
	c.Start()
	log.Printf("[ssh-audit] retention purge scheduled (%s, %d days)", spec, a.retentionDays)
	return c, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
