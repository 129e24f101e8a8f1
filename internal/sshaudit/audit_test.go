package sshaudit

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/shellvault/internal/database"
	"github.com/gluk-w/shellvault/internal/sshmanager"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// A temp file DB with a single connection serializes concurrent writes.
	// Each test gets its own file via t.TempDir().
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { database.Close(db) })
	return db
}

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	a, err := NewAuditor(setupTestDB(t), 90)
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}
	return a
}

func event(serverID uuid.UUID, name string, typ sshmanager.EventType, details string, at time.Time) sshmanager.ConnectionEvent {
	return sshmanager.ConnectionEvent{
		ConnectionID: uuid.New(),
		ServerID:     serverID,
		ServerName:   name,
		Type:         typ,
		Details:      details,
		Timestamp:    at,
	}
}

type fakeSource struct {
	listeners []sshmanager.EventListener
}

func (f *fakeSource) OnEvent(fn sshmanager.EventListener) { f.listeners = append(f.listeners, fn) }

func (f *fakeSource) publish(e sshmanager.ConnectionEvent) {
	for _, fn := range f.listeners {
		fn(e)
	}
}

func TestNewAuditor_CreatesTable(t *testing.T) {
	db := setupTestDB(t)
	if _, err := NewAuditor(db, 0); err != nil {
		t.Fatalf("new auditor: %v", err)
	}

	var count int64
	if err := db.Model(&database.SSHAuditLog{}).Count(&count).Error; err != nil {
		t.Fatalf("query audit table: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 entries in new table, got %d", count)
	}
}

func TestNewAuditor_RetentionDays(t *testing.T) {
	a, err := NewAuditor(setupTestDB(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.RetentionDays() != DefaultRetentionDays {
		t.Errorf("expected %d retention days, got %d", DefaultRetentionDays, a.RetentionDays())
	}
}

func TestRecord(t *testing.T) {
	a := newTestAuditor(t)
	serverID := uuid.New()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	e := event(serverID, "web-1", sshmanager.EventCommandExecuted, "uptime", at)

	if err := a.Record(e); err != nil {
		t.Fatalf("record: %v", err)
	}

	res, err := a.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.Total != 1 || len(res.Entries) != 1 {
		t.Fatalf("expected 1 entry, got total=%d len=%d", res.Total, len(res.Entries))
	}
	got := res.Entries[0]
	if got.ServerID != serverID.String() || got.ServerName != "web-1" || got.EventType != "command_executed" ||
		got.Details != "uptime" || got.ConnectionID != e.ConnectionID.String() {
		t.Errorf("unexpected entry: %+v", got)
	}
	if !got.CreatedAt.Equal(at) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, at)
	}
}

func TestRecord_FailedConnectHasNoConnectionID(t *testing.T) {
	a := newTestAuditor(t)
	e := event(uuid.New(), "web-1", sshmanager.EventConnectFailed, "authentication failed", time.Now())
	e.ConnectionID = uuid.Nil
	if err := a.Record(e); err != nil {
		t.Fatal(err)
	}
	res, _ := a.Query(QueryOptions{})
	if res.Entries[0].ConnectionID != "" {
		t.Errorf("expected empty connection id, got %q", res.Entries[0].ConnectionID)
	}
}

func TestAttach(t *testing.T) {
	a := newTestAuditor(t)
	src := &fakeSource{}
	a.Attach(src)

	serverID := uuid.New()
	for _, typ := range []sshmanager.EventType{
		sshmanager.EventConnected,
		sshmanager.EventCommandExecuted,
		sshmanager.EventNetworkLost,
		sshmanager.EventReconnecting,
		sshmanager.EventDisconnected,
	} {
		src.publish(event(serverID, "db-1", typ, "", time.Now()))
	}

	res, err := a.Query(QueryOptions{ServerID: serverID.String()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 5 {
		t.Errorf("expected 5 audited events, got %d", res.Total)
	}
}

func TestQuery_Filters(t *testing.T) {
	a := newTestAuditor(t)
	web, db := uuid.New(), uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a.Record(event(web, "web", sshmanager.EventConnected, "", base))
	a.Record(event(web, "web", sshmanager.EventCommandExecuted, "ls", base.Add(time.Hour)))
	a.Record(event(db, "db", sshmanager.EventConnected, "", base.Add(2*time.Hour)))
	a.Record(event(db, "db", sshmanager.EventCommandExecuted, "psql", base.Add(3*time.Hour)))

	since := base.Add(90 * time.Minute)
	until := base.Add(150 * time.Minute)
	tests := []struct {
		name string
		opts QueryOptions
		want int64
	}{
		{"all", QueryOptions{}, 4},
		{"by server id", QueryOptions{ServerID: web.String()}, 2},
		{"by server name", QueryOptions{ServerName: "db"}, 2},
		{"by event type", QueryOptions{EventType: "command_executed"}, 2},
		{"server and type", QueryOptions{ServerName: "db", EventType: "connected"}, 1},
		{"since", QueryOptions{Since: &since}, 2},
		{"window", QueryOptions{Since: &since, Until: &until}, 1},
		{"no match", QueryOptions{ServerName: "nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Query(tt.opts)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if res.Total != tt.want || int64(len(res.Entries)) != tt.want {
				t.Errorf("total=%d len=%d, want %d", res.Total, len(res.Entries), tt.want)
			}
		})
	}
}

func TestQuery_PaginationAndOrder(t *testing.T) {
	a := newTestAuditor(t)
	serverID := uuid.New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		a.Record(event(serverID, "web", sshmanager.EventCommandExecuted, fmt.Sprintf("cmd-%d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	page, err := a.Query(QueryOptions{Limit: 10, Offset: 0})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 25 || len(page.Entries) != 10 || page.Limit != 10 {
		t.Fatalf("unexpected first page: total=%d len=%d limit=%d", page.Total, len(page.Entries), page.Limit)
	}
	if page.Entries[0].Details != "cmd-24" {
		t.Errorf("newest first: got %q", page.Entries[0].Details)
	}

	last, _ := a.Query(QueryOptions{Limit: 10, Offset: 20})
	if len(last.Entries) != 5 || last.Entries[4].Details != "cmd-0" {
		t.Errorf("unexpected last page: %d entries", len(last.Entries))
	}

	def, _ := a.Query(QueryOptions{Limit: -1})
	if def.Limit != 50 {
		t.Errorf("default limit = %d, want 50", def.Limit)
	}
	capped, _ := a.Query(QueryOptions{Limit: 5000})
	if capped.Limit != 1000 {
		t.Errorf("capped limit = %d, want 1000", capped.Limit)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a.SetNowFunc(func() time.Time { return now })

	serverID := uuid.New()
	a.Record(event(serverID, "web", sshmanager.EventConnected, "old", now.AddDate(0, 0, -100)))
	a.Record(event(serverID, "web", sshmanager.EventConnected, "recent", now.AddDate(0, 0, -10)))
	a.Record(event(serverID, "web", sshmanager.EventConnected, "today", now))

	deleted, err := a.PurgeOlderThan(0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted with default retention, got %d", deleted)
	}

	deleted, _ = a.PurgeOlderThan(5)
	if deleted != 1 {
		t.Errorf("expected 1 deleted with 5 days, got %d", deleted)
	}

	deleted, _ = a.PurgeOlderThan(5)
	if deleted != 0 {
		t.Errorf("expected nothing left to delete, got %d", deleted)
	}

	res, _ := a.Query(QueryOptions{})
	if res.Total != 1 || res.Entries[0].Details != "today" {
		t.Errorf("unexpected survivors: %+v", res.Entries)
	}
}

func TestSchedulePurge(t *testing.T) {
	a := newTestAuditor(t)

	if _, err := a.SchedulePurge("not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}

	c, err := a.SchedulePurge("@daily")
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	defer c.Stop()
	if len(c.Entries()) != 1 {
		t.Errorf("expected 1 scheduled entry, got %d", len(c.Entries()))
	}
}

func TestConcurrentRecord(t *testing.T) {
	a := newTestAuditor(t)
	serverID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				a.Record(event(serverID, "web", sshmanager.EventCommandExecuted, fmt.Sprintf("%d-%d", i, j), time.Now()))
			}
		}(i)
	}
	wg.Wait()

	res, err := a.Query(QueryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 50 {
		t.Errorf("expected 50 entries, got %d", res.Total)
	}
}
