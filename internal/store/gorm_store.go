package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"crabstack.local/projects/crab-observer/internal/event"
)

type GormStore struct {
	db        *gorm.DB
	writeMu   sync.Mutex
	observers observers
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&eventRow{}); err != nil {
		return fmt.Errorf("migrate event store: %w", err)
	}
	return nil
}

func (s *GormStore) OnCommit(fn func(event.Event)) {
	s.observers.add(fn)
}

// Commit writes the row and its index columns in one transaction. The
// sequence comes from MAX(sequence)+1 inside that transaction; writeMu
// keeps this process to a single writer and the primary key rejects a
// concurrent writer from another process, which surfaces as unavailable
// and is retried by the caller.
func (s *GormStore) Commit(ctx context.Context, ev event.Event) (event.Event, error) {
	if ev.ID == "" {
		return event.Event{}, fmt.Errorf("commit event: id is required")
	}

	s.writeMu.Lock()
	var committed event.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&eventRow{}).Where("event_id = ?", ev.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}

		var head int64
		if err := tx.Model(&eventRow{}).Select("COALESCE(MAX(sequence), 0)").Scan(&head).Error; err != nil {
			return err
		}

		next := ev.Clone()
		next.Sequence = head + 1
		row, err := rowFromEvent(next)
		if err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		committed = next
		return nil
	})
	if err != nil {
		s.writeMu.Unlock()
		switch {
		case errors.Is(err, ErrDuplicate):
			return event.Event{}, fmt.Errorf("%w: %s", ErrDuplicate, ev.ID)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return event.Event{}, err
		default:
			return event.Event{}, fmt.Errorf("%w: commit event %s: %v", ErrUnavailable, ev.ID, err)
		}
	}

	s.observers.publish(&s.writeMu, committed)
	return committed, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (event.Event, error) {
	var row eventRow
	if err := s.db.WithContext(ctx).Where("event_id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return event.Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return event.Event{}, fmt.Errorf("%w: get event: %v", ErrUnavailable, err)
	}
	return row.toEvent()
}

func (s *GormStore) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Where("event_id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("%w: check event: %v", ErrUnavailable, err)
	}
	return count > 0, nil
}

func (s *GormStore) QuerySession(ctx context.Context, sessionID string, r TimeRange) ([]event.Event, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	return s.find(withRange(q, r).Order("sequence ASC"))
}

func (s *GormStore) QueryByAgent(ctx context.Context, agentID string, r TimeRange) ([]event.Event, error) {
	q := s.db.WithContext(ctx).Where("agent_id = ?", agentID)
	return s.find(withRange(q, r).Order("sequence ASC"))
}

func (s *GormStore) QueryRange(ctx context.Context, rq RangeQuery) (Page, error) {
	limit := normalizeLimit(rq.Limit)
	q := withRange(s.db.WithContext(ctx).Model(&eventRow{}), rq.Range)
	q = withFilter(q, rq.Filter)
	if rq.Cursor != "" {
		cur, err := DecodeCursor(rq.Cursor)
		if err != nil {
			return Page{}, err
		}
		q = q.Where("(timestamp_ns > ? OR (timestamp_ns = ? AND sequence > ?))", cur.TimestampNS, cur.TimestampNS, cur.Sequence)
	}
	events, err := s.find(q.Order("timestamp_ns ASC").Order("sequence ASC").Limit(limit + 1))
	if err != nil {
		return Page{}, err
	}
	page := Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = CursorAfter(page.Events[limit-1]).Encode()
	}
	return page, nil
}

func (s *GormStore) Head(ctx context.Context) (int64, error) {
	var head int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Select("COALESCE(MAX(sequence), 0)").Scan(&head).Error; err != nil {
		return 0, fmt.Errorf("%w: head: %v", ErrUnavailable, err)
	}
	return head, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func (s *GormStore) find(q *gorm.DB) ([]event.Event, error) {
	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: query events: %v", ErrUnavailable, err)
	}
	out := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func withRange(q *gorm.DB, r TimeRange) *gorm.DB {
	if !r.From.IsZero() {
		q = q.Where("timestamp_ns >= ?", r.From.UnixNano())
	}
	if !r.To.IsZero() {
		q = q.Where("timestamp_ns < ?", r.To.UnixNano())
	}
	return q
}

func withFilter(q *gorm.DB, f Filter) *gorm.DB {
	in := func(q *gorm.DB, column string, values []string) *gorm.DB {
		switch len(values) {
		case 0:
			return q
		case 1:
			return q.Where(column+" = ?", values[0])
		default:
			return q.Where(column+" IN ?", values)
		}
	}
	q = in(q, "platform", f.Platforms)
	q = in(q, "source_app", f.SourceApps)
	q = in(q, "session_id", f.SessionIDs)
	q = in(q, "agent_id", f.AgentIDs)
	q = in(q, "event_type", f.EventTypes)
	q = in(q, "event_category", f.Categories)
	q = in(q, "severity", f.Severities)
	return q
}

// eventRow keeps the canonical JSON in Body and copies the indexed
// dimensions into columns. Row and index entries are written by the same
// INSERT, so they cannot diverge.
type eventRow struct {
	Sequence      int64     `gorm:"primaryKey;autoIncrement:false;index:idx_events_session_seq,priority:2;index:idx_events_time_seq,priority:2"`
	EventID       string    `gorm:"column:event_id;size:128;uniqueIndex;not null"`
	Platform      string    `gorm:"size:128;not null;index:idx_events_platform_time,priority:1"`
	SourceApp     string    `gorm:"size:191;not null;index"`
	AgentID       string    `gorm:"size:191;index:idx_events_agent_time,priority:1"`
	SessionID     string    `gorm:"size:191;not null;index:idx_events_session_seq,priority:1"`
	ParentEventID string    `gorm:"size:128"`
	EventType     string    `gorm:"size:128;not null;index:idx_events_type_time,priority:1"`
	EventCategory string    `gorm:"size:64;index"`
	Severity      string    `gorm:"size:16;index"`
	TimestampNS   int64     `gorm:"column:timestamp_ns;not null;index:idx_events_time_seq,priority:1;index:idx_events_agent_time,priority:2;index:idx_events_type_time,priority:2;index:idx_events_platform_time,priority:2"`
	IngestedAt    time.Time `gorm:"not null"`
	Body          string    `gorm:"type:text;not null"`
}

func (eventRow) TableName() string {
	return "events"
}

func rowFromEvent(ev event.Event) (eventRow, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return eventRow{}, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return eventRow{
		Sequence:      ev.Sequence,
		EventID:       ev.ID,
		Platform:      ev.Platform,
		SourceApp:     ev.SourceApp,
		AgentID:       ev.AgentID,
		SessionID:     ev.SessionID,
		ParentEventID: ev.ParentEventID,
		EventType:     ev.EventType,
		EventCategory: ev.EventCategory,
		Severity:      string(ev.Severity),
		TimestampNS:   ev.Timestamp.UnixNano(),
		IngestedAt:    ev.IngestedAt,
		Body:          string(body),
	}, nil
}

func (r eventRow) toEvent() (event.Event, error) {
	ev, err := event.Decode([]byte(r.Body))
	if err != nil {
		return event.Event{}, fmt.Errorf("decode event %s: %w", r.EventID, err)
	}
	ev.Sequence = r.Sequence
	return ev, nil
}
