package status

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/makeasinger/choreo/internal/model"
)

// taskRecord is the row layout of choreography_tasks.
type taskRecord struct {
	ID              string `gorm:"primaryKey;size:128"`
	Status          string `gorm:"size:16;not null;index"`
	Progress        int    `gorm:"not null;default:0"`
	Stage           string `gorm:"size:32"`
	Message         string `gorm:"type:text"`
	ResultRef       string `gorm:"type:text"`
	ResultDuration  float64
	ResultSize      int64
	Error           *string `gorm:"type:text"`
	CancelRequested bool    `gorm:"not null;default:false"`
	FallbackLevel   int
	Blueprint       []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

func (taskRecord) TableName() string { return "choreography_tasks" }

func recordFromTask(t *model.ChoreographyTask) *taskRecord {
	rec := &taskRecord{
		ID:              t.ID,
		Status:          string(t.Status),
		Progress:        t.Progress,
		Stage:           t.Stage,
		Message:         t.Message,
		Error:           t.Error,
		CancelRequested: t.CancelRequested,
		FallbackLevel:   t.FallbackLevel,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
		StartedAt:       t.StartedAt,
		CompletedAt:     t.CompletedAt,
	}
	if t.Result != nil {
		rec.ResultRef = t.Result.VideoRef
		rec.ResultDuration = t.Result.Duration
		rec.ResultSize = t.Result.Size
	}
	return rec
}

func (r *taskRecord) apply(t *model.ChoreographyTask) {
	keep := r.Blueprint
	*r = *recordFromTask(t)
	r.Blueprint = keep
}

func (r *taskRecord) task() *model.ChoreographyTask {
	t := &model.ChoreographyTask{
		ID:              r.ID,
		Status:          model.TaskStatus(r.Status),
		Progress:        r.Progress,
		Stage:           r.Stage,
		Message:         r.Message,
		Error:           r.Error,
		CancelRequested: r.CancelRequested,
		FallbackLevel:   r.FallbackLevel,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
	if r.ResultRef != "" {
		t.Result = &model.TaskResult{VideoRef: r.ResultRef, Duration: r.ResultDuration, Size: r.ResultSize}
	}
	return t
}

// SQLStore keeps tasks in Postgres through gorm.
type SQLStore struct {
	mu             sync.RWMutex
	db             *gorm.DB
	dsn            string
	connectTimeout time.Duration
	maxOpenConns   int
}

// OpenSQLStore connects, migrates the table and returns the store.
func OpenSQLStore(ctx context.Context, dsn string, connectTimeout time.Duration, maxOpenConns int) (*SQLStore, error) {
	s := &SQLStore{dsn: withConnectTimeout(dsn, connectTimeout), connectTimeout: connectTimeout, maxOpenConns: maxOpenConns}
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).AutoMigrate(&taskRecord{}); err != nil {
		return nil, classifySQL("migrate", err)
	}
	s.db = db
	return s, nil
}

func (s *SQLStore) open(ctx context.Context) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(s.dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, classifySQL("connect", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, classifySQL("connect", err)
	}
	if s.maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(s.maxOpenConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, classifySQL("connect", err)
	}
	return db, nil
}

func (s *SQLStore) gdb(ctx context.Context) *gorm.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.WithContext(ctx)
}

func (s *SQLStore) Create(ctx context.Context, task *model.ChoreographyTask) error {
	var existing int64
	db := s.gdb(ctx)
	if err := db.Model(&taskRecord{}).Where("id = ?", task.ID).Count(&existing).Error; err != nil {
		return classifySQL("create", err)
	}
	if existing > 0 {
		return ErrExists
	}
	if err := db.Create(recordFromTask(task)).Error; err != nil {
		return classifySQL("create", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*model.ChoreographyTask, error) {
	var rec taskRecord
	if err := s.gdb(ctx).Omit("blueprint").Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, classifySQL("get", err)
	}
	return rec.task(), nil
}

// Update locks the row for the duration of fn.
func (s *SQLStore) Update(ctx context.Context, id string, fn func(*model.ChoreographyTask) error) (*model.ChoreographyTask, error) {
	var updated *model.ChoreographyTask
	err := s.gdb(ctx).Transaction(func(tx *gorm.DB) error {
		var rec taskRecord
		if err := tx.Raw("SELECT * FROM choreography_tasks WHERE id = ? FOR UPDATE", id).
			Scan(&rec).Error; err != nil {
			return err
		}
		if rec.ID == "" {
			return ErrNotFound
		}
		task := rec.task()
		if err := fn(task); err != nil {
			return err
		}
		rec.apply(task)
		if err := tx.Save(&rec).Error; err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		if isLifecycleError(err) {
			return nil, err
		}
		return nil, classifySQL("update", err)
	}
	return updated, nil
}

func (s *SQLStore) PutBlueprint(ctx context.Context, id string, blueprint []byte) error {
	res := s.gdb(ctx).Model(&taskRecord{}).Where("id = ?", id).Update("blueprint", blueprint)
	if res.Error != nil {
		return classifySQL("put blueprint", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetBlueprint(ctx context.Context, id string) ([]byte, error) {
	var rec taskRecord
	if err := s.gdb(ctx).Select("id", "blueprint").Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, classifySQL("get blueprint", err)
	}
	if len(rec.Blueprint) == 0 {
		return nil, ErrNotFound
	}
	return rec.Blueprint, nil
}

// Reset closes the pool and opens a new one.
func (s *SQLStore) Reset(ctx context.Context) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	if sqlDB, err := old.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks connectivity; the health endpoint uses it.
func (s *SQLStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classifySQL("ping", err)
	}
	return nil
}

func classifySQL(op string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, context.Canceled):
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 is connection exception, 57P0x is admin shutdown
		conn := strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
		return &DatabaseError{Op: op, Connection: conn, Err: err}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) ||
		pgconn.Timeout(err) || looksLikeConnection(err) {
		return &DatabaseError{Op: op, Connection: true, Err: err}
	}
	return &DatabaseError{Op: op, Err: err}
}

// withConnectTimeout adds connect_timeout to a URL or key=value DSN unless
// it is already present.
func withConnectTimeout(dsn string, timeout time.Duration) string {
	if timeout <= 0 || strings.Contains(dsn, "connect_timeout") {
		return dsn
	}
	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		q.Set("connect_timeout", fmt.Sprint(secs))
		u.RawQuery = q.Encode()
		return u.String()
	}
	return strings.TrimSpace(dsn + fmt.Sprintf(" connect_timeout=%d", secs))
}
