package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Store wraps the gorm handle with the queries the rest of the service
// needs. Callers depend on narrow interfaces declared next to them.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

const defaultQueryTimeout = 10 * time.Second

// New returns a store whose queries each run under timeout. Zero picks a
// default.
func New(db *gorm.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Store{db: db, timeout: timeout}
}

// conn binds the handle to ctx with the query deadline applied. Request
// contexts from fasthttp carry no deadline of their own.
func (s *Store) conn(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(ctx), cancel
}

// DB exposes the underlying handle for the background workers.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) FindPipeline(ctx context.Context, userID, projectID string) (*ProvisionedPipeline, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var p ProvisionedPipeline
	err := conn.
		Where("user_id = ? AND project_id = ?", userID, projectID).
		First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

// CreatePipeline returns ErrDuplicate when a pipeline for the same
// (user, project) already exists.
func (s *Store) CreatePipeline(ctx context.Context, p *ProvisionedPipeline) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	return translate(conn.Create(p).Error)
}

func (s *Store) DeletePipeline(ctx context.Context, id uint) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	return conn.Delete(&ProvisionedPipeline{}, id).Error
}

func (s *Store) ListPipelines(ctx context.Context, userID string) ([]ProvisionedPipeline, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var out []ProvisionedPipeline
	err := conn.Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// PipelineSinks returns the sink names of every recorded pipeline on
// projectID, across all users.
func (s *Store) PipelineSinks(ctx context.Context, projectID string) ([]string, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var out []string
	err := conn.Model(&ProvisionedPipeline{}).
		Where("project_id = ?", projectID).
		Pluck("sink_name", &out).Error
	return out, err
}

func (s *Store) FindConnection(ctx context.Context, userID, provider string) (*ProviderConnection, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var c ProviderConnection
	err := conn.
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&c).Error
	if err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

// UpsertConnection replaces the tokens of an existing (user, provider)
// connection or inserts a new one.
func (s *Store) UpsertConnection(ctx context.Context, c *ProviderConnection) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	return conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "updated_at"}),
	}).Create(c).Error
}

func (s *Store) DeleteConnection(ctx context.Context, userID, provider string) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	return conn.
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&ProviderConnection{}).Error
}

func (s *Store) CreateLog(ctx context.Context, l *CanonicalLog) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	return conn.Create(l).Error
}

// LogQuery filters ListLogs. Empty fields are not applied.
type LogQuery struct {
	UserID  string
	Source  string
	Project string
	Limit   int
	Offset  int
}

func (s *Store) ListLogs(ctx context.Context, q LogQuery) ([]CanonicalLog, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	tx := conn.Where("source_user_id = ?", q.UserID)
	if q.Source != "" {
		tx = tx.Where("source = ?", q.Source)
	}
	if q.Project != "" {
		tx = tx.Where("source_project = ?", q.Project)
	}
	var out []CanonicalLog
	err := tx.Order("timestamp DESC").Limit(q.Limit).Offset(q.Offset).Find(&out).Error
	return out, err
}

// FindLog returns the log id owned by userID. Logs of other users are
// reported as not found.
func (s *Store) FindLog(ctx context.Context, userID string, id uint) (*CanonicalLog, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var l CanonicalLog
	err := conn.
		Where("id = ? AND source_user_id = ?", id, userID).
		First(&l).Error
	if err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (s *Store) UpsertTrackedRepo(ctx context.Context, r *TrackedRepo) error {
	conn, cancel := s.conn(ctx)
	defer cancel()
	return conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "repo_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"hook_id", "updated_at"}),
	}).Create(r).Error
}

func (s *Store) ListTrackedRepos(ctx context.Context, userID string) ([]TrackedRepo, error) {
	conn, cancel := s.conn(ctx)
	defer cancel()
	var out []TrackedRepo
	err := conn.Where("user_id = ?", userID).Order("repo_name ASC").Find(&out).Error
	return out, err
}
