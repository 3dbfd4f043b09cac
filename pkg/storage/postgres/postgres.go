// Package postgres provides a PostgreSQL implementation of the session
// and workflow stores. It uses pgx/v5 for connection pooling and JSONB
// for message and reference storage.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tbraun/agentflow/pkg/api"
	"github.com/tbraun/agentflow/pkg/storage"
	"github.com/tbraun/agentflow/pkg/transport"
)

// Store is a PostgreSQL-backed SessionStore and WorkflowStore.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ transport.SessionStore  = (*Store)(nil)
	_ transport.WorkflowStore = (*Store)(nil)
)

// New creates a new PostgreSQL store with the given configuration. If
// MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*api.Session, error) {
	var (
		sess          api.Session
		messagesJSON  []byte
		referenceJSON []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, user_id, messages, reference, dsl, errors, source, created_at, updated_at
		FROM sessions
		WHERE id = $1
	`, id).Scan(
		&sess.ID, &sess.WorkflowID, &sess.UserID,
		&messagesJSON, &referenceJSON,
		&sess.DSL, &sess.Errors, &sess.Source,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("querying session: %w", err)
	}

	if err := json.Unmarshal(messagesJSON, &sess.Messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	if err := json.Unmarshal(referenceJSON, &sess.References); err != nil {
		return nil, fmt.Errorf("unmarshaling references: %w", err)
	}
	return &sess, nil
}

// CreateSession persists a newly created session.
func (s *Store) CreateSession(ctx context.Context, sess *api.Session) error {
	messagesJSON, referenceJSON, err := marshalTurns(sess)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, workflow_id, user_id, messages, reference, dsl, errors, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		sess.ID, sess.WorkflowID, sess.UserID,
		messagesJSON, referenceJSON,
		sess.DSL, sess.Errors, sess.Source,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// AppendMessage persists the session's mutable fields after a run.
func (s *Store) AppendMessage(ctx context.Context, id string, sess *api.Session) error {
	messagesJSON, referenceJSON, err := marshalTurns(sess)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET messages = $2, reference = $3, dsl = $4, errors = $5, updated_at = now()
		WHERE id = $1
	`, id, messagesJSON, referenceJSON, sess.DSL, sess.Errors)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// HealthCheck verifies the store connection is functional.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases database connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// GetWorkflow retrieves a workflow definition by ID.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	var wf api.Workflow
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, description, dsl, permission, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`, id).Scan(
		&wf.ID, &wf.OwnerID, &wf.Title, &wf.Description,
		&wf.DSL, &wf.Permission, &wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("querying workflow: %w", err)
	}
	return &wf, nil
}

// SaveWorkflow creates or replaces a workflow definition.
func (s *Store) SaveWorkflow(ctx context.Context, wf *api.Workflow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (id, owner_id, title, description, dsl, permission)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, description = EXCLUDED.description,
		    dsl = EXCLUDED.dsl, permission = EXCLUDED.permission,
		    updated_at = now()
	`, wf.ID, wf.OwnerID, wf.Title, wf.Description, wf.DSL, wf.Permission)
	if err != nil {
		return fmt.Errorf("saving workflow: %w", err)
	}
	return nil
}

// ListWorkflows returns the definitions visible to the caller. Ownership
// always grants visibility; team permission extends it to workflows owned
// by the caller's team tenants.
func (s *Store) ListWorkflows(ctx context.Context, opts transport.ListOptions) (*transport.WorkflowList, error) {
	opts = opts.Normalize()

	where := "owner_id = $1"
	args := []any{opts.OwnerID}
	argIdx := 2

	if len(opts.TeamIDs) > 0 {
		where = fmt.Sprintf("(owner_id = $1 OR (permission = '%s' AND owner_id = ANY($2)))", api.PermissionTeam)
		args = append(args, opts.TeamIDs)
		argIdx = 3
	}

	if opts.Keywords != "" {
		where += fmt.Sprintf(" AND lower(title) LIKE $%d", argIdx)
		args = append(args, "%"+strings.ToLower(opts.Keywords)+"%")
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM workflows WHERE "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting workflows: %w", err)
	}

	orderCol := "updated_at"
	if opts.OrderBy == "create_time" {
		orderCol = "created_at"
	}
	direction := "ASC"
	if opts.Desc {
		direction = "DESC"
	}

	query := fmt.Sprintf(`
		SELECT id, owner_id, title, description, dsl, permission, created_at, updated_at
		FROM workflows
		WHERE %s
		ORDER BY %s %s
		LIMIT %d OFFSET %d
	`, where, orderCol, direction, opts.PerPage, (opts.Page-1)*opts.PerPage)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	list := &transport.WorkflowList{Total: total}
	for rows.Next() {
		var wf api.Workflow
		if err := rows.Scan(
			&wf.ID, &wf.OwnerID, &wf.Title, &wf.Description,
			&wf.DSL, &wf.Permission, &wf.CreatedAt, &wf.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning workflow: %w", err)
		}
		list.Data = append(list.Data, &wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating workflows: %w", err)
	}
	return list, nil
}

func marshalTurns(sess *api.Session) (messagesJSON, referenceJSON []byte, err error) {
	messages := sess.Messages
	if messages == nil {
		messages = []api.Message{}
	}
	references := sess.References
	if references == nil {
		references = []api.Reference{}
	}

	messagesJSON, err = json.Marshal(messages)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling messages: %w", err)
	}
	referenceJSON, err = json.Marshal(references)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling references: %w", err)
	}
	return messagesJSON, referenceJSON, nil
}

// isDuplicateKey reports whether err is a unique-constraint violation.
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
