// Package postgresql implements submissionregistry.SubmissionRegistry on
// top of database/sql and lib/pq, for durable multi-process deployments
// (db.driver=postgresql).
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry"
)

// Store is a PostgreSQL-backed SubmissionRegistry.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens databaseURL, runs pending migrations, and returns a ready Store.
func New(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("submissionregistry/postgresql: open: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("submissionregistry/postgresql: ping: %w", err)
	}

	manager := newMigrationManager(logger, db, migrations())
	if err := manager.run(ctx); err != nil {
		return nil, fmt.Errorf("submissionregistry/postgresql: migrate: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ExecForTest runs a raw statement against the store's connection pool.
// Exported only for the integration suite's between-test truncation.
func (s *Store) ExecForTest(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

var _ submissionregistry.SubmissionRegistry = (*Store)(nil)

func wrapErr(op, id string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return &submissionregistry.OpError{Op: op, ID: id, Err: submissionregistry.ErrNotFound}
	}

	return &submissionregistry.OpError{Op: op, ID: id, Err: fmt.Errorf("%w: %v", submissionregistry.ErrStorageUnavailable, err)}
}

func (s *Store) AddSubmission(ctx context.Context, sub domain.Submission) error {
	workflowJSON, err := json.Marshal(sub.Workflow)
	if err != nil {
		return fmt.Errorf("submissionregistry/postgresql: marshal workflow: %w", err)
	}

	const query = `
		INSERT INTO submissions (id, workflow, status, error_message)
		VALUES ($1, $2, $3, $4)
	`

	_, err = s.db.ExecContext(ctx, query, sub.ID, workflowJSON, sub.Status, sub.ErrorMessage)

	return wrapErr("AddSubmission", sub.ID, err)
}

func (s *Store) FindSubmissionByID(ctx context.Context, id string) (domain.Submission, error) {
	const query = `
		SELECT id, workflow, status, start_time, end_time, results, error_message, execution_state
		FROM submissions WHERE id = $1
	`

	row := s.db.QueryRowContext(ctx, query, id)

	sub, err := scanSubmission(row)
	if err != nil {
		return domain.Submission{}, wrapErr("FindSubmissionByID", id, err)
	}

	return sub, nil
}

func (s *Store) FindSubmissionsByStatus(ctx context.Context, status domain.SubmissionStatus) ([]domain.Submission, error) {
	const query = `
		SELECT id, workflow, status, start_time, end_time, results, error_message, execution_state
		FROM submissions WHERE status = $1 ORDER BY rowid
	`

	rows, err := s.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, wrapErr("FindSubmissionsByStatus", "", err)
	}
	defer rows.Close()

	var out []domain.Submission

	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, wrapErr("FindSubmissionsByStatus", "", err)
		}

		out = append(out, sub)
	}

	return out, wrapErr("FindSubmissionsByStatus", "", rows.Err())
}

func (s *Store) CountSubmissions(ctx context.Context, status domain.SubmissionStatus) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM submissions WHERE status = $1", status).Scan(&n)

	return n, wrapErr("CountSubmissions", "", err)
}

func (s *Store) SetSubmissionStatus(ctx context.Context, id string, status domain.SubmissionStatus) error {
	return s.execExpectingRow(ctx, "SetSubmissionStatus", id,
		"UPDATE submissions SET status = $2 WHERE id = $1", status)
}

func (s *Store) SetSubmissionStartTime(ctx context.Context, id string, t time.Time) error {
	return s.execExpectingRow(ctx, "SetSubmissionStartTime", id,
		"UPDATE submissions SET start_time = $2 WHERE id = $1", t)
}

func (s *Store) SetSubmissionEndTime(ctx context.Context, id string, t time.Time) error {
	return s.execExpectingRow(ctx, "SetSubmissionEndTime", id,
		"UPDATE submissions SET end_time = $2 WHERE id = $1", t)
}

func (s *Store) SetSubmissionResults(ctx context.Context, id string, results map[string]any) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("submissionregistry/postgresql: marshal results: %w", err)
	}

	return s.execExpectingRow(ctx, "SetSubmissionResults", id,
		"UPDATE submissions SET results = $2 WHERE id = $1", resultsJSON)
}

func (s *Store) GetSubmissionResults(ctx context.Context, id string) (map[string]any, error) {
	var raw []byte

	err := s.db.QueryRowContext(ctx, "SELECT results FROM submissions WHERE id = $1", id).Scan(&raw)
	if err != nil {
		return nil, wrapErr("GetSubmissionResults", id, err)
	}

	if raw == nil {
		return nil, nil
	}

	var results map[string]any
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("submissionregistry/postgresql: unmarshal results: %w", err)
	}

	return results, nil
}

func (s *Store) SetSubmissionErrorMessage(ctx context.Context, id string, message string) error {
	return s.execExpectingRow(ctx, "SetSubmissionErrorMessage", id,
		"UPDATE submissions SET error_message = $2 WHERE id = $1", message)
}

func (s *Store) SetExecutionState(ctx context.Context, id string, state []byte) error {
	return s.execExpectingRow(ctx, "SetExecutionState", id,
		"UPDATE submissions SET execution_state = $2 WHERE id = $1", state)
}

func (s *Store) GetExecutionState(ctx context.Context, id string) ([]byte, error) {
	var state []byte

	err := s.db.QueryRowContext(ctx, "SELECT execution_state FROM submissions WHERE id = $1", id).Scan(&state)

	return state, wrapErr("GetExecutionState", id, err)
}

func (s *Store) FetchNextSubmission(ctx context.Context, currentStatus, newStatus domain.SubmissionStatus) (domain.Submission, bool, error) {
	const query = `
		UPDATE submissions SET status = $2
		WHERE id = (
			SELECT id FROM submissions WHERE status = $1
			ORDER BY rowid LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, workflow, status, start_time, end_time, results, error_message, execution_state
	`

	row := s.db.QueryRowContext(ctx, query, currentStatus, newStatus)

	sub, err := scanSubmission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Submission{}, false, nil
		}

		return domain.Submission{}, false, wrapErr("FetchNextSubmission", "", err)
	}

	return sub, true, nil
}

func (s *Store) AddProcessChains(ctx context.Context, submissionID string, chains []domain.ProcessChain) ([]domain.ProcessChain, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("AddProcessChains", submissionID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	out := make([]domain.ProcessChain, len(chains))

	const query = `
		INSERT INTO process_chains (id, submission_id, executables, required_capabilities, status, bindings)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING sequence
	`

	for i, c := range chains {
		c.SubmissionID = submissionID

		execJSON, err := json.Marshal(c.Executables)
		if err != nil {
			return nil, fmt.Errorf("submissionregistry/postgresql: marshal executables: %w", err)
		}

		capsJSON, err := json.Marshal(c.RequiredCapabilities)
		if err != nil {
			return nil, fmt.Errorf("submissionregistry/postgresql: marshal capabilities: %w", err)
		}

		bindingsJSON, err := json.Marshal(c.Bindings)
		if err != nil {
			return nil, fmt.Errorf("submissionregistry/postgresql: marshal bindings: %w", err)
		}

		if c.ID == "" {
			c.ID = newChainID()
		}

		err = tx.QueryRowContext(ctx, query, c.ID, submissionID, execJSON, capsJSON, c.Status, bindingsJSON).Scan(&c.Sequence)
		if err != nil {
			return nil, wrapErr("AddProcessChains", submissionID, err)
		}

		out[i] = c
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("AddProcessChains", submissionID, err)
	}

	return out, nil
}

func (s *Store) FindProcessChainsBySubmissionID(ctx context.Context, submissionID string) ([]domain.ProcessChain, error) {
	return s.queryChains(ctx, "FindProcessChainsBySubmissionID", submissionID,
		"WHERE submission_id = $1 ORDER BY sequence", submissionID)
}

func (s *Store) FindProcessChainsByStatus(ctx context.Context, status domain.ProcessChainStatus) ([]domain.ProcessChain, error) {
	return s.queryChains(ctx, "FindProcessChainsByStatus", "",
		"WHERE status = $1 ORDER BY sequence", status)
}

func (s *Store) CountProcessChainsByStatus(ctx context.Context, status domain.ProcessChainStatus) (int, error) {
	var n int

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM process_chains WHERE status = $1", status).Scan(&n)

	return n, wrapErr("CountProcessChainsByStatus", "", err)
}

func (s *Store) FetchNextProcessChain(
	ctx context.Context,
	currentStatus, newStatus domain.ProcessChainStatus,
	requiredCapabilities []string,
) (domain.ProcessChain, bool, error) {
	const query = `
		UPDATE process_chains SET status = $2
		WHERE id = (
			SELECT id FROM process_chains
			WHERE status = $1
			AND (
				SELECT coalesce(array_agg(elem ORDER BY elem), '{}')
				FROM jsonb_array_elements_text(required_capabilities) elem
			) = $3::text[]
			ORDER BY sequence LIMIT 1 FOR UPDATE SKIP LOCKED
		)
		RETURNING id, submission_id, sequence, executables, required_capabilities, status,
			owner, start_time, end_time, results, error_message, bindings
	`

	sorted := domain.SortedCapabilities(requiredCapabilities)
	if sorted == nil {
		sorted = []string{}
	}

	row := s.db.QueryRowContext(ctx, query, currentStatus, newStatus, pq.Array(sorted))

	chain, err := scanChain(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProcessChain{}, false, nil
		}

		return domain.ProcessChain{}, false, wrapErr("FetchNextProcessChain", "", err)
	}

	return chain, true, nil
}

func (s *Store) SetProcessChainStatus(ctx context.Context, id string, status domain.ProcessChainStatus) error {
	return s.execExpectingRow(ctx, "SetProcessChainStatus", id,
		"UPDATE process_chains SET status = $2 WHERE id = $1", status)
}

func (s *Store) CompareAndSwapProcessChainStatus(ctx context.Context, id string, expected, next domain.ProcessChainStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE process_chains SET status = $3 WHERE id = $1 AND status = $2", id, expected, next)
	if err != nil {
		return false, wrapErr("CompareAndSwapProcessChainStatus", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr("CompareAndSwapProcessChainStatus", id, err)
	}

	return n == 1, nil
}

func (s *Store) SetAllProcessChainStatusBySubmission(ctx context.Context, submissionID string, expected, next domain.ProcessChainStatus) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE process_chains SET status = $3 WHERE submission_id = $1 AND status = $2", submissionID, expected, next)
	if err != nil {
		return 0, wrapErr("SetAllProcessChainStatusBySubmission", submissionID, err)
	}

	n, err := res.RowsAffected()

	return int(n), wrapErr("SetAllProcessChainStatusBySubmission", submissionID, err)
}

func (s *Store) SetProcessChainStartTime(ctx context.Context, id string, t time.Time) error {
	return s.execExpectingRow(ctx, "SetProcessChainStartTime", id,
		"UPDATE process_chains SET start_time = $2 WHERE id = $1", t)
}

func (s *Store) SetProcessChainEndTime(ctx context.Context, id string, t time.Time) error {
	return s.execExpectingRow(ctx, "SetProcessChainEndTime", id,
		"UPDATE process_chains SET end_time = $2 WHERE id = $1", t)
}

func (s *Store) SetProcessChainResults(ctx context.Context, id string, results map[string][]string) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("submissionregistry/postgresql: marshal results: %w", err)
	}

	return s.execExpectingRow(ctx, "SetProcessChainResults", id,
		"UPDATE process_chains SET results = $2 WHERE id = $1", resultsJSON)
}

func (s *Store) GetProcessChainResults(ctx context.Context, id string) (map[string][]string, error) {
	var raw []byte

	err := s.db.QueryRowContext(ctx, "SELECT results FROM process_chains WHERE id = $1", id).Scan(&raw)
	if err != nil {
		return nil, wrapErr("GetProcessChainResults", id, err)
	}

	if raw == nil {
		return nil, nil
	}

	var results map[string][]string
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("submissionregistry/postgresql: unmarshal results: %w", err)
	}

	return results, nil
}

func (s *Store) SetProcessChainErrorMessage(ctx context.Context, id string, message string) error {
	return s.execExpectingRow(ctx, "SetProcessChainErrorMessage", id,
		"UPDATE process_chains SET error_message = $2 WHERE id = $1", message)
}

func (s *Store) SetProcessChainOwner(ctx context.Context, id string, owner string) error {
	return s.execExpectingRow(ctx, "SetProcessChainOwner", id,
		"UPDATE process_chains SET owner = $2 WHERE id = $1", owner)
}

func (s *Store) execExpectingRow(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return wrapErr(op, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(op, id, err)
	}

	if n == 0 {
		return wrapErr(op, id, sql.ErrNoRows)
	}

	return nil
}

func (s *Store) queryChains(ctx context.Context, op, id, whereOrderBy string, args ...any) ([]domain.ProcessChain, error) {
	query := `
		SELECT id, submission_id, sequence, executables, required_capabilities, status,
			owner, start_time, end_time, results, error_message, bindings
		FROM process_chains ` + whereOrderBy

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, id, err)
	}
	defer rows.Close()

	var out []domain.ProcessChain

	for rows.Next() {
		chain, err := scanChain(rows)
		if err != nil {
			return nil, wrapErr(op, id, err)
		}

		out = append(out, chain)
	}

	return out, wrapErr(op, id, rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row scanner) (domain.Submission, error) {
	var (
		sub          domain.Submission
		workflowJSON []byte
		resultsJSON  []byte
	)

	err := row.Scan(&sub.ID, &workflowJSON, &sub.Status, &sub.StartTime, &sub.EndTime,
		&resultsJSON, &sub.ErrorMessage, &sub.ExecutionState)
	if err != nil {
		return domain.Submission{}, err
	}

	if err := json.Unmarshal(workflowJSON, &sub.Workflow); err != nil {
		return domain.Submission{}, fmt.Errorf("submissionregistry/postgresql: unmarshal workflow: %w", err)
	}

	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &sub.Results); err != nil {
			return domain.Submission{}, fmt.Errorf("submissionregistry/postgresql: unmarshal results: %w", err)
		}
	}

	return sub, nil
}

func scanChain(row scanner) (domain.ProcessChain, error) {
	var (
		chain        domain.ProcessChain
		execJSON     []byte
		capsJSON     []byte
		resultsJSON  []byte
		bindingsJSON []byte
	)

	err := row.Scan(&chain.ID, &chain.SubmissionID, &chain.Sequence, &execJSON, &capsJSON, &chain.Status,
		&chain.Owner, &chain.StartTime, &chain.EndTime, &resultsJSON, &chain.ErrorMessage, &bindingsJSON)
	if err != nil {
		return domain.ProcessChain{}, err
	}

	if err := json.Unmarshal(execJSON, &chain.Executables); err != nil {
		return domain.ProcessChain{}, fmt.Errorf("submissionregistry/postgresql: unmarshal executables: %w", err)
	}

	if err := json.Unmarshal(capsJSON, &chain.RequiredCapabilities); err != nil {
		return domain.ProcessChain{}, fmt.Errorf("submissionregistry/postgresql: unmarshal capabilities: %w", err)
	}

	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &chain.Results); err != nil {
			return domain.ProcessChain{}, fmt.Errorf("submissionregistry/postgresql: unmarshal results: %w", err)
		}
	}

	if bindingsJSON != nil {
		if err := json.Unmarshal(bindingsJSON, &chain.Bindings); err != nil {
			return domain.ProcessChain{}, fmt.Errorf("submissionregistry/postgresql: unmarshal bindings: %w", err)
		}
	}

	return chain, nil
}

func newChainID() string {
	return fmt.Sprintf("pc-%d", time.Now().UnixNano())
}
