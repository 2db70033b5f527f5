package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const documentColumns = `
    id, source_path, status, stage, error_message, complexity,
    output_path, report_path, report_html_path,
    scrub_report_path, scrub_report_html_path,
    lease_key, last_heartbeat, needs_review, progress_percent, progress_message,
    created_at, updated_at`

// NewDocument registers a source file for validation. The document starts in
// StatusChecking; intake moves it to valid or invalid.
func (s *Store) NewDocument(ctx context.Context, sourcePath string) (*Document, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	res, err := s.execWithRetry(ctx,
		`INSERT INTO documents (source_path, status, created_at, updated_at)
         VALUES (?, ?, ?, ?)`,
		sourcePath, StatusChecking, timestamp, timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a single document.
func (s *Store) GetByID(ctx context.Context, id int64) (*Document, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT`+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// List returns all documents in registry order (insertion order by id).
func (s *Store) List(ctx context.Context) ([]*Document, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT`+documentColumns+` FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Update persists every mutable field of the document.
func (s *Store) Update(ctx context.Context, doc *Document) error {
	ctx = ensureContext(ctx)
	doc.UpdatedAt = time.Now().UTC()

	res, err := s.execWithRetry(ctx,
		`UPDATE documents SET
            source_path = ?, status = ?, stage = ?, error_message = ?,
            complexity = ?, output_path = ?, report_path = ?,
            report_html_path = ?, scrub_report_path = ?,
            scrub_report_html_path = ?, lease_key = ?, last_heartbeat = ?, needs_review = ?,
            progress_percent = ?, progress_message = ?, updated_at = ?
         WHERE id = ?`,
		doc.SourcePath,
		doc.Status,
		nullableString(string(doc.Stage)),
		nullableString(doc.ErrorMessage),
		doc.Complexity,
		nullableString(doc.Artifacts.OutputPath),
		nullableString(doc.Artifacts.ReportPath),
		nullableString(doc.Artifacts.ReportHTMLPath),
		nullableString(doc.Artifacts.ScrubReportPath),
		nullableString(doc.Artifacts.ScrubReportHTMLPath),
		nullableString(doc.LeaseKey),
		nullableTime(doc.LastHeartbeat),
		boolToInt(doc.NeedsReview),
		doc.ProgressPercent,
		nullableString(doc.ProgressMessage),
		doc.UpdatedAt.Format(time.RFC3339Nano),
		doc.ID,
	)
	if err != nil {
		return fmt.Errorf("update document %d: %w", doc.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat refreshes the heartbeat timestamp for an in-flight document.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(ctx,
		`UPDATE documents SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("update heartbeat for %d: %w", id, err)
	}
	return nil
}

// Remove deletes a document from the registry.
func (s *Store) Remove(ctx context.Context, id int64) error {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove document %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear removes every document. Used by 'marcut queue clear'.
func (s *Store) Clear(ctx context.Context) error {
	ctx = ensureContext(ctx)
	if _, err := s.execWithRetry(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	return nil
}

// Aggregates recomputes the derived collection flags from current contents.
func (s *Store) Aggregates(ctx context.Context) (Aggregates, error) {
	docs, err := s.List(ctx)
	if err != nil {
		return Aggregates{}, err
	}
	return ComputeAggregates(docs), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc             Document
		stage           sql.NullString
		errorMessage    sql.NullString
		outputPath      sql.NullString
		reportPath      sql.NullString
		reportHTML      sql.NullString
		scrubPath       sql.NullString
		scrubHTML       sql.NullString
		leaseKey        sql.NullString
		lastHeartbeat   sql.NullString
		needsReview     int
		progressMessage sql.NullString
		createdAt       string
		updatedAt       string
	)
	if err := row.Scan(
		&doc.ID, &doc.SourcePath, &doc.Status, &stage, &errorMessage,
		&doc.Complexity, &outputPath, &reportPath, &reportHTML,
		&scrubPath, &scrubHTML, &leaseKey, &lastHeartbeat, &needsReview,
		&doc.ProgressPercent, &progressMessage, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	doc.Stage = Stage(stage.String)
	doc.ErrorMessage = errorMessage.String
	doc.Artifacts = Artifacts{
		OutputPath:          outputPath.String,
		ReportPath:          reportPath.String,
		ReportHTMLPath:      reportHTML.String,
		ScrubReportPath:     scrubPath.String,
		ScrubReportHTMLPath: scrubHTML.String,
	}
	doc.LeaseKey = leaseKey.String
	doc.NeedsReview = needsReview != 0
	doc.ProgressMessage = progressMessage.String

	if lastHeartbeat.Valid && lastHeartbeat.String != "" {
		ts, err := time.Parse(time.RFC3339Nano, lastHeartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_heartbeat: %w", err)
		}
		doc.LastHeartbeat = &ts
	}

	var err error
	if doc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if doc.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &doc, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
