package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"callcenter-platform/pkg/utils"
)

// PostgresStore persists call records via database/sql (pgx stdlib driver).
//
// Schema expectation (table call_records): columns mirror the db tags on
// CallRecord, plus from_digits/to_digits columns holding normalized numbers so
// FindOpenByNumbers can match on an index instead of scanning.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const callRecordColumns = `
	call_id, workspace_id, direction, from_number, to_number, status,
	provider_status, primary_leg_sid, secondary_leg_sid,
	start_time, end_time, duration,
	recording_url, recording_sid, transcription_status,
	webhook_last_received_at, contact_answered_at,
	timeout_detected_at, failure_reason, ended_by, ended_at,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, rec CallRecord) error {
	if rec.CallID == "" || rec.WorkspaceID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (
			call_id, workspace_id, direction, from_number, to_number,
			from_digits, to_digits, status, provider_status, primary_leg_sid,
			start_time, duration, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.CallID, rec.WorkspaceID, string(rec.Direction), rec.From, rec.To,
		NormalizeNumber(rec.From), NormalizeNumber(rec.To),
		string(rec.Status), rec.ProviderStatus, rec.PrimaryLegSID,
		rec.StartTime, rec.DurationSeconds, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("calls: insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, workspaceID, callID string) (CallRecord, error) {
	if workspaceID == "" || callID == "" {
		return CallRecord{}, ErrInvalidArgument
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+callRecordColumns+`
		FROM call_records
		WHERE call_id = $1 AND workspace_id = $2`, callID, workspaceID)
	return scanCallRecord(row)
}

func (s *PostgresStore) GetByLegSID(ctx context.Context, legSID string) (CallRecord, bool, error) {
	if legSID == "" {
		return CallRecord{}, false, ErrInvalidArgument
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+callRecordColumns+`
		FROM call_records
		WHERE primary_leg_sid = $1 OR secondary_leg_sid = $1
		LIMIT 1`, legSID)
	rec, err := scanCallRecord(row)
	if errors.Is(err, ErrNotFound) {
		return CallRecord{}, false, nil
	}
	if err != nil {
		return CallRecord{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) FindOpenByNumbers(ctx context.Context, workspaceID, from, to string) (CallRecord, bool, error) {
	if workspaceID == "" {
		return CallRecord{}, false, ErrInvalidArgument
	}
	fd, td := NormalizeNumber(from), NormalizeNumber(to)
	if fd == "" || td == "" {
		return CallRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+callRecordColumns+`
		FROM call_records
		WHERE workspace_id = $1
		  AND status NOT IN ('completed','busy','no_answer','failed','canceled')
		  AND end_time IS NULL
		  AND ((from_digits = $2 AND to_digits = $3) OR (from_digits = $3 AND to_digits = $2))
		ORDER BY created_at DESC
		LIMIT 1`, workspaceID, fd, td)
	rec, err := scanCallRecord(row)
	if errors.Is(err, ErrNotFound) {
		return CallRecord{}, false, nil
	}
	if err != nil {
		return CallRecord{}, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) BindPrimaryLeg(ctx context.Context, callID, legSID string) error {
	if callID == "" || legSID == "" {
		return ErrInvalidArgument
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE call_records
		SET primary_leg_sid = $2, updated_at = $3
		WHERE call_id = $1`, callID, legSID, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("calls: bind primary leg failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateGuarded applies the update iff status still equals expect. The guard in
// the WHERE clause is the optimistic-concurrency primitive: between our read
// and this write another webhook may have advanced the record, in which case
// zero rows match and the caller must re-evaluate.
func (s *PostgresStore) UpdateGuarded(ctx context.Context, callID string, expect CallStatus, upd StatusUpdate) (CallRecord, bool, error) {
	if callID == "" {
		return CallRecord{}, false, ErrInvalidArgument
	}

	set := []string{"updated_at = $3"}
	args := []any{callID, string(expect), s.clock().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if upd.Status != "" {
		add("status", string(upd.Status))
	}
	if upd.ProviderStatus != "" {
		add("provider_status", upd.ProviderStatus)
	}
	if upd.SecondaryLegSID != "" {
		add("secondary_leg_sid", upd.SecondaryLegSID)
	}
	if upd.EndTime != nil {
		add("end_time", *upd.EndTime)
	}
	if upd.DurationSeconds != nil {
		add("duration", *upd.DurationSeconds)
	}
	if upd.RecordingURL != "" {
		add("recording_url", upd.RecordingURL)
	}
	if upd.RecordingSID != "" {
		add("recording_sid", upd.RecordingSID)
	}
	if upd.WebhookReceivedAt != nil {
		add("webhook_last_received_at", *upd.WebhookReceivedAt)
	}
	if upd.ContactAnsweredAt != nil {
		add("contact_answered_at", *upd.ContactAnsweredAt)
	}
	if upd.TimeoutDetectedAt != nil {
		add("timeout_detected_at", *upd.TimeoutDetectedAt)
	}
	if upd.FailureReason != "" {
		add("failure_reason", upd.FailureReason)
	}
	if upd.EndedBy != "" {
		add("ended_by", upd.EndedBy)
	}
	if upd.EndedAt != nil {
		add("ended_at", *upd.EndedAt)
	}

	var out CallRecord
	applied := false
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE call_records
			SET `+strings.Join(set, ", ")+`
			WHERE call_id = $1 AND status = $2
			RETURNING `+callRecordColumns, args...)
		rec, err := scanCallRecord(row)
		if errors.Is(err, ErrNotFound) {
			// Guard lost. Distinguish "row gone" from "status moved" so callers
			// get ErrNotFound only when the record truly does not exist.
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM call_records WHERE call_id = $1)`, callID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			row := tx.QueryRowContext(ctx, `
				SELECT `+callRecordColumns+` FROM call_records WHERE call_id = $1`, callID)
			cur, err := scanCallRecord(row)
			if err != nil {
				return err
			}
			out = cur
			return nil
		}
		if err != nil {
			return err
		}
		out = rec
		applied = true
		return nil
	})
	if err != nil {
		return CallRecord{}, false, err
	}
	return out, applied, nil
}

func (s *PostgresStore) ListSince(ctx context.Context, workspaceID string, since time.Time) ([]CallRecord, error) {
	if workspaceID == "" {
		return nil, ErrInvalidArgument
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callRecordColumns+`
		FROM call_records
		WHERE workspace_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`, workspaceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCallRecords(rows)
}

func (s *PostgresStore) ListOpenOlderThan(ctx context.Context, cutoff time.Time) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+callRecordColumns+`
		FROM call_records
		WHERE status NOT IN ('completed','busy','no_answer','failed','canceled')
		  AND end_time IS NULL
		  AND created_at < $1
		ORDER BY created_at DESC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCallRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(row rowScanner) (CallRecord, error) {
	var rec CallRecord
	var direction, status string
	var providerStatus, secondaryLegSID, recordingURL, recordingSID sql.NullString
	var transcriptionStatus, failureReason, endedBy sql.NullString
	var endTime, webhookAt, contactAnsweredAt, timeoutAt, endedAt sql.NullTime

	err := row.Scan(
		&rec.CallID, &rec.WorkspaceID, &direction, &rec.From, &rec.To, &status,
		&providerStatus, &rec.PrimaryLegSID, &secondaryLegSID,
		&rec.StartTime, &endTime, &rec.DurationSeconds,
		&recordingURL, &recordingSID, &transcriptionStatus,
		&webhookAt, &contactAnsweredAt,
		&timeoutAt, &failureReason, &endedBy, &endedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, err
	}

	rec.Direction = Direction(direction)
	rec.Status = CallStatus(status)
	rec.ProviderStatus = providerStatus.String
	rec.SecondaryLegSID = secondaryLegSID.String
	rec.RecordingURL = recordingURL.String
	rec.RecordingSID = recordingSID.String
	rec.TranscriptionStatus = transcriptionStatus.String
	rec.FailureReason = failureReason.String
	rec.EndedBy = endedBy.String
	rec.EndTime = nullTimePtr(endTime)
	rec.WebhookLastReceivedAt = nullTimePtr(webhookAt)
	rec.ContactAnsweredAt = nullTimePtr(contactAnsweredAt)
	rec.TimeoutDetectedAt = nullTimePtr(timeoutAt)
	rec.EndedAt = nullTimePtr(endedAt)
	return rec, nil
}

func collectCallRecords(rows *sql.Rows) ([]CallRecord, error) {
	out := make([]CallRecord, 0)
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
