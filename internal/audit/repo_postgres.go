package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends audit events to the audit_events table. INSERT-only;
// no read path is exposed to the API.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, workspace_id, type, actor_user_id, actor_role,
			ip_address, call_id, leg_sid, message, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.WorkspaceID, string(e.Type), e.ActorUserID, e.ActorRole,
		e.IPAddress, e.CallID, e.LegSID, e.Message, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: insert failed: %w", err)
	}
	return nil
}
