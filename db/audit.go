package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertAuditLog records a control or registration action. giveawayID may be
// 0 for actions not tied to a giveaway.
func InsertAuditLog(ctx context.Context, dbx *sql.DB, userID, giveawayID int64, action string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	var gid any
	if giveawayID > 0 {
		gid = giveawayID
	}
	_, err = dbx.ExecContext(ctx,
		`INSERT INTO audit_logs (user_id, giveaway_id, action, payload_json) VALUES ($1,$2,$3,$4)`,
		userID, gid, action, raw)
	return err
}

// CountAuditLogs returns the number of audit rows for an action, scoped to a
// giveaway when giveawayID > 0. Used by status reporting and tests.
func CountAuditLogs(ctx context.Context, dbx *sql.DB, giveawayID int64, action string) (int, error) {
	var n int
	var err error
	if giveawayID > 0 {
		err = dbx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM audit_logs WHERE giveaway_id=$1 AND action=$2`, giveawayID, action).Scan(&n)
	} else {
		err = dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs WHERE action=$1`, action).Scan(&n)
	}
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
