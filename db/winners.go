package db

import (
	"context"
	"database/sql"
	"time"
)

// Winner is an immutable record of one draw outcome. Rows are append-only.
type Winner struct {
	ID             int64
	GiveawayID     int64
	Platform       Platform
	PlatformUserID string
	DisplayName    string
	DrawnAt        time.Time
}

// InsertWinner appends a winner row and returns it with id and drawn_at set.
func InsertWinner(ctx context.Context, dbx *sql.DB, giveawayID int64, platform Platform, platformUserID, displayName string) (*Winner, error) {
	row := dbx.QueryRowContext(ctx, `
		INSERT INTO winners (giveaway_id, platform, platform_user_id, display_name)
		VALUES ($1,$2,$3,$4)
		RETURNING id, giveaway_id, platform, platform_user_id, display_name, drawn_at`,
		giveawayID, platform, platformUserID, displayName)
	var w Winner
	if err := row.Scan(&w.ID, &w.GiveawayID, &w.Platform, &w.PlatformUserID, &w.DisplayName, &w.DrawnAt); err != nil {
		return nil, err
	}
	return &w, nil
}

// LatestWinner returns the most recent winner or nil when none was drawn yet.
func LatestWinner(ctx context.Context, dbx *sql.DB, giveawayID int64) (*Winner, error) {
	row := dbx.QueryRowContext(ctx, `
		SELECT id, giveaway_id, platform, platform_user_id, display_name, drawn_at
		FROM winners WHERE giveaway_id=$1 ORDER BY drawn_at DESC, id DESC LIMIT 1`, giveawayID)
	var w Winner
	err := row.Scan(&w.ID, &w.GiveawayID, &w.Platform, &w.PlatformUserID, &w.DisplayName, &w.DrawnAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWinners returns winners newest first, up to limit.
func ListWinners(ctx context.Context, dbx *sql.DB, giveawayID int64, limit int) ([]Winner, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := dbx.QueryContext(ctx, `
		SELECT id, giveaway_id, platform, platform_user_id, display_name, drawn_at
		FROM winners WHERE giveaway_id=$1 ORDER BY drawn_at DESC, id DESC LIMIT $2`, giveawayID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Winner
	for rows.Next() {
		var w Winner
		if err := rows.Scan(&w.ID, &w.GiveawayID, &w.Platform, &w.PlatformUserID, &w.DisplayName, &w.DrawnAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
