package db

import (
	"context"
	"database/sql"
	"time"
)

// Participant is one deduplicated viewer entry. Uniqueness is enforced by
// the (giveaway_id, platform, platform_user_id) constraint.
type Participant struct {
	ID             int64
	GiveawayID     int64
	Platform       Platform
	PlatformUserID string
	DisplayName    string
	FirstSeen      time.Time
	LastSeen       time.Time
}

// UpsertParticipant inserts a participant row or, when the identity already
// exists, refreshes display_name and last_seen. The duplicate-identity race
// is closed inside the statement: two concurrent calls for a new identity
// both succeed, one reporting created=true and the other created=false.
// Created detection uses xmax = 0, which is true only for rows inserted (not
// updated) by the current transaction.
func UpsertParticipant(ctx context.Context, dbx *sql.DB, giveawayID int64, platform Platform, platformUserID, displayName string) (*Participant, bool, error) {
	row := dbx.QueryRowContext(ctx, `
		INSERT INTO participants (giveaway_id, platform, platform_user_id, display_name)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (giveaway_id, platform, platform_user_id)
		DO UPDATE SET display_name=EXCLUDED.display_name, last_seen=NOW()
		RETURNING id, giveaway_id, platform, platform_user_id, display_name, first_seen, last_seen, (xmax = 0) AS created`,
		giveawayID, platform, platformUserID, displayName)
	var p Participant
	var created bool
	if err := row.Scan(&p.ID, &p.GiveawayID, &p.Platform, &p.PlatformUserID, &p.DisplayName, &p.FirstSeen, &p.LastSeen, &created); err != nil {
		return nil, false, err
	}
	return &p, created, nil
}

// CountParticipants returns the current number of distinct participants.
func CountParticipants(ctx context.Context, dbx *sql.DB, giveawayID int64) (int, error) {
	var n int
	err := dbx.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE giveaway_id=$1`, giveawayID).Scan(&n)
	return n, err
}

// ListParticipantNames returns display names ordered by first_seen ascending,
// which is the order the overlay renders entries in.
func ListParticipantNames(ctx context.Context, dbx *sql.DB, giveawayID int64) ([]string, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT display_name FROM participants WHERE giveaway_id=$1 ORDER BY first_seen ASC, id ASC`, giveawayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// LatestParticipant returns the display name of the most recently seen
// participant, or "" when the giveaway has none.
func LatestParticipant(ctx context.Context, dbx *sql.DB, giveawayID int64) (string, error) {
	var name string
	err := dbx.QueryRowContext(ctx,
		`SELECT display_name FROM participants WHERE giveaway_id=$1 ORDER BY last_seen DESC, id DESC LIMIT 1`, giveawayID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return name, err
}

// ListParticipants returns all participants for a giveaway, first_seen order.
// The draw engine selects from this set.
func ListParticipants(ctx context.Context, dbx *sql.DB, giveawayID int64) ([]Participant, error) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT id, giveaway_id, platform, platform_user_id, display_name, first_seen, last_seen
		FROM participants WHERE giveaway_id=$1 ORDER BY first_seen ASC, id ASC`, giveawayID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ID, &p.GiveawayID, &p.Platform, &p.PlatformUserID, &p.DisplayName, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClearParticipants bulk-deletes every participant row for the giveaway and
// returns how many were removed.
func ClearParticipants(ctx context.Context, dbx *sql.DB, giveawayID int64) (int64, error) {
	res, err := dbx.ExecContext(ctx, `DELETE FROM participants WHERE giveaway_id=$1`, giveawayID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
