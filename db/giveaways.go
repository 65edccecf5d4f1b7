package db

import (
	"context"
	"database/sql"
	"time"
)

// Giveaway is the durable record for one giveaway. The runner reads the
// open flag and room identifiers from it; the control plane mutates it.
type Giveaway struct {
	ID                int64
	UserID            int64
	Name              string
	Command           string
	TickerMessage     sql.NullString
	IsOpen            bool
	YouTubeVideoID    sql.NullString
	YouTubeLiveChatID sql.NullString
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const giveawayColumns = `id, user_id, name, command, ticker_message, is_open, youtube_video_id, youtube_live_chat_id, created_at, updated_at`

func scanGiveaway(row *sql.Row) (*Giveaway, error) {
	var g Giveaway
	err := row.Scan(&g.ID, &g.UserID, &g.Name, &g.Command, &g.TickerMessage, &g.IsOpen, &g.YouTubeVideoID, &g.YouTubeLiveChatID, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGiveaway returns the giveaway or nil when it does not exist.
func GetGiveaway(ctx context.Context, dbx *sql.DB, id int64) (*Giveaway, error) {
	row := dbx.QueryRowContext(ctx, `SELECT `+giveawayColumns+` FROM giveaways WHERE id=$1`, id)
	return scanGiveaway(row)
}

// CreateGiveaway inserts a new giveaway for a user and returns it.
func CreateGiveaway(ctx context.Context, dbx *sql.DB, userID int64, name, command string) (*Giveaway, error) {
	row := dbx.QueryRowContext(ctx,
		`INSERT INTO giveaways (user_id, name, command) VALUES ($1,$2,$3) RETURNING `+giveawayColumns, userID, name, command)
	return scanGiveaway(row)
}

// SetGiveawayOpen flips the durable open flag. The flag is the gate the
// registrar re-checks before accepting an entry event.
func SetGiveawayOpen(ctx context.Context, dbx *sql.DB, id int64, open bool) error {
	_, err := dbx.ExecContext(ctx, `UPDATE giveaways SET is_open=$1, updated_at=NOW() WHERE id=$2`, open, id)
	return err
}

// SetLiveChatID persists a lazily discovered YouTube live chat id so later
// polls skip discovery.
func SetLiveChatID(ctx context.Context, dbx *sql.DB, id int64, chatID string) error {
	_, err := dbx.ExecContext(ctx, `UPDATE giveaways SET youtube_live_chat_id=$1, updated_at=NOW() WHERE id=$2`, chatID, id)
	return err
}

// SetYouTubeVideoID stores the configured video reference and resets the
// discovered chat id, forcing re-discovery on the next poll.
func SetYouTubeVideoID(ctx context.Context, dbx *sql.DB, id int64, videoID string) error {
	_, err := dbx.ExecContext(ctx, `UPDATE giveaways SET youtube_video_id=NULLIF($1,''), youtube_live_chat_id=NULL, updated_at=NOW() WHERE id=$2`, videoID, id)
	return err
}

// SetTickerMessage updates the overlay ticker text; empty clears it.
func SetTickerMessage(ctx context.Context, dbx *sql.DB, id int64, message string) error {
	_, err := dbx.ExecContext(ctx, `UPDATE giveaways SET ticker_message=NULLIF($1,''), updated_at=NOW() WHERE id=$2`, message, id)
	return err
}

// DeleteGiveaway removes the giveaway; participants and winners cascade.
func DeleteGiveaway(ctx context.Context, dbx *sql.DB, id int64) error {
	_, err := dbx.ExecContext(ctx, `DELETE FROM giveaways WHERE id=$1`, id)
	return err
}

// ListGiveawaysByUser returns a user's giveaways, newest first.
func ListGiveawaysByUser(ctx context.Context, dbx *sql.DB, userID int64) ([]Giveaway, error) {
	rows, err := dbx.QueryContext(ctx,
		`SELECT `+giveawayColumns+` FROM giveaways WHERE user_id=$1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Giveaway
	for rows.Next() {
		var g Giveaway
		if err := rows.Scan(&g.ID, &g.UserID, &g.Name, &g.Command, &g.TickerMessage, &g.IsOpen, &g.YouTubeVideoID, &g.YouTubeLiveChatID, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListOpenGiveawayIDs returns ids of giveaways whose open flag is set, used
// at startup to resume runners after a restart.
func ListOpenGiveawayIDs(ctx context.Context, dbx *sql.DB) ([]int64, error) {
	rows, err := dbx.QueryContext(ctx, `SELECT id FROM giveaways WHERE is_open ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
