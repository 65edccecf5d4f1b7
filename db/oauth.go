package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/onnwee/liveroll/backend/crypto"
)

// OAuthAccount is a linked platform account for one user. Tokens are
// decrypted on read; callers never see ciphertext.
type OAuthAccount struct {
	UserID         int64
	Provider       Provider
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	Scopes         string
	ProviderUserID string
}

// UpsertOAuthAccount stores or updates the linked account for
// (user, provider). If ENCRYPTION_KEY is set, tokens are encrypted before
// storage (encryption_version=1); otherwise stored plaintext (version=0).
func UpsertOAuthAccount(ctx context.Context, dbx *sql.DB, userID int64, provider Provider, access, refresh string, expiresAt time.Time, scopes, providerUserID string) error {
	enc, err := getEncryptor()
	if err != nil {
		return fmt.Errorf("get encryptor: %w", err)
	}

	encVersion := 0
	accessToStore := access
	refreshToStore := refresh
	if enc != nil {
		encVersion = 1
		if accessToStore, err = crypto.EncryptString(enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refreshToStore, err = crypto.EncryptString(enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var exp any
	if !expiresAt.IsZero() {
		exp = expiresAt
	}
	q := `INSERT INTO oauth_accounts (user_id, provider, access_token_enc, refresh_token_enc, expires_at, scopes, provider_user_id, encryption_version, updated_at)
		  VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NOW())
		  ON CONFLICT (user_id, provider) DO UPDATE SET
		    access_token_enc=EXCLUDED.access_token_enc,
		    refresh_token_enc=EXCLUDED.refresh_token_enc,
		    expires_at=EXCLUDED.expires_at,
		    scopes=EXCLUDED.scopes,
		    provider_user_id=EXCLUDED.provider_user_id,
		    encryption_version=EXCLUDED.encryption_version,
		    updated_at=NOW()`
	_, err = dbx.ExecContext(ctx, q, userID, provider, accessToStore, refreshToStore, exp, scopes, providerUserID, encVersion)
	return err
}

// GetOAuthAccount retrieves the linked account for (user, provider),
// decrypting tokens when needed. Returns nil when no account is linked.
func GetOAuthAccount(ctx context.Context, dbx *sql.DB, userID int64, provider Provider) (*OAuthAccount, error) {
	row := dbx.QueryRowContext(ctx, `
		SELECT access_token_enc, COALESCE(refresh_token_enc,''), COALESCE(expires_at, 'epoch'::timestamptz), scopes, provider_user_id, encryption_version
		FROM oauth_accounts WHERE user_id=$1 AND provider=$2`, userID, provider)

	acc := &OAuthAccount{UserID: userID, Provider: provider}
	var encVersion int
	err := row.Scan(&acc.AccessToken, &acc.RefreshToken, &acc.ExpiresAt, &acc.Scopes, &acc.ProviderUserID, &encVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if acc.ExpiresAt.Unix() == 0 {
		acc.ExpiresAt = time.Time{}
	}

	if encVersion == 1 {
		enc, encErr := getEncryptor()
		if encErr != nil {
			return nil, fmt.Errorf("get encryptor for decryption: %w", encErr)
		}
		if enc == nil {
			return nil, fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if acc.AccessToken, err = crypto.DecryptString(enc, acc.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if acc.RefreshToken, err = crypto.DecryptString(enc, acc.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return acc, nil
}

// ListOAuthAccountsNeedingRefresh returns (user_id, provider) pairs whose
// tokens expire within the window and that have a refresh token stored.
func ListOAuthAccountsNeedingRefresh(ctx context.Context, dbx *sql.DB, provider Provider, window time.Duration) ([]int64, error) {
	rows, err := dbx.QueryContext(ctx, `
		SELECT user_id FROM oauth_accounts
		WHERE provider=$1 AND refresh_token_enc IS NOT NULL AND refresh_token_enc <> ''
		  AND expires_at IS NOT NULL AND expires_at <= NOW() + $2::interval`,
		provider, fmt.Sprintf("%d seconds", int(window.Seconds())))
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
