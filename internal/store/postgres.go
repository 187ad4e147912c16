package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Tx is the unit-of-work surface available inside InTx. Every workflow
// operation performs all of its reads and writes through one Tx, so a
// request-status write and the tag write it implies commit together or not
// at all.
type Tx interface {
	GetTag(ctx context.Context, id int64) (Tag, error)
	GetTagForUpdate(ctx context.Context, id int64) (Tag, error)
	TagByNameAndParent(ctx context.Context, name string, parentID int64) (*Tag, error)
	InsertTag(ctx context.Context, tag Tag) (int64, error)
	UpdateTagParent(ctx context.Context, id, newParentID int64) error
	UpdateTagName(ctx context.Context, id int64, newName string) error
	UpdateTagIntro(ctx context.Context, id int64, newIntro string) error
	GetUser(ctx context.Context, id int64) (User, error)
	InsertChangeRequest(ctx context.Context, req ChangeRequest) (int64, error)
	GetChangeRequestForUpdate(ctx context.Context, id int64) (ChangeRequest, error)
	UpdateChangeRequestStatus(ctx context.Context, id int64, status RequestStatus, transactorID *int64) error
}

// InTx runs fn inside a single database transaction. The transaction commits
// only if fn returns nil; any error rolls back every write fn performed.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

const tagColumns = `id, name, parent_id, intro, created_at, updated_at`

func scanTag(row *sql.Row) (Tag, error) {
	var tag Tag
	var parentID sql.NullInt64
	err := row.Scan(&tag.ID, &tag.Name, &parentID, &tag.Intro, &tag.CreatedAt, &tag.UpdatedAt)
	if err != nil {
		return Tag{}, err
	}
	if parentID.Valid {
		tag.ParentID = &parentID.Int64
	}
	return tag, nil
}

func (t *pgTx) GetTag(ctx context.Context, id int64) (Tag, error) {
	return scanTag(t.tx.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE id=$1`, id))
}

func (t *pgTx) GetTagForUpdate(ctx context.Context, id int64) (Tag, error) {
	return scanTag(t.tx.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE id=$1 FOR UPDATE`, id))
}

func (t *pgTx) TagByNameAndParent(ctx context.Context, name string, parentID int64) (*Tag, error) {
	tag, err := scanTag(t.tx.QueryRowContext(ctx, `
		SELECT `+tagColumns+` FROM tags WHERE name=$1 AND parent_id=$2
	`, name, parentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tag by name and parent: %w", err)
	}
	return &tag, nil
}

func (t *pgTx) InsertTag(ctx context.Context, tag Tag) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO tags (name, parent_id, intro)
		VALUES ($1, $2, $3)
		RETURNING id
	`, tag.Name, tag.ParentID, tag.Intro).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert tag: %w", err)
	}
	return id, nil
}

func (t *pgTx) UpdateTagParent(ctx context.Context, id, newParentID int64) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE tags SET parent_id=$2, updated_at=NOW() WHERE id=$1
	`, id, newParentID); err != nil {
		return fmt.Errorf("update tag parent: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateTagName(ctx context.Context, id int64, newName string) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE tags SET name=$2, updated_at=NOW() WHERE id=$1
	`, id, newName); err != nil {
		return fmt.Errorf("update tag name: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateTagIntro(ctx context.Context, id int64, newIntro string) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE tags SET intro=$2, updated_at=NOW() WHERE id=$1
	`, id, newIntro); err != nil {
		return fmt.Errorf("update tag intro: %w", err)
	}
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (User, error) {
	var user User
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, display_name, email, rank FROM users WHERE id=$1
	`, id).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Rank)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func payloadArgs(payload RequestPayload) (newParentID sql.NullInt64, newName, newIntro sql.NullString) {
	switch p := payload.(type) {
	case MovePayload:
		newParentID = sql.NullInt64{Int64: p.NewParentID, Valid: true}
	case RenamePayload:
		newName = sql.NullString{String: p.NewName, Valid: true}
	case SetIntroPayload:
		newIntro = sql.NullString{String: p.NewIntro, Valid: true}
	}
	return newParentID, newName, newIntro
}

func payloadFromColumns(requestType string, newParentID sql.NullInt64, newName, newIntro sql.NullString) (RequestPayload, error) {
	switch RequestType(requestType) {
	case TypeMove:
		if !newParentID.Valid {
			return nil, fmt.Errorf("move request missing new_parent_id")
		}
		return MovePayload{NewParentID: newParentID.Int64}, nil
	case TypeRename:
		if !newName.Valid {
			return nil, fmt.Errorf("rename request missing new_name")
		}
		return RenamePayload{NewName: newName.String}, nil
	case TypeSetIntro:
		if !newIntro.Valid {
			return nil, fmt.Errorf("set-intro request missing new_intro")
		}
		return SetIntroPayload{NewIntro: newIntro.String}, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", requestType)
	}
}

func (t *pgTx) InsertChangeRequest(ctx context.Context, req ChangeRequest) (int64, error) {
	newParentID, newName, newIntro := payloadArgs(req.Payload)
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO change_requests (tag_id, submitter_id, type, status, new_parent_id, new_name, new_intro)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, req.TagID, req.SubmitterID, string(req.Type()), string(req.Status), newParentID, newName, newIntro).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert change request: %w", err)
	}
	return id, nil
}

func (t *pgTx) GetChangeRequestForUpdate(ctx context.Context, id int64) (ChangeRequest, error) {
	var req ChangeRequest
	var requestType, status string
	var transactorID, newParentID sql.NullInt64
	var newName, newIntro sql.NullString
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, tag_id, submitter_id, type, status, transactor_id, new_parent_id, new_name, new_intro, created_at
		FROM change_requests
		WHERE id=$1
		FOR UPDATE
	`, id).Scan(&req.ID, &req.TagID, &req.SubmitterID, &requestType, &status, &transactorID, &newParentID, &newName, &newIntro, &req.CreatedAt)
	if err != nil {
		return ChangeRequest{}, err
	}
	req.Status = RequestStatus(status)
	if transactorID.Valid {
		req.TransactorID = &transactorID.Int64
	}
	req.Payload, err = payloadFromColumns(requestType, newParentID, newName, newIntro)
	if err != nil {
		return ChangeRequest{}, err
	}
	return req, nil
}

func (t *pgTx) UpdateChangeRequestStatus(ctx context.Context, id int64, status RequestStatus, transactorID *int64) error {
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE change_requests SET status=$2, transactor_id=$3 WHERE id=$1
	`, id, string(status), transactorID); err != nil {
		return fmt.Errorf("update change request status: %w", err)
	}
	return nil
}

// Read-only projections outside the transaction boundary.

func (s *PostgresStore) GetTag(ctx context.Context, id int64) (Tag, error) {
	return scanTag(s.db.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM tags WHERE id=$1`, id))
}

func (s *PostgresStore) ListChildTags(ctx context.Context, parentID int64) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tagColumns+` FROM tags WHERE parent_id=$1 ORDER BY name
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var tag Tag
		var parent sql.NullInt64
		if err := rows.Scan(&tag.ID, &tag.Name, &parent, &tag.Intro, &tag.CreatedAt, &tag.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		if parent.Valid {
			tag.ParentID = &parent.Int64
		}
		items = append(items, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListAllTags(ctx context.Context) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ` + tagColumns + ` FROM tags ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	items := make([]Tag, 0)
	for rows.Next() {
		var tag Tag
		var parent sql.NullInt64
		if err := rows.Scan(&tag.ID, &tag.Name, &parent, &tag.Intro, &tag.CreatedAt, &tag.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		if parent.Valid {
			tag.ParentID = &parent.Int64
		}
		items = append(items, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	return items, nil
}

const requestRowQuery = `
	SELECT r.id, r.tag_id, r.submitter_id, r.type, r.status, r.transactor_id,
		r.new_parent_id, r.new_name, r.new_intro, r.created_at,
		t.name, su.display_name, COALESCE(tu.display_name, '')
	FROM change_requests r
	JOIN tags t ON t.id = r.tag_id
	JOIN users su ON su.id = r.submitter_id
	LEFT JOIN users tu ON tu.id = r.transactor_id
`

func (s *PostgresStore) ListRequestsByTag(ctx context.Context, tagID int64) ([]ChangeRequestRow, error) {
	rows, err := s.db.QueryContext(ctx, requestRowQuery+`
		WHERE r.tag_id = $1
		ORDER BY r.created_at DESC
	`, tagID)
	if err != nil {
		return nil, fmt.Errorf("list requests by tag: %w", err)
	}
	return collectRequestRows(rows)
}

// ListRequestsByTagSubtree returns requests whose target tag lies anywhere
// in the subtree rooted at tagID, the root included.
func (s *PostgresStore) ListRequestsByTagSubtree(ctx context.Context, tagID int64) ([]ChangeRequestRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM tags WHERE id = $1
			UNION ALL
			SELECT t.id FROM tags t JOIN subtree st ON t.parent_id = st.id
		)
	`+requestRowQuery+`
		WHERE r.tag_id IN (SELECT id FROM subtree)
		ORDER BY r.created_at DESC
	`, tagID)
	if err != nil {
		return nil, fmt.Errorf("list requests by subtree: %w", err)
	}
	return collectRequestRows(rows)
}

func collectRequestRows(rows *sql.Rows) ([]ChangeRequestRow, error) {
	defer rows.Close()

	items := make([]ChangeRequestRow, 0)
	for rows.Next() {
		var item ChangeRequestRow
		var requestType, status string
		var transactorID, newParentID sql.NullInt64
		var newName, newIntro sql.NullString
		if err := rows.Scan(
			&item.ID, &item.TagID, &item.SubmitterID, &requestType, &status, &transactorID,
			&newParentID, &newName, &newIntro, &item.CreatedAt,
			&item.TagName, &item.SubmitterName, &item.TransactorName,
		); err != nil {
			return nil, fmt.Errorf("scan change request: %w", err)
		}
		item.Status = RequestStatus(status)
		if transactorID.Valid {
			item.TransactorID = &transactorID.Int64
		}
		payload, err := payloadFromColumns(requestType, newParentID, newName, newIntro)
		if err != nil {
			return nil, err
		}
		item.Payload = payload
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change requests: %w", err)
	}
	return items, nil
}

// User and credential methods consumed by the auth layer.

func (s *PostgresStore) GetUserByID(ctx context.Context, id int64) (User, error) {
	var user User
	var verificationToken sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, rank, is_email_verified, verification_token
		FROM users WHERE id=$1
	`, id).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Rank, &user.IsEmailVerified, &verificationToken)
	if err != nil {
		return User{}, err
	}
	user.VerificationToken = verificationToken.String
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	var verificationToken sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, rank, is_email_verified, verification_token
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Rank, &user.IsEmailVerified, &verificationToken)
	if err != nil {
		return User{}, err
	}
	user.VerificationToken = verificationToken.String
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email, password_hash, rank, is_email_verified, verification_token)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, user.DisplayName, user.Email, user.PasswordHash, user.Rank, user.IsEmailVerified, user.VerificationToken).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3 WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID int64, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2 WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID int64, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// Refresh session and token revocation methods; the Postgres variants back
// the session layer when Redis is not configured.

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email, u.rank
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Rank)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Feedback.

func (s *PostgresStore) InsertFeedback(ctx context.Context, item Feedback) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feedback (content, name, email, ip)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, item.Content, item.Name, item.Email, item.IP).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert feedback: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListFeedback(ctx context.Context) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, name, email, ip, created_at FROM feedback ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	items := make([]Feedback, 0)
	for rows.Next() {
		var item Feedback
		if err := rows.Scan(&item.ID, &item.Content, &item.Name, &item.Email, &item.IP, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return items, nil
}
