package subscribers

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTokenInvalid covers missing, expired, and already-consumed tokens.
// Callers return a neutral message so the endpoint is not an oracle.
var ErrTokenInvalid = errors.New("subscribers: invalid token")

// Token descriptions.
const (
	TokenConfirmSubscription = "confirm_subscription"
)

// Entity kinds a token may reference.
const (
	EntityKindSubscriber = "subscriber"
	EntityKindList       = "mailing_list"
)

// Token is a single-use, expiring credential bound to a workflow step.
// The (EntityKind, EntityID) pair replaces a polymorphic object pointer.
type Token struct {
	Text        string    `json:"text" db:"text"`
	Description string    `json:"description" db:"description"`
	EntityKind  string    `json:"entity_kind" db:"entity_kind"`
	EntityID    uuid.UUID `json:"entity_id" db:"entity_id"`
	ExpiresDays int       `json:"expires_days" db:"expires_days"`
	DateCreated time.Time `json:"date_created" db:"date_created"`
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newTokenText returns a 50-char random string from crypto/rand.
func newTokenText() string {
	buf := make([]byte, 50)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("token entropy unavailable: %v", err))
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}

// IssueToken invalidates prior tokens with the same description for the
// entity and issues a fresh one.
func (s *Store) IssueToken(ctx context.Context, description, entityKind string, entityID uuid.UUID, expiresDays int) (*Token, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin token tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM tokens
		WHERE description = $1 AND entity_kind = $2 AND entity_id = $3`,
		description, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("invalidate prior tokens: %w", err)
	}

	tok := &Token{
		Text:        newTokenText(),
		Description: description,
		EntityKind:  entityKind,
		EntityID:    entityID,
		ExpiresDays: expiresDays,
		DateCreated: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (text, description, entity_kind, entity_id, expires_days, date_created)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		tok.Text, tok.Description, tok.EntityKind, tok.EntityID, tok.ExpiresDays, tok.DateCreated)
	if err != nil {
		return nil, fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit token tx: %w", err)
	}
	return tok, nil
}

// ConsumeToken resolves and deletes a token in one transaction. The
// delete happens before the caller can report success, so replaying the
// same token text always yields ErrTokenInvalid.
func (s *Store) ConsumeToken(ctx context.Context, text, description string) (*Token, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume tx: %w", err)
	}
	defer tx.Rollback()

	var tok Token
	err = tx.QueryRowContext(ctx, `
		SELECT text, description, entity_kind, entity_id, expires_days, date_created
		FROM tokens
		WHERE text = $1 AND description = $2
		FOR UPDATE`, text, description).Scan(
		&tok.Text, &tok.Description, &tok.EntityKind, &tok.EntityID,
		&tok.ExpiresDays, &tok.DateCreated)
	if err == sql.ErrNoRows {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE text = $1`, tok.Text); err != nil {
		return nil, fmt.Errorf("delete token: %w", err)
	}

	if tok.Expired(time.Now().UTC()) {
		// Consume it anyway; an expired token must never become valid later.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit consume tx: %w", err)
		}
		return nil, ErrTokenInvalid
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume tx: %w", err)
	}
	return &tok, nil
}

// Expired reports whether the token's expiry window has passed.
func (t *Token) Expired(now time.Time) bool {
	if t.ExpiresDays <= 0 {
		return false
	}
	return now.After(t.DateCreated.AddDate(0, 0, t.ExpiresDays))
}
