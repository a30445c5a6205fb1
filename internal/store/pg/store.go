package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"fishlive/internal/domain"
)

// Store reads accounts and rule configuration and writes back refreshed
// credentials. Rule rows are owned by the admin surface; this side only
// reads them, possibly slightly stale.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, user_id, cookies, ai_enabled, auto_confirm, enabled
		FROM accounts
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var a domain.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Cookies, &a.AIEnabled, &a.AutoConfirm, &a.Enabled); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAccount(ctx context.Context, id string) (domain.Account, bool, error) {
	var a domain.Account
	row := s.DB.QueryRow(ctx, `
		SELECT id, user_id, cookies, ai_enabled, auto_confirm, enabled
		FROM accounts WHERE id=$1
	`, id)
	err := row.Scan(&a.ID, &a.UserID, &a.Cookies, &a.AIEnabled, &a.AutoConfirm, &a.Enabled)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return a, true, nil
}

// UpdateAccountCookies persists the cookie string after a credential
// refresh so a process restart does not lose the newest token material.
func (s *Store) UpdateAccountCookies(ctx context.Context, id, cookies string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE accounts SET cookies=$2, updated_at=$3 WHERE id=$1
	`, id, cookies, now)
	return err
}

func (s *Store) GetKeywordRules(ctx context.Context, accountID string) ([]domain.KeywordRule, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, COALESCE(item_id,''), keyword, match_mode, reply, position
		FROM keyword_rules
		WHERE account_id=$1
		ORDER BY position, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.KeywordRule
	for rows.Next() {
		var r domain.KeywordRule
		var mode string
		if err := rows.Scan(&r.ID, &r.ItemID, &r.Keyword, &mode, &r.Reply, &r.Position); err != nil {
			return nil, err
		}
		r.Mode = domain.MatchMode(mode)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetDeliveryRules(ctx context.Context, accountID string) ([]domain.DeliveryRule, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, item_id, COALESCE(spec_name,''), COALESCE(spec_value,''), trigger_kind,
		       COALESCE(payload_text,''), COALESCE(card_pool_id,''), delay_seconds, enabled, position
		FROM delivery_rules
		WHERE account_id=$1
		ORDER BY position, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeliveryRule
	for rows.Next() {
		var r domain.DeliveryRule
		var trigger string
		var delaySeconds int
		if err := rows.Scan(&r.ID, &r.ItemID, &r.SpecName, &r.SpecValue, &trigger,
			&r.Payload.Text, &r.Payload.PoolID, &delaySeconds, &r.Enabled, &r.Position); err != nil {
			return nil, err
		}
		r.Trigger = domain.TriggerKind(trigger)
		r.Delay = time.Duration(delaySeconds) * time.Second
		out = append(out, r)
	}
	return out, rows.Err()
}

// DrawCard takes one unused card from the pool and marks it used. The
// row lock with SKIP LOCKED keeps concurrent draws from handing out the
// same card.
func (s *Store) DrawCard(ctx context.Context, accountID, poolID string) (string, error) {
	var content string
	err := s.DB.QueryRow(ctx, `
		UPDATE cards SET used=TRUE, used_at=$3
		WHERE id = (
			SELECT id FROM cards
			WHERE account_id=$1 AND pool_id=$2 AND NOT used
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING content
	`, accountID, poolID, time.Now().UTC()).Scan(&content)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return "", domain.ErrPoolEmpty
		}
		return "", err
	}
	return content, nil
}

func (s *Store) GetDefaultReply(ctx context.Context, accountID string) (domain.DefaultReply, error) {
	var d domain.DefaultReply
	row := s.DB.QueryRow(ctx, `
		SELECT enabled, reply_content FROM default_replies WHERE account_id=$1
	`, accountID)
	err := row.Scan(&d.Enabled, &d.Content)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.DefaultReply{}, nil
		}
		return domain.DefaultReply{}, err
	}
	return d, nil
}
