package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/omini/omini-core/internal/domain"
)

// InsertInbound records an inbound message, deduplicating on the
// provider's external id within the conversation. The bool reports
// whether a new row was created.
func (s *Store) InsertInbound(ctx context.Context, m *domain.Message) (bool, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, organization_id, conversation_id, direction, text, status,
			 external_id, received_at)
		VALUES ($1, $2, $3, 'in', $4, 'delivered', $5, $6)
		ON CONFLICT (conversation_id, external_id) WHERE external_id IS NOT NULL
			DO NOTHING
	`, m.ID, m.OrganizationID, m.ConversationID, nullString(m.Text),
		nullString(m.ExternalID), m.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert inbound message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CreateOutbound records a pending outbound message.
func (s *Store) CreateOutbound(ctx context.Context, m *domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Direction = domain.DirectionOut
	m.Status = domain.MessagePending
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages
			(id, organization_id, conversation_id, direction, text, status,
			 campaign_send_id, journey_run_step_id)
		VALUES ($1, $2, $3, 'out', $4, 'pending', $5, $6)
		RETURNING received_at
	`, m.ID, m.OrganizationID, m.ConversationID, nullString(m.Text),
		nullUUID(m.CampaignSendID), nullUUID(m.JourneyRunStepID)).Scan(&m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("create outbound message: %w", err)
	}
	return nil
}

// GetMessage fetches one message in the org.
func (s *Store) GetMessage(ctx context.Context, orgID, id string) (*domain.Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE id = $1 AND organization_id = $2
	`, id, orgID))
}

// FindMessageByProviderID locates the outbound message a provider status
// callback refers to.
func (s *Store) FindMessageByProviderID(ctx context.Context, orgID, providerMessageID string) (*domain.Message, error) {
	return s.scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE organization_id = $1 AND provider_message_id = $2 AND direction = 'out'
	`, orgID, providerMessageID))
}

// ListMessages returns a conversation's messages, oldest first.
// LastInboundText returns the text of the newest inbound message in the
// conversation, or "" when none exists. Condition nodes match against it.
func (s *Store) LastInboundText(ctx context.Context, orgID, conversationID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(text,'') FROM messages
		WHERE organization_id = $1 AND conversation_id = $2 AND direction = 'in'
		ORDER BY received_at DESC LIMIT 1
	`, orgID, conversationID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last inbound text: %w", err)
	}
	return text, nil
}

func (s *Store) ListMessages(ctx context.Context, orgID, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+` FROM messages
		WHERE organization_id = $1 AND conversation_id = $2
		ORDER BY received_at ASC LIMIT $3
	`, orgID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkMessageSent moves a pending outbound message to sent, recording the
// provider's message id. Returns ErrConflict when the message already
// left pending.
func (s *Store) MarkMessageSent(ctx context.Context, orgID, id, providerMessageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'sent', provider_message_id = $3, attempts = attempts + 1
		WHERE id = $1 AND organization_id = $2 AND status = 'pending'
	`, id, orgID, nullString(providerMessageID))
	if err != nil {
		return fmt.Errorf("mark message sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// MarkMessageFailed moves a pending or sent outbound message to failed.
func (s *Store) MarkMessageFailed(ctx context.Context, orgID, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'failed', error = $3, attempts = attempts + 1
		WHERE id = $1 AND organization_id = $2 AND status IN ('pending','sent')
	`, id, orgID, reason)
	if err != nil {
		return fmt.Errorf("mark message failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// AdvanceMessageStatus applies a status transition guarded on the message
// still holding from. The guard keeps out-of-order provider callbacks
// from rolling a message backwards.
func (s *Store) AdvanceMessageStatus(ctx context.Context, orgID, id string, from, to domain.MessageStatus, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = $3, error = COALESCE(NULLIF($4,''), error)
		WHERE id = $1 AND organization_id = $2 AND status = $5
	`, id, orgID, string(to), reason, string(from))
	if err != nil {
		return false, fmt.Errorf("advance message status: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const messageCols = `id, organization_id, conversation_id, direction,
	COALESCE(text,''), status, COALESCE(external_id,''),
	COALESCE(provider_message_id,''), campaign_send_id, journey_run_step_id,
	COALESCE(error,''), attempts, received_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanMessage(row *sql.Row) (*domain.Message, error) {
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

func scanMessageRow(r rowScanner) (*domain.Message, error) {
	m := &domain.Message{}
	var sendID, stepID sql.NullString
	err := r.Scan(
		&m.ID, &m.OrganizationID, &m.ConversationID, &m.Direction,
		&m.Text, &m.Status, &m.ExternalID,
		&m.ProviderMessageID, &sendID, &stepID,
		&m.Error, &m.Attempts, &m.ReceivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.CampaignSendID = sendID.String
	m.JourneyRunStepID = stepID.String
	return m, nil
}

func nullUUID(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
