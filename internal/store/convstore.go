package store

import (
	"context"
	"database/sql"

	"go-chatsync/internal/models"
)

// ConversationStore 维护会话与成员关系。
type ConversationStore struct{ DB *sql.DB }

func NewConversationStore(db *sql.DB) *ConversationStore { return &ConversationStore{DB: db} }

// UpsertConversation 推进会话的最新消息时间（只前进）。
func (s *ConversationStore) UpsertConversation(ctx context.Context, convID string, lastMessageAt int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO conversations(id, last_message_at) VALUES(?,?) ON DUPLICATE KEY UPDATE last_message_at=IF(VALUES(last_message_at)>last_message_at, VALUES(last_message_at), last_message_at)`,
		convID, lastMessageAt)
	return err
}

// AddMember 建立成员关系（幂等）。
func (s *ConversationStore) AddMember(ctx context.Context, convID, userID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT IGNORE INTO conversation_members(conversation_id, user_id) VALUES(?,?)`, convID, userID)
	return err
}

// SetDraft 保存用户在会话中的草稿（跨设备恢复用）。
func (s *ConversationStore) SetDraft(ctx context.Context, convID, userID, draft string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE conversation_members SET draft=? WHERE conversation_id=? AND user_id=?`, draft, convID, userID)
	return err
}

// GetDraft 读取草稿；无记录时返回空串。
func (s *ConversationStore) GetDraft(ctx context.Context, convID, userID string) (string, error) {
	var draft sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT draft FROM conversation_members WHERE conversation_id=? AND user_id=?`, convID, userID).Scan(&draft)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return draft.String, nil
}

// IsMember 校验用户是否在会话中（所有读写接口的准入检查）。
func (s *ConversationStore) IsMember(ctx context.Context, convID, userID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_members WHERE conversation_id=? AND user_id=?`, convID, userID).Scan(&n)
	return n > 0, err
}

// MemberIDs 列出会话全部成员（摘要广播的扇出目标）。
func (s *ConversationStore) MemberIDs(ctx context.Context, convID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT user_id FROM conversation_members WHERE conversation_id=?`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListForUser 列出用户参与的会话 ID（按最新消息时间倒序）。
func (s *ConversationStore) ListForUser(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT m.conversation_id FROM conversation_members m JOIN conversations c ON c.id=m.conversation_id WHERE m.user_id=? ORDER BY c.last_message_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Summary 组装会话摘要（user 通道 latest_conversation_info 的载荷）。
func (s *ConversationStore) Summary(ctx context.Context, userID, convID string, receipts *ReceiptStore) (*models.ConversationSummary, error) {
	var lastAt sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT last_message_at FROM conversations WHERE id=?`, convID).Scan(&lastAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	unread, err := receipts.UnreadCount(ctx, userID, convID)
	if err != nil {
		return nil, err
	}
	return &models.ConversationSummary{
		ConversationID: convID,
		LastMessageAt:  lastAt.Int64,
		UnreadCount:    unread,
	}, nil
}
