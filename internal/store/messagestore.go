package store

import (
	"context"
	"database/sql"

	"go-chatsync/internal/models"
)

// MessageStore 基于 SQL 的消息存储实现（MySQL 兼容）。
// 约束：
// - chat_messages 表需具备 (conversation_id, client_msg_id) 唯一键保障发送幂等
// - idx_conv_created 支撑按 (conversation_id, created_at) 的窗口拉取
// - 删除为软删除（deleted=1），历史窗口过滤之
type MessageStore struct{ DB *sql.DB }

func NewMessageStore(db *sql.DB) *MessageStore { return &MessageStore{DB: db} }

const messageCols = `id, conversation_id, author_id, content, created_at, updated_at, deleted`

// Append 插入消息；INSERT IGNORE 实现幂等写入（客户端重试不产生重复）。
func (s *MessageStore) Append(ctx context.Context, m *models.Message, clientMsgID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT IGNORE INTO chat_messages(id, conversation_id, author_id, client_msg_id, content, created_at, updated_at, deleted) VALUES(?,?,?,?,?,?,?,0)`,
		m.ID, m.ConversationID, m.AuthorID, clientMsgID, m.Content, m.CreatedAt, m.UpdatedAt)
	return err
}

// GetByClientMsgID 按幂等键回查（重复提交时返回首次写入的消息）。
func (s *MessageStore) GetByClientMsgID(ctx context.Context, convID, clientMsgID string) (*models.Message, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+messageCols+` FROM chat_messages WHERE conversation_id=? AND client_msg_id=?`, convID, clientMsgID)
	return scanMessage(row)
}

// GetByID 查询单条消息。
func (s *MessageStore) GetByID(ctx context.Context, messageID string) (*models.Message, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+messageCols+` FROM chat_messages WHERE id=?`, messageID)
	return scanMessage(row)
}

// UpdateContent 编辑消息正文；updated_at 只允许前进。
func (s *MessageStore) UpdateContent(ctx context.Context, messageID, content string, updatedAt int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE chat_messages SET content=?, updated_at=IF(?>updated_at, ?, updated_at) WHERE id=? AND deleted=0`,
		content, updatedAt, updatedAt, messageID)
	return err
}

// SoftDelete 标记删除（不删除物理记录，窗口拉取过滤）。
func (s *MessageStore) SoftDelete(ctx context.Context, messageID string, updatedAt int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE chat_messages SET deleted=1, updated_at=IF(?>updated_at, ?, updated_at) WHERE id=?`,
		updatedAt, updatedAt, messageID)
	return err
}

// ListOlder 拉取 before 之前的一页（时间升序返回）；多查一条以判定 hasMore。
func (s *MessageStore) ListOlder(ctx context.Context, convID string, before int64, limit int) ([]models.Message, bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+messageCols+` FROM chat_messages WHERE conversation_id=? AND deleted=0 AND created_at<? ORDER BY created_at DESC, id DESC LIMIT ?`,
		convID, before, limit+1)
	if err != nil {
		return nil, false, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	reverse(msgs)
	return msgs, hasMore, nil
}

// ListNewer 拉取 after 之后的一页（时间升序返回）。
func (s *MessageStore) ListNewer(ctx context.Context, convID string, after int64, limit int) ([]models.Message, bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+messageCols+` FROM chat_messages WHERE conversation_id=? AND deleted=0 AND created_at>? ORDER BY created_at ASC, id ASC LIMIT ?`,
		convID, after, limit+1)
	if err != nil {
		return nil, false, err
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// ListAround 以 at 为中心取一窗：前后各半页拼接。
// at=0 表示没有定位点，退化为“最新一页”（等价 ListOlder(+∞)）。
func (s *MessageStore) ListAround(ctx context.Context, convID string, at int64, limit int) ([]models.Message, bool, bool, error) {
	if at <= 0 {
		msgs, hasOlder, err := s.ListOlder(ctx, convID, int64(1)<<62, limit)
		return msgs, hasOlder, false, err
	}
	half := limit / 2
	if half < 1 {
		half = 1
	}
	older, hasOlder, err := s.ListOlder(ctx, convID, at+1, half)
	if err != nil {
		return nil, false, false, err
	}
	newer, hasNewer, err := s.ListNewer(ctx, convID, at, limit-len(older))
	if err != nil {
		return nil, false, false, err
	}
	return append(older, newer...), hasOlder, hasNewer, nil
}

func scanMessage(row *sql.Row) (*models.Message, error) {
	m := &models.Message{}
	var deleted int
	if err := row.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &m.CreatedAt, &m.UpdatedAt, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m.Deleted = deleted == 1
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var res []models.Message
	for rows.Next() {
		var m models.Message
		var deleted int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.AuthorID, &m.Content, &m.CreatedAt, &m.UpdatedAt, &deleted); err != nil {
			return nil, err
		}
		m.Deleted = deleted == 1
		res = append(res, m)
	}
	return res, rows.Err()
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
