package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go-chatsync/internal/cache"
)

// ReceiptStore 维护用户已读游标（按会话一行）。
// 游标只允许前进：并发/乱序上报靠 SQL 侧的 IF 比较兜底。
type ReceiptStore struct{ DB *sql.DB }

func NewReceiptStore(db *sql.DB) *ReceiptStore { return &ReceiptStore{DB: db} }

// UpsertRead 单调推进已读游标；read_at 回退的上报被原样吞掉。
func (s *ReceiptStore) UpsertRead(ctx context.Context, userID, convID, messageID string, readAt int64) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO read_receipts(user_id, conversation_id, message_id, read_at) VALUES(?,?,?,?) ON DUPLICATE KEY UPDATE message_id=IF(VALUES(read_at) > read_at, VALUES(message_id), message_id), read_at=IF(VALUES(read_at) > read_at, VALUES(read_at), read_at)`,
		userID, convID, messageID, readAt)
	if err == nil {
		cache.Client().Set(ctx, readAtCacheKey(userID, convID), readAt, 10*time.Minute)
	}
	return err
}

// GetRead 查询已读游标；无记录时返回零值。
func (s *ReceiptStore) GetRead(ctx context.Context, userID, convID string) (string, int64, error) {
	var messageID sql.NullString
	var readAt sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `SELECT message_id, read_at FROM read_receipts WHERE user_id=? AND conversation_id=?`, userID, convID).Scan(&messageID, &readAt)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	return messageID.String, readAt.Int64, nil
}

// UnreadCount 计算未读数：已读游标之后、他人发出的未删除消息。
// 未读数以服务端为准，客户端不自行推算。
func (s *ReceiptStore) UnreadCount(ctx context.Context, userID, convID string) (int, error) {
	_, readAt, err := s.GetRead(ctx, userID, convID)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE conversation_id=? AND deleted=0 AND created_at>? AND author_id<>?`,
		convID, readAt, userID).Scan(&n)
	return n, err
}

func readAtCacheKey(userID, convID string) string {
	return fmt.Sprintf("chat:readat:%s:%s", userID, convID)
}
