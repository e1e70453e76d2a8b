package store

import (
	"context"

	"go-chatsync/internal/models"
)

// MessageStoreInterface 抽象消息存储，便于切换 MySQL/MongoDB：
// - Append：幂等写入（底层需对 (conversation_id, client_msg_id) 提供唯一约束）
// - UpdateContent/SoftDelete：编辑与软删除，updated_at 只允许前进
// - ListOlder/ListNewer/ListAround：三种方向的窗口拉取，多查一条判定 hasMore
type MessageStoreInterface interface {
	Append(ctx context.Context, m *models.Message, clientMsgID string) error
	GetByClientMsgID(ctx context.Context, convID, clientMsgID string) (*models.Message, error)
	GetByID(ctx context.Context, messageID string) (*models.Message, error)
	UpdateContent(ctx context.Context, messageID, content string, updatedAt int64) error
	SoftDelete(ctx context.Context, messageID string, updatedAt int64) error
	ListOlder(ctx context.Context, convID string, before int64, limit int) ([]models.Message, bool, error)
	ListNewer(ctx context.Context, convID string, after int64, limit int) ([]models.Message, bool, error)
	ListAround(ctx context.Context, convID string, at int64, limit int) ([]models.Message, bool, bool, error)
}
