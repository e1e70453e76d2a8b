package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go-chatsync/internal/models"
)

// MongoMessageStore 基于 MongoDB 的消息存储实现。
// - (conversation_id, client_msg_id) 唯一索引保障发送幂等
// - (conversation_id, created_at) 索引支撑窗口拉取
// - 删除为软删除（deleted=true），窗口拉取过滤
type MongoMessageStore struct {
	DB *mongo.Database
}

func NewMongoMessageStore(db *mongo.Database) *MongoMessageStore {
	ms := &MongoMessageStore{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// 重复创建无害
	_, _ = ms.collection().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_client"),
		},
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("idx_conv_created"),
		},
	})
	return ms
}

// mongoMessage 为存储层内部结构，与 models.Message 字段一一映射。
type mongoMessage struct {
	ID             primitive.ObjectID `bson:"_id,omitempty"`
	MessageID      string             `bson:"message_id"`
	ClientMsgID    string             `bson:"client_msg_id"`
	ConversationID string             `bson:"conversation_id"`
	AuthorID       string             `bson:"author_id"`
	Content        string             `bson:"content"`
	CreatedAt      int64              `bson:"created_at"`
	UpdatedAt      int64              `bson:"updated_at"`
	Deleted        bool               `bson:"deleted"`
}

func (d *mongoMessage) toModel() models.Message {
	return models.Message{
		ID:             d.MessageID,
		ConversationID: d.ConversationID,
		AuthorID:       d.AuthorID,
		Content:        d.Content,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		Deleted:        d.Deleted,
	}
}

func (s *MongoMessageStore) collection() *mongo.Collection {
	return s.DB.Collection("chat_messages")
}

// Append 幂等写入消息（upsert + $setOnInsert，等价 INSERT IGNORE）。
func (s *MongoMessageStore) Append(ctx context.Context, m *models.Message, clientMsgID string) error {
	doc := &mongoMessage{
		MessageID:      m.ID,
		ClientMsgID:    clientMsgID,
		ConversationID: m.ConversationID,
		AuthorID:       m.AuthorID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	filter := bson.D{
		{Key: "conversation_id", Value: m.ConversationID},
		{Key: "client_msg_id", Value: clientMsgID},
	}
	update := bson.D{{Key: "$setOnInsert", Value: doc}}
	_, err := s.collection().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

// GetByClientMsgID 按幂等键回查。
func (s *MongoMessageStore) GetByClientMsgID(ctx context.Context, convID, clientMsgID string) (*models.Message, error) {
	filter := bson.D{{Key: "conversation_id", Value: convID}, {Key: "client_msg_id", Value: clientMsgID}}
	return s.findOne(ctx, filter)
}

// GetByID 查询单条消息。
func (s *MongoMessageStore) GetByID(ctx context.Context, messageID string) (*models.Message, error) {
	return s.findOne(ctx, bson.D{{Key: "message_id", Value: messageID}})
}

func (s *MongoMessageStore) findOne(ctx context.Context, filter bson.D) (*models.Message, error) {
	var doc mongoMessage
	err := s.collection().FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m := doc.toModel()
	return &m, nil
}

// UpdateContent 编辑正文；updated_at 只前进（条件更新实现 last-write-wins）。
func (s *MongoMessageStore) UpdateContent(ctx context.Context, messageID, content string, updatedAt int64) error {
	filter := bson.D{
		{Key: "message_id", Value: messageID},
		{Key: "deleted", Value: false},
		{Key: "updated_at", Value: bson.D{{Key: "$lt", Value: updatedAt}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "content", Value: content},
		{Key: "updated_at", Value: updatedAt},
	}}}
	_, err := s.collection().UpdateOne(ctx, filter, update)
	return err
}

// SoftDelete 标记删除。
func (s *MongoMessageStore) SoftDelete(ctx context.Context, messageID string, updatedAt int64) error {
	filter := bson.D{{Key: "message_id", Value: messageID}}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "deleted", Value: true}}},
		{Key: "$max", Value: bson.D{{Key: "updated_at", Value: updatedAt}}},
	}
	_, err := s.collection().UpdateOne(ctx, filter, update)
	return err
}

// ListOlder 拉取 before 之前的一页（时间升序返回）。
func (s *MongoMessageStore) ListOlder(ctx context.Context, convID string, before int64, limit int) ([]models.Message, bool, error) {
	filter := bson.D{
		{Key: "conversation_id", Value: convID},
		{Key: "deleted", Value: false},
		{Key: "created_at", Value: bson.D{{Key: "$lt", Value: before}}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "message_id", Value: -1}}).
		SetLimit(int64(limit + 1))
	msgs, err := s.list(ctx, filter, opts)
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

// ListNewer 拉取 after 之后的一页。
func (s *MongoMessageStore) ListNewer(ctx context.Context, convID string, after int64, limit int) ([]models.Message, bool, error) {
	filter := bson.D{
		{Key: "conversation_id", Value: convID},
		{Key: "deleted", Value: false},
		{Key: "created_at", Value: bson.D{{Key: "$gt", Value: after}}},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "message_id", Value: 1}}).
		SetLimit(int64(limit + 1))
	msgs, err := s.list(ctx, filter, opts)
	if err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// ListAround 以 at 为中心取一窗；at=0 退化为最新一页。
func (s *MongoMessageStore) ListAround(ctx context.Context, convID string, at int64, limit int) ([]models.Message, bool, bool, error) {
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

func (s *MongoMessageStore) list(ctx context.Context, filter bson.D, opts *options.FindOptions) ([]models.Message, error) {
	cursor, err := s.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var res []models.Message
	for cursor.Next(ctx) {
		var doc mongoMessage
		if err := cursor.Decode(&doc); err != nil {
			continue
		}
		res = append(res, doc.toModel())
	}
	return res, cursor.Err()
}
