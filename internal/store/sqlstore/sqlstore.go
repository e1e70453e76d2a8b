package sqlstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(20)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// schema：时间戳统一 Unix 毫秒（BIGINT）。
// uniq_conv_client 保障发送幂等；idx_conv_created 支撑窗口拉取。
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users(
		id VARCHAR(64) PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		password VARCHAR(128) NOT NULL,
		display_name VARCHAR(128) NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations(
		id VARCHAR(64) PRIMARY KEY,
		last_message_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members(
		conversation_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(64) NOT NULL,
		draft TEXT,
		PRIMARY KEY(conversation_id, user_id),
		KEY idx_member_user(user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages(
		id VARCHAR(64) PRIMARY KEY,
		conversation_id VARCHAR(64) NOT NULL,
		author_id VARCHAR(64) NOT NULL,
		client_msg_id VARCHAR(64) NOT NULL,
		content TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		deleted TINYINT NOT NULL DEFAULT 0,
		UNIQUE KEY uniq_conv_client(conversation_id, client_msg_id),
		KEY idx_conv_created(conversation_id, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS read_receipts(
		user_id VARCHAR(64) NOT NULL,
		conversation_id VARCHAR(64) NOT NULL,
		message_id VARCHAR(64) NOT NULL,
		read_at BIGINT NOT NULL,
		PRIMARY KEY(user_id, conversation_id)
	)`,
}

// Migrate 建表（幂等）。
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
