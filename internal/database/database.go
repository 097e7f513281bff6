package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"enquirychat/internal/config"
	"enquirychat/internal/logger"
)

// DSN builds the driver connection string. Times are stored and read as UTC.
func DSN(cfg config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPassword
	mc.Net = "tcp"
	mc.Addr = cfg.DBHost + ":" + cfg.DBPort
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Init opens the pool and verifies connectivity
func Init(cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database_connected", "host", cfg.DBHost, "name", cfg.DBName)
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id              VARCHAR(36)  NOT NULL PRIMARY KEY,
		subject_id      VARCHAR(191) NOT NULL,
		subject_name    VARCHAR(255) NOT NULL DEFAULT '',
		kind            VARCHAR(32)  NOT NULL,
		last_message_id VARCHAR(36)  NULL,
		created_at      DATETIME(6)  NOT NULL,
		updated_at      DATETIME(6)  NOT NULL,
		UNIQUE KEY uq_channels_subject_kind (subject_id, kind),
		KEY idx_channels_updated (updated_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS channel_participants (
		seq        BIGINT       NOT NULL AUTO_INCREMENT,
		channel_id VARCHAR(36)  NOT NULL,
		user_id    VARCHAR(191) NOT NULL,
		PRIMARY KEY (channel_id, user_id),
		KEY idx_participants_seq (seq),
		KEY idx_participants_user (user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS channel_last_reads (
		channel_id   VARCHAR(36)  NOT NULL,
		user_id      VARCHAR(191) NOT NULL,
		last_read_at DATETIME(6)  NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         VARCHAR(36)  NOT NULL PRIMARY KEY,
		channel_id VARCHAR(36)  NOT NULL,
		sender_id  VARCHAR(191) NOT NULL,
		parent_id  VARCHAR(36)  NULL,
		body       TEXT         NULL,
		kind       VARCHAR(16)  NOT NULL DEFAULT 'text',
		media_key  VARCHAR(512) NULL,
		media_name VARCHAR(255) NULL,
		media_size BIGINT       NOT NULL DEFAULT 0,
		media_url  TEXT         NULL,
		created_at DATETIME(6)  NOT NULL,
		deleted    TINYINT(1)   NOT NULL DEFAULT 0,
		edited     TINYINT(1)   NOT NULL DEFAULT 0,
		updated_at DATETIME(6)  NULL,
		KEY idx_messages_channel_created (channel_id, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS message_reads (
		seq        BIGINT       NOT NULL AUTO_INCREMENT,
		message_id VARCHAR(36)  NOT NULL,
		user_id    VARCHAR(191) NOT NULL,
		read_at    DATETIME(6)  NOT NULL,
		PRIMARY KEY (message_id, user_id),
		KEY idx_message_reads_seq (seq)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         VARCHAR(36)  NOT NULL PRIMARY KEY,
		user_id    VARCHAR(191) NOT NULL,
		title      VARCHAR(255) NOT NULL,
		body       TEXT         NOT NULL,
		type       VARCHAR(32)  NOT NULL DEFAULT 'system_alert',
		link       VARCHAR(512) NOT NULL DEFAULT '',
		is_read    TINYINT(1)   NOT NULL DEFAULT 0,
		created_at DATETIME(6)  NOT NULL,
		updated_at DATETIME(6)  NOT NULL,
		KEY idx_notifications_user_created (user_id, created_at),
		KEY idx_notifications_user_read (user_id, is_read)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables when missing
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
