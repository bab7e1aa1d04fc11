package database

import (
	"database/sql"
	"fmt"

	"securechat-backend/internal/models"
)

func setPragmaValues(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	// these next 2 extremely speed up performance of sqlite
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA synchronous = normal"); err != nil {
		return err
	}

	return nil
}

func Setup(cfg *models.ConfigFile) (*sql.DB, error) {
	var db *sql.DB
	var err error

	if cfg.SelfContained {
		db, err = sql.Open("sqlite", "./database.db")
		if err != nil {
			return nil, err
		}

		// there can be sqlite busy errors if this is not set to 1
		db.SetMaxOpenConns(1)

		err = setPragmaValues(db)
		if err != nil {
			return nil, err
		}
	} else {
		db, err = sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&timeout=10s", cfg.DbUser, cfg.DbPassword, cfg.DbAddress, cfg.DbPort, cfg.DbDatabase))
		if err != nil {
			return nil, err
		}

		db.SetMaxOpenConns(10)
	}

	err = SetupTables(db)
	if err != nil {
		return nil, err
	}

	return db, nil
}

func SetupTables(db *sql.DB) error {
	var err error

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS users (
				id BIGINT PRIMARY KEY,
				username VARCHAR(32) NOT NULL UNIQUE,
				display_name VARCHAR(64) NOT NULL,
				role VARCHAR(32) NOT NULL DEFAULT 'staff',
				password BINARY(60) NOT NULL
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS channels (
				id BIGINT PRIMARY KEY,
				name VARCHAR(64) NOT NULL
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS channel_members (
				channel_id BIGINT NOT NULL,
				user_id BIGINT NOT NULL,
				role VARCHAR(32) NOT NULL DEFAULT 'member',
				since TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (channel_id, user_id),
				FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS messages (
				id BIGINT PRIMARY KEY,
				channel_id BIGINT,
				recipient_id BIGINT,
				sender_id BIGINT NOT NULL,
				content TEXT NOT NULL,
				ciphertext BLOB,
				contains_sensitive BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMP NOT NULL,
				edited_at TIMESTAMP,
				deleted_at TIMESTAMP,
				deleted BOOLEAN NOT NULL DEFAULT FALSE,
				flagged BOOLEAN NOT NULL DEFAULT FALSE,
				flag_reason TEXT,
				read_at TIMESTAMP,
				FOREIGN KEY (sender_id) REFERENCES users(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS notification_preferences (
				user_id BIGINT NOT NULL,
				context_type VARCHAR(16) NOT NULL,
				context_id BIGINT NOT NULL DEFAULT 0,
				level VARCHAR(16) NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				PRIMARY KEY (user_id, context_type, context_id),
				FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			);
		`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
			CREATE TABLE IF NOT EXISTS audit_log (
				id BIGINT PRIMARY KEY,
				event_id VARCHAR(36) NOT NULL,
				actor BIGINT,
				action VARCHAR(64) NOT NULL,
				detail TEXT NOT NULL,
				address VARCHAR(64) NOT NULL,
				critical BOOLEAN NOT NULL,
				prev_hash VARCHAR(64) NOT NULL DEFAULT '',
				hash VARCHAR(64) NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL
			);
		`)
	if err != nil {
		return err
	}

	return nil
}
