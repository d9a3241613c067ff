package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the engine tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	stmts := postgresSchema
	if dialect == DialectSQLite {
		stmts = sqliteSchema
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS exams (
		id BIGSERIAL PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		start_at BIGINT,
		end_at BIGINT,
		status TEXT NOT NULL DEFAULT 'draft',
		created_by BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id BIGSERIAL PRIMARY KEY,
		exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		question_type TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		points INTEGER NOT NULL,
		payload JSONB NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`ALTER TABLE questions ADD COLUMN IF NOT EXISTS is_active BOOLEAN NOT NULL DEFAULT TRUE`,
	`CREATE INDEX IF NOT EXISTS idx_questions_exam_order ON questions (exam_id, order_index)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id BIGSERIAL PRIMARY KEY,
		exam_id BIGINT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		student_id BIGINT NOT NULL,
		started_at BIGINT NOT NULL,
		submitted_at BIGINT,
		status TEXT NOT NULL DEFAULT 'draft',
		score INTEGER,
		updated_at BIGINT NOT NULL,
		UNIQUE (exam_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
		question_id BIGINT NOT NULL REFERENCES questions(id),
		answer_payload JSONB NOT NULL,
		is_correct BOOLEAN,
		grade_value DOUBLE PRECISION,
		feedback TEXT,
		graded_by BIGINT,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (submission_id, question_id)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		code TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		start_at INTEGER,
		end_at INTEGER,
		status TEXT NOT NULL DEFAULT 'draft',
		created_by INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		question_type TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		points INTEGER NOT NULL,
		payload TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_exam_order ON questions (exam_id, order_index)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
		student_id INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		submitted_at INTEGER,
		status TEXT NOT NULL DEFAULT 'draft',
		score INTEGER,
		updated_at INTEGER NOT NULL,
		UNIQUE (exam_id, student_id)
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		submission_id INTEGER NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
		question_id INTEGER NOT NULL REFERENCES questions(id),
		answer_payload TEXT NOT NULL,
		is_correct BOOLEAN,
		grade_value REAL,
		feedback TEXT,
		graded_by INTEGER,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (submission_id, question_id)
	)`,
}
