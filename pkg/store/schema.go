package store

import "strings"

// Decimal columns are TEXT so no precision is lost on any backend.
// {{ts}} is replaced with the dialect's timestamp type.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(64) PRIMARY KEY,
		email VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL,
		image TEXT NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS savings_groups (
		id VARCHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		owner_user_id VARCHAR(64) NOT NULL,
		created_at {{ts}} NOT NULL,
		member_interest_rate TEXT NOT NULL,
		non_member_interest_rate TEXT NOT NULL,
		max_loan_percent TEXT NOT NULL,
		loan_term_months INTEGER NOT NULL,
		term_start_date {{ts}} NOT NULL,
		term_end_date {{ts}} NOT NULL,
		grace_period_days INTEGER NOT NULL,
		due_soon_days INTEGER NOT NULL,
		year_end_date {{ts}} NULL,
		distribution_executed_at {{ts}} NULL,
		settings_updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS members (
		id VARCHAR(36) PRIMARY KEY,
		group_id VARCHAR(36) NOT NULL REFERENCES savings_groups(id),
		user_id VARCHAR(64) NOT NULL,
		role VARCHAR(16) NOT NULL,
		bi_weekly_contribution TEXT NOT NULL,
		personal_payday INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL,
		missed_consecutive_payments INTEGER NOT NULL,
		total_contributions TEXT NOT NULL,
		joined_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (group_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS contributions (
		id VARCHAR(36) PRIMARY KEY,
		group_id VARCHAR(36) NOT NULL REFERENCES savings_groups(id),
		member_id VARCHAR(36) NOT NULL REFERENCES members(id),
		scheduled_date {{ts}} NOT NULL,
		paid_date {{ts}} NULL,
		amount TEXT NOT NULL,
		is_missed BOOLEAN NOT NULL,
		grace_period_end {{ts}} NOT NULL,
		note TEXT NOT NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (member_id, scheduled_date)
	)`,
	`CREATE TABLE IF NOT EXISTS loans (
		id VARCHAR(36) PRIMARY KEY,
		group_id VARCHAR(36) NOT NULL REFERENCES savings_groups(id),
		borrower_member_id VARCHAR(36) NULL REFERENCES members(id),
		is_non_member BOOLEAN NOT NULL,
		non_member_name VARCHAR(255) NOT NULL,
		non_member_key VARCHAR(255) NOT NULL,
		requested_by_user_id VARCHAR(64) NOT NULL,
		amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		total_interest TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		status VARCHAR(16) NOT NULL,
		approved_by VARCHAR(64) NOT NULL,
		approved_at {{ts}} NULL,
		rejection_reason TEXT NOT NULL,
		due_date {{ts}} NOT NULL,
		repaid_amount TEXT NOT NULL,
		is_fully_repaid BOOLEAN NOT NULL,
		default_notified BOOLEAN NOT NULL,
		version INTEGER NOT NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS co_makers (
		id VARCHAR(36) PRIMARY KEY,
		loan_id VARCHAR(36) NOT NULL REFERENCES loans(id),
		member_id VARCHAR(36) NOT NULL REFERENCES members(id),
		created_at {{ts}} NOT NULL,
		UNIQUE (loan_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS loan_repayments (
		id VARCHAR(36) PRIMARY KEY,
		loan_id VARCHAR(36) NOT NULL REFERENCES loans(id),
		amount TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		payment_date {{ts}} NOT NULL,
		note TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id VARCHAR(36) PRIMARY KEY,
		recipient_user_id VARCHAR(64) NOT NULL,
		type VARCHAR(32) NOT NULL,
		title VARCHAR(255) NOT NULL,
		message TEXT NOT NULL,
		action_link TEXT NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
}

func schemaFor(d Dialect) []string {
	out := make([]string, len(schemaStatements))
	for i, stmt := range schemaStatements {
		out[i] = strings.ReplaceAll(stmt, "{{ts}}", d.TimestampType())
	}
	return out
}
