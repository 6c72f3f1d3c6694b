package database

import (
	"context"
	"corsrules/logger"
	"corsrules/models"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 500
)

// EnforcementLog stores the responses rewritten by the enforcement proxy.
type EnforcementLog struct {
	db *sql.DB
}

func NewEnforcementLog(db *sql.DB) *EnforcementLog {
	return &EnforcementLog{db: db}
}

// Record inserts entry and returns its ID.
func (l *EnforcementLog) Record(ctx context.Context, entry models.EnforcementLogEntry) (int64, error) {
	result, err := l.db.ExecContext(ctx, `INSERT INTO enforcement_log (
		timestamp, rule_id, initiator, method, url, resource_type, status_code, preflight
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.RuleID, entry.Initiator, entry.Method, entry.URL,
		entry.ResourceType, entry.StatusCode, entry.Preflight,
	)
	if err != nil {
		logger.Error("DB log error for enforced request (%s %s): %v", entry.Method, entry.URL, err)
		return 0, err
	}
	return result.LastInsertId()
}

// List returns one page of entries matching filters together with the total
// number of matching entries.
func (l *EnforcementLog) List(ctx context.Context, filters models.EnforcementLogFilters) ([]models.EnforcementLogEntry, int64, error) {
	entries := []models.EnforcementLogEntry{}
	var totalRecords int64

	var whereClauses []string
	var args []interface{}
	if filters.RuleID > 0 {
		whereClauses = append(whereClauses, "rule_id = ?")
		args = append(args, filters.RuleID)
	}
	if filters.Initiator != "" {
		whereClauses = append(whereClauses, "LOWER(initiator) = LOWER(?)")
		args = append(args, filters.Initiator)
	}
	if filters.Method != "" {
		whereClauses = append(whereClauses, "UPPER(method) = ?")
		args = append(args, strings.ToUpper(filters.Method))
	}
	finalWhereClause := ""
	if len(whereClauses) > 0 {
		finalWhereClause = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(id) FROM enforcement_log %s", finalWhereClause)
	if err := l.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalRecords); err != nil {
		logger.Error("EnforcementLog.List: Error counting records: %v", err)
		return nil, 0, err
	}
	if totalRecords == 0 {
		return entries, 0, nil
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = defaultLogPageSize
	} else if limit > maxLogPageSize {
		limit = maxLogPageSize
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	sortOrder := "DESC"
	if strings.ToUpper(filters.SortOrder) == "ASC" {
		sortOrder = "ASC"
	}

	query := fmt.Sprintf(`SELECT id, timestamp, rule_id, initiator, method, url, resource_type, status_code, preflight
		FROM enforcement_log %s ORDER BY timestamp %s, id %s LIMIT ? OFFSET ?`, finalWhereClause, sortOrder, sortOrder)
	queryArgs := append(args, limit, (page-1)*limit)

	rows, err := l.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		logger.Error("EnforcementLog.List: Error querying records: %v. Args: %v", err, queryArgs)
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var e models.EnforcementLogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RuleID, &e.Initiator, &e.Method, &e.URL, &e.ResourceType, &e.StatusCode, &e.Preflight); err != nil {
			logger.Error("EnforcementLog.List: Error scanning row: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, totalRecords, rows.Err()
}

// Prune deletes entries recorded before cutoff.
func (l *EnforcementLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM enforcement_log WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning enforcement log: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info("EnforcementLog: pruned %d entries older than %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}
