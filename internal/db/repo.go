package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"plantwatch/internal/kv"
	"plantwatch/internal/models"
)

type Repository struct {
	db *sql.DB
}

type AlertEvent struct {
	ID       int64           `json:"id"`
	Key      string          `json:"key"`
	DeviceID string          `json:"deviceId"`
	Metric   models.Metric   `json:"metric"`
	Value    float64         `json:"value"`
	Severity models.Severity `json:"severity"`
	Message  string          `json:"message"`
	Raised   time.Time       `json:"raised"`
}

type CommandEvent struct {
	RequestID string    `json:"requestId"`
	DeviceID  string    `json:"deviceId"`
	Action    string    `json:"action"`
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Issued    time.Time `json:"issued"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *sql.DB { return r.db }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repository) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Repository) Set(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value,updated_at=excluded.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// SetMany writes all pairs in one transaction.
func (r *Repository) SetMany(ctx context.Context, pairs []kv.Pair) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv(key,value,updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value,updated_at=excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for _, p := range pairs {
		if _, err := stmt.ExecContext(ctx, p.Key, p.Value, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) InsertAlertEvent(ctx context.Context, a models.Alert) (int64, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO alert_events (alert_key,device_id,metric,value,severity,message,raised_ts) VALUES (?,?,?,?,?,?,?)`,
		a.Key.String(), a.DeviceID, string(a.Metric), a.Value, a.Severity.String(), a.Message, a.Time.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r *Repository) RecentAlertEvents(ctx context.Context, deviceID string, limit int) ([]AlertEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT id,alert_key,device_id,metric,value,severity,message,raised_ts
		FROM alert_events WHERE device_id = ? ORDER BY raised_ts DESC, id DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AlertEvent, 0, limit)
	for rows.Next() {
		var e AlertEvent
		var metric, severity string
		if err := rows.Scan(&e.ID, &e.Key, &e.DeviceID, &metric, &e.Value, &severity, &e.Message, &e.Raised); err != nil {
			return nil, err
		}
		e.Metric = models.Metric(metric)
		_ = e.Severity.UnmarshalText([]byte(severity))
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) InsertNotificationEvent(ctx context.Context, alertID int64, channel, status string, attempts int, lastErr string, sent *time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO notification_events (alert_id,channel,status,attempts,last_error,sent_ts_nullable) VALUES (?,?,?,?,?,?)`, alertID, channel, status, attempts, lastErr, sent)
	return err
}

func (r *Repository) InsertCommandEvent(ctx context.Context, e CommandEvent) error {
	success := 0
	if e.Success {
		success = 1
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO command_events (request_id,device_id,action,channel,success,error,issued_ts) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(request_id) DO UPDATE SET channel=excluded.channel,success=excluded.success,error=excluded.error`,
		e.RequestID, e.DeviceID, e.Action, e.Channel, success, e.Error, e.Issued.UTC())
	return err
}

func (r *Repository) RecentCommandEvents(ctx context.Context, deviceID string, limit int) ([]CommandEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `SELECT request_id,device_id,action,channel,success,COALESCE(error,''),issued_ts
		FROM command_events WHERE device_id = ? ORDER BY issued_ts DESC LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]CommandEvent, 0, limit)
	for rows.Next() {
		var e CommandEvent
		var success int
		if err := rows.Scan(&e.RequestID, &e.DeviceID, &e.Action, &e.Channel, &success, &e.Error, &e.Issued); err != nil {
			return nil, err
		}
		e.Success = success == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteOlderThan prunes alert and command history raised before cutoff.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	queries := []string{
		`DELETE FROM alert_events WHERE raised_ts < ?`,
		`DELETE FROM command_events WHERE issued_ts < ?`,
	}
	var total int64
	for _, q := range queries {
		res, err := r.db.ExecContext(ctx, q, cutoff.UTC())
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	_, _ = r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	_, _ = r.db.ExecContext(ctx, `PRAGMA optimize`)
	return total, nil
}

// DeleteDaySnapshotsBefore removes archived production days older than
// cutoffDate (YYYY-MM-DD). Day keys end with their date.
func (r *Repository) DeleteDaySnapshotsBefore(ctx context.Context, cutoffDate string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE '%:production:day:%' AND substr(key, -10) < ?`, cutoffDate)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repository) SaveTelegramSettings(ctx context.Context, token, chatID string) error {
	for k, v := range map[string]string{"telegram_token": token, "telegram_chat_id": chatID} {
		if _, err := r.db.ExecContext(ctx, `INSERT INTO settings(key,value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) LoadTelegramSettings(ctx context.Context) (token, chatID string, err error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key,value FROM settings WHERE key IN ('telegram_token','telegram_chat_id')`)
	if err != nil {
		return "", "", err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return "", "", err
		}
		if k == "telegram_token" {
			token = v
		}
		if k == "telegram_chat_id" {
			chatID = v
		}
	}
	return token, chatID, rows.Err()
}
