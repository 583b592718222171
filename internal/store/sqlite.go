package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

// SQLiteStore implements Store on a single SQLite database file. The store
// is single-writer by construction (MaxOpenConns is 1), which is exactly why
// the Reconciler batches many logical updates into one periodic transaction
// instead of writing per event.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens the database file and tunes the connection for the
// single-writer workload: WAL journaling and a busy timeout so concurrent
// readers do not fail immediately during a reconciliation transaction.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}

	logger.Info("SQLite store opened", zap.String("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Initialize creates the schema if it does not already exist.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		pool_id TEXT NOT NULL,
		planned_quantity INTEGER NOT NULL DEFAULT -1,
		received_quantity INTEGER NOT NULL DEFAULT 0,
		completed_quantity INTEGER NOT NULL DEFAULT 0,
		preload_count INTEGER NOT NULL DEFAULT 20,
		quality_check INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_device_links (
		task_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		assigned_quantity INTEGER NOT NULL DEFAULT 0,
		completed_quantity INTEGER NOT NULL DEFAULT 0,
		received_quantity INTEGER NOT NULL DEFAULT 0,
		cache_pool_size INTEGER NOT NULL DEFAULT 0,
		throughput REAL NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP,
		PRIMARY KEY (task_id, device_id)
	);

	CREATE TABLE IF NOT EXISTS data_items (
		id TEXT PRIMARY KEY,
		pool_id TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		print_count INTEGER NOT NULL DEFAULT 0,
		device_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_data_items_pool_status ON data_items (pool_id, status);

	CREATE TABLE IF NOT EXISTS inspections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		item_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		pool_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inspections_task ON inspections (task_id);

	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		s.logger.Error("Failed to create schema", zap.Error(err))
		return fmt.Errorf("initializing schema: %w", err)
	}
	s.logger.Info("Schema checked/created successfully")
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	s.logger.Info("Closing SQLite store")
	return s.db.Close()
}

// --- TaskStore ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, status, pool_id, planned_quantity, received_quantity,
			completed_quantity, preload_count, quality_check, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Name, task.Status, task.PoolID, task.PlannedQuantity,
		task.ReceivedQuantity, task.CompletedQuantity, task.PreloadCount,
		boolToInt(task.QualityCheck), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, pool_id, planned_quantity, received_quantity,
			completed_quantity, preload_count, quality_check, created_at, updated_at
		FROM tasks WHERE id = ? AND deleted_at IS NULL`, taskID)

	task := &models.Task{}
	var quality int
	err := row.Scan(&task.ID, &task.Name, &task.Status, &task.PoolID,
		&task.PlannedQuantity, &task.ReceivedQuantity, &task.CompletedQuantity,
		&task.PreloadCount, &quality, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrTaskNotFound
		}
		return nil, fmt.Errorf("getting task %s: %w", taskID, err)
	}
	task.QualityCheck = quality != 0
	return task, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, pool_id, planned_quantity, received_quantity,
			completed_quantity, preload_count, quality_check, created_at, updated_at
		FROM tasks WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task := &models.Task{}
		var quality int
		if err := rows.Scan(&task.ID, &task.Name, &task.Status, &task.PoolID,
			&task.PlannedQuantity, &task.ReceivedQuantity, &task.CompletedQuantity,
			&task.PreloadCount, &quality, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		task.QualityCheck = quality != 0
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		status, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("updating task %s status: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStore) SoftDeleteTask(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, taskID)
	if err != nil {
		return fmt.Errorf("soft-deleting task %s: %w", taskID, err)
	}
	return nil
}

// --- LinkStore ---

func (s *SQLiteStore) CreateLinks(ctx context.Context, links []*models.TaskDeviceLink) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning link insert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_device_links (task_id, device_id, assigned_quantity,
			completed_quantity, received_quantity, cache_pool_size, throughput,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing link insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range links {
		if _, err := stmt.ExecContext(ctx, l.TaskID, l.DeviceID, l.AssignedQuantity,
			l.CompletedQuantity, l.ReceivedQuantity, l.CachePoolSize, l.Throughput,
			l.CreatedAt, l.UpdatedAt); err != nil {
			return fmt.Errorf("inserting link (%s, %s): %w", l.TaskID, l.DeviceID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetLinks(ctx context.Context, taskID string) ([]*models.TaskDeviceLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, device_id, assigned_quantity, completed_quantity,
			received_quantity, cache_pool_size, throughput, created_at, updated_at
		FROM task_device_links WHERE task_id = ? AND deleted_at IS NULL`, taskID)
	if err != nil {
		return nil, fmt.Errorf("getting links for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var links []*models.TaskDeviceLink
	for rows.Next() {
		l := &models.TaskDeviceLink{}
		if err := rows.Scan(&l.TaskID, &l.DeviceID, &l.AssignedQuantity,
			&l.CompletedQuantity, &l.ReceivedQuantity, &l.CachePoolSize,
			&l.Throughput, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning link row: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (s *SQLiteStore) SoftDeleteLinks(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_device_links SET deleted_at = ?, updated_at = ? WHERE task_id = ? AND deleted_at IS NULL`,
		now, now, taskID)
	if err != nil {
		return fmt.Errorf("soft-deleting links for task %s: %w", taskID, err)
	}
	return nil
}

// --- ItemStore ---

func (s *SQLiteStore) InsertItems(ctx context.Context, items []*models.DataItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning item insert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO data_items (id, pool_id, content, status, print_count, device_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing item insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, it.ID, it.PoolID, it.Content, it.Status,
			it.PrintCount, nullString(it.DeviceID), it.CreatedAt, it.UpdatedAt); err != nil {
			return fmt.Errorf("inserting item %s: %w", it.ID, err)
		}
	}
	return tx.Commit()
}

// SelectAndClaimPending selects up to limit PENDING items in pool order and
// marks them PRINTING in the same transaction so no other worker can claim
// them again.
func (s *SQLiteStore) SelectAndClaimPending(ctx context.Context, poolID string, limit int) ([]*models.DataItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, pool_id, content, status, print_count, COALESCE(device_id, ''), created_at, updated_at
		FROM data_items
		WHERE pool_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, poolID, models.DataItemPending, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting pending items for pool %s: %w", poolID, err)
	}

	var items []*models.DataItem
	for rows.Next() {
		it := &models.DataItem{}
		if err := rows.Scan(&it.ID, &it.PoolID, &it.Content, &it.Status,
			&it.PrintCount, &it.DeviceID, &it.CreatedAt, &it.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating item rows: %w", err)
	}
	rows.Close()

	if len(items) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
		it.Status = models.DataItemPrinting
	}
	query := fmt.Sprintf(
		`UPDATE data_items SET status = ?, updated_at = ? WHERE id IN (%s)`,
		placeholders(len(ids)))
	args := make([]interface{}, 0, len(ids)+2)
	args = append(args, models.DataItemPrinting, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("claiming %d items: %w", len(ids), err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim tx: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) MarkItemsStatus(ctx context.Context, itemIDs []string, status models.DataItemStatus) error {
	if len(itemIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(
		`UPDATE data_items SET status = ?, updated_at = ? WHERE id IN (%s)`,
		placeholders(len(itemIDs)))
	args := make([]interface{}, 0, len(itemIDs)+2)
	args = append(args, status, time.Now().UTC())
	for _, id := range itemIDs {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking %d items %s: %w", len(itemIDs), status, err)
	}
	return nil
}

// RequeueOrFail puts a retry-exhausted item back in the backlog while its
// print_count is below the cap, otherwise leaves it FAILED.
func (s *SQLiteStore) RequeueOrFail(ctx context.Context, itemID string, maxPrints int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE data_items SET status = ?, updated_at = ?
		WHERE id = ? AND print_count < ?`,
		models.DataItemPending, now, itemID, maxPrints)
	if err != nil {
		return fmt.Errorf("requeueing item %s: %w", itemID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE data_items SET status = ?, updated_at = ? WHERE id = ?`,
		models.DataItemFailed, now, itemID); err != nil {
		return fmt.Errorf("failing item %s: %w", itemID, err)
	}
	return nil
}

func (s *SQLiteStore) PoolExists(ctx context.Context, poolID string) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM data_items WHERE pool_id = ?`, poolID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking pool %s: %w", poolID, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) PoolStatistics(ctx context.Context, poolID string) (*PoolStatistics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM data_items WHERE pool_id = ? GROUP BY status`, poolID)
	if err != nil {
		return nil, fmt.Errorf("pool statistics for %s: %w", poolID, err)
	}
	defer rows.Close()

	stats := &PoolStatistics{PoolID: poolID}
	for rows.Next() {
		var status models.DataItemStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning pool statistics: %w", err)
		}
		stats.Total += count
		switch status {
		case models.DataItemPending:
			stats.Pending = count
		case models.DataItemPrinting:
			stats.Printing = count
		case models.DataItemPrinted:
			stats.Printed = count
		case models.DataItemFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// --- ReconcileStore ---

// ApplySentBatch runs the sent-record half of a reconciliation tick in one
// transaction: pin each item to its device, bump its print count, and seed
// one inspection row per sent item.
func (s *SQLiteStore) ApplySentBatch(ctx context.Context, assignments []ItemAssignment, inspections []models.InspectionRecord) error {
	if len(assignments) == 0 && len(inspections) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning sent batch tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if len(assignments) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE data_items SET device_id = ?, print_count = print_count + 1, updated_at = ?
			WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("preparing item assignment update: %w", err)
		}
		for _, a := range assignments {
			if _, err := stmt.ExecContext(ctx, a.DeviceID, now, a.ItemID); err != nil {
				stmt.Close()
				return fmt.Errorf("assigning item %s to device %s: %w", a.ItemID, a.DeviceID, err)
			}
		}
		stmt.Close()
	}

	if len(inspections) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO inspections (task_id, item_id, device_id, pool_id, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing inspection insert: %w", err)
		}
		for _, ins := range inspections {
			createdAt := ins.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			if _, err := stmt.ExecContext(ctx, ins.TaskID, ins.ItemID, ins.DeviceID,
				ins.PoolID, ins.Content, createdAt); err != nil {
				stmt.Close()
				return fmt.Errorf("inserting inspection for item %s: %w", ins.ItemID, err)
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// ApplyProgress applies link deltas then the aggregated task deltas in one
// transaction, so a tick's counters land atomically.
func (s *SQLiteStore) ApplyProgress(ctx context.Context, links []LinkDelta, tasks []TaskDelta) error {
	if len(links) == 0 && len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning progress tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if len(links) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE task_device_links SET
				completed_quantity = completed_quantity + ?,
				received_quantity = received_quantity + ?,
				assigned_quantity = assigned_quantity + ?,
				cache_pool_size = ?,
				throughput = ?,
				updated_at = ?
			WHERE task_id = ? AND device_id = ? AND deleted_at IS NULL`)
		if err != nil {
			return fmt.Errorf("preparing link delta update: %w", err)
		}
		for _, d := range links {
			if _, err := stmt.ExecContext(ctx, d.CompletedDelta, d.ReceivedDelta,
				d.ReceivedDelta, d.InFlight, d.Throughput, now, d.TaskID, d.DeviceID); err != nil {
				stmt.Close()
				return fmt.Errorf("applying link delta (%s, %s): %w", d.TaskID, d.DeviceID, err)
			}
		}
		stmt.Close()
	}

	if len(tasks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE tasks SET
				received_quantity = received_quantity + ?,
				completed_quantity = completed_quantity + ?,
				updated_at = ?
			WHERE id = ? AND deleted_at IS NULL`)
		if err != nil {
			return fmt.Errorf("preparing task delta update: %w", err)
		}
		for _, d := range tasks {
			if _, err := stmt.ExecContext(ctx, d.ReceivedDelta, d.CompletedDelta, now, d.TaskID); err != nil {
				stmt.Close()
				return fmt.Errorf("applying task delta %s: %w", d.TaskID, err)
			}
		}
		stmt.Close()
	}

	return tx.Commit()
}

// --- DeviceStore ---

func (s *SQLiteStore) UpsertDevice(ctx context.Context, device *models.Device) error {
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, address, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			updated_at = excluded.updated_at,
			deleted_at = NULL`,
		device.ID, device.Name, device.Address, device.CreatedAt, device.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", device.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, created_at, updated_at
		FROM devices WHERE id = ? AND deleted_at IS NULL`, deviceID)
	d := &models.Device{}
	if err := row.Scan(&d.ID, &d.Name, &d.Address, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("getting device %s: %w", deviceID, err)
	}
	return d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, created_at, updated_at
		FROM devices WHERE deleted_at IS NULL ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d := &models.Device{}
		if err := rows.Scan(&d.ID, &d.Name, &d.Address, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning device row: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) SoftDeleteDevice(ctx context.Context, deviceID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		now, now, deviceID)
	if err != nil {
		return fmt.Errorf("soft-deleting device %s: %w", deviceID, err)
	}
	return nil
}

// --- helpers ---

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
