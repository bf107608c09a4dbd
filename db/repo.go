package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/configs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type KbqRepo struct {
	db         *sql.DB
	appConfigs *configs.AppConfigs
}

func NewSQLiteRepo(dbPath string, appConfigs *configs.AppConfigs) (*KbqRepo, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// claims are single UPDATE ... RETURNING statements, serializing writers keeps them free of SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &KbqRepo{
		db:         db,
		appConfigs: appConfigs,
	}, nil
}

// Migrate applies the embedded migrations. The migrate instance is not closed, as that would close the shared *sql.DB.
func (kr *KbqRepo) Migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(kr.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	err = m.Up()
	if err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("no migrations to run")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info().Msg("migrations applied successfully")
	return nil
}

func (kr *KbqRepo) InsertQueue(newQueue *NewQueue, ctx context.Context) error {
	tx, err := kr.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Str("queue_id", newQueue.Id).Msg("failed to begin transaction for new queue")
		return common.ErrInternal
	}
	defer tx.Rollback()

	queueQuery := `
		INSERT INTO queues (id, type, bot_id, source, status, total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);`

	_, err = tx.ExecContext(ctx, queueQuery,
		newQueue.Id,                  // id
		newQueue.Type,                // type
		newQueue.BotId,               // bot_id
		newQueue.Source,              // source
		common.ProcessingQueueStatus, // status
		len(newQueue.Items),          // total
		newQueue.CreatedAt,           // created_at
		newQueue.CreatedAt,           // updated_at
	)
	if err != nil {
		log.Error().Err(err).Str("queue_id", newQueue.Id).Msg("failed to insert new queue")
		return common.ErrInternal
	}

	itemQuery := `
		INSERT INTO queue_items (id, queue_id, type, data, content, bot_id, position, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

	stmt, err := tx.PrepareContext(ctx, itemQuery)
	if err != nil {
		log.Error().Err(err).Str("queue_id", newQueue.Id).Msg("failed to prepare queue item insert")
		return common.ErrInternal
	}
	defer stmt.Close()

	for i, item := range newQueue.Items {
		_, err = stmt.ExecContext(ctx,
			item.Id,                  // id
			newQueue.Id,              // queue_id
			newQueue.Type,            // type
			item.Data,                // data
			item.Content,             // content
			newQueue.BotId,           // bot_id
			i,                        // position
			common.PendingItemStatus, // status
			newQueue.CreatedAt,       // created_at
			newQueue.CreatedAt,       // updated_at
		)
		if err != nil {
			log.Error().Err(err).Str("queue_id", newQueue.Id).Int("position", i).Msg("failed to insert queue item")
			return common.ErrInternal
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Str("queue_id", newQueue.Id).Msg("failed to commit new queue")
		return common.ErrInternal
	}
	return nil
}

// ClaimNextItem atomically moves the oldest pending item of the queue to processing.
// Returns nil if the queue has no pending items left.
func (kr *KbqRepo) ClaimNextItem(queueId string, ctx context.Context) (*ClaimedItem, error) {
	nowMs := time.Now().UnixMilli()

	query := `
		UPDATE queue_items
        SET
            status = ?,
            attempts = attempts + 1,
            processing_started_at = ?,
            updated_at = ?
        WHERE id = (
            SELECT id
            FROM queue_items
            WHERE queue_id = ?
              AND status = ?
            ORDER BY position ASC
            LIMIT 1
        )
        RETURNING id, type, data, bot_id, attempts;`

	var item ClaimedItem
	err := kr.db.QueryRowContext(ctx, query,
		common.ProcessingItemStatus, // SET status = ?
		nowMs,                       // processing_started_at = ?
		nowMs,                       // updated_at = ?
		queueId,                     // WHERE queue_id = ?
		common.PendingItemStatus,    // AND status = ?
	).Scan(&item.Id, &item.Type, &item.Data, &item.BotId, &item.Attempts)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to claim next item")
		return nil, common.ErrInternal
	}
	return &item, nil
}

func (kr *KbqRepo) SelectItem(itemId string, ctx context.Context) (*ItemForProcessing, error) {
	query := `
		SELECT id, queue_id, type, data, content, bot_id, status, attempts, title
		FROM queue_items
		WHERE id = ?;`

	var item ItemForProcessing
	err := kr.db.QueryRowContext(ctx, query, itemId).Scan(
		&item.Id, &item.QueueId, &item.Type, &item.Data, &item.Content, &item.BotId, &item.Status, &item.Attempts, &item.Title,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("item_id", itemId).Msg("failed to select item")
		return nil, common.ErrInternal
	}
	return &item, nil
}

// CompleteItem stores the knowledge entry and marks the claimed item completed in one transaction.
func (kr *KbqRepo) CompleteItem(itemId string, entry *NewKnowledgeEntry, ctx context.Context) error {
	nowMs := time.Now().UnixMilli()

	tx, err := kr.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Str("item_id", itemId).Msg("failed to begin transaction for item completion")
		return common.ErrInternal
	}
	defer tx.Rollback()

	entryQuery := `
		INSERT INTO knowledge_entries (id, item_id, bot_id, source_type, source, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			updated_at = excluded.updated_at;`

	_, err = tx.ExecContext(ctx, entryQuery,
		entry.Id,         // id
		itemId,           // item_id
		entry.BotId,      // bot_id
		entry.SourceType, // source_type
		entry.Source,     // source
		entry.Title,      // title
		entry.Content,    // content
		nowMs,            // created_at
		nowMs,            // updated_at
	)
	if err != nil {
		log.Error().Err(err).Str("item_id", itemId).Msg("failed to upsert knowledge entry")
		return common.ErrInternal
	}

	itemQuery := `
		UPDATE queue_items
		SET
			status = ?,
			title = ?,
			error_message = NULL,
			processing_started_at = NULL,
			updated_at = ?
		WHERE id = ? AND status = ?;`

	result, err := tx.ExecContext(ctx, itemQuery,
		common.CompletedItemStatus,  // status = ?
		entry.Title,                 // title = ?
		nowMs,                       // updated_at = ?
		itemId,                      // WHERE id = ?
		common.ProcessingItemStatus, // AND status = ?
	)
	if err != nil {
		log.Error().Err(err).Str("item_id", itemId).Msg("failed to complete item")
		return common.ErrInternal
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return common.ErrInternal
	}
	if rowsAffected == 0 {
		return common.ErrBadRequestItemNotClaimed
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Str("item_id", itemId).Msg("failed to commit item completion")
		return common.ErrInternal
	}
	return nil
}

// FailItem releases a claimed item after a failed processing attempt: it goes back to pending while
// delivery attempts remain, otherwise it ends up failed with the error message kept for reporting.
// Returns the resulting status.
func (kr *KbqRepo) FailItem(itemId string, errorMessage string, ctx context.Context) (string, error) {
	nowMs := time.Now().UnixMilli()

	query := `
        UPDATE queue_items
        SET
            status = CASE
            	WHEN attempts >= ? THEN ?	-- failed if no more attempts left
            	ELSE ?						-- pending if there are attempts left
			END,
            error_message = ?,
            processing_started_at = NULL,
            updated_at = ?
        WHERE id = ? AND status = ?
        RETURNING status;`

	var status string
	err := kr.db.QueryRowContext(ctx, query,
		kr.appConfigs.MaxDeliveryAttempts, // WHEN attempts >= ?
		common.FailedItemStatus,           // THEN ?
		common.PendingItemStatus,          // ELSE ?
		errorMessage,                      // error_message = ?
		nowMs,                             // updated_at = ?
		itemId,                            // WHERE id = ?
		common.ProcessingItemStatus,       // AND status = ?
	).Scan(&status)

	if errors.Is(err, sql.ErrNoRows) {
		return "", common.ErrBadRequestItemNotClaimed
	}
	if err != nil {
		log.Error().Err(err).Str("item_id", itemId).Msg("failed to update item on processing failure")
		return "", common.ErrInternal
	}
	return status, nil
}

func (kr *KbqRepo) SelectQueue(queueId string, ctx context.Context) (*QueueMetadata, error) {
	query := `
		SELECT id, type, bot_id, source, status, total, created_at, completed_at
		FROM queues
		WHERE id = ?;`

	var q QueueMetadata
	err := kr.db.QueryRowContext(ctx, query, queueId).Scan(
		&q.Id, &q.Type, &q.BotId, &q.Source, &q.Status, &q.Total, &q.CreatedAt, &q.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to select queue")
		return nil, common.ErrInternal
	}
	return &q, nil
}

// SelectLatestQueue returns the most recent non-archived queue of the given type, or nil.
func (kr *KbqRepo) SelectLatestQueue(queueType string, ctx context.Context) (*QueueMetadata, error) {
	query := `
		SELECT id, type, bot_id, source, status, total, created_at, completed_at
		FROM queues
		WHERE type = ? AND status != ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;`

	var q QueueMetadata
	err := kr.db.QueryRowContext(ctx, query,
		queueType,                  // WHERE type = ?
		common.ArchivedQueueStatus, // AND status != ?
	).Scan(&q.Id, &q.Type, &q.BotId, &q.Source, &q.Status, &q.Total, &q.CreatedAt, &q.CompletedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Error().Err(err).Str("queue_type", queueType).Msg("failed to select latest queue")
		return nil, common.ErrInternal
	}
	return &q, nil
}

// SelectQueueCounts counts the items of the queue per status within a single statement, so the counters always add up.
func (kr *KbqRepo) SelectQueueCounts(queueId string, ctx context.Context) (*QueueCounts, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM queue_items
		WHERE queue_id = ?;`

	var c QueueCounts
	err := kr.db.QueryRowContext(ctx, query,
		common.PendingItemStatus,
		common.ProcessingItemStatus,
		common.CompletedItemStatus,
		common.FailedItemStatus,
		queueId,
	).Scan(&c.Total, &c.Pending, &c.Processing, &c.Completed, &c.Failed)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to count queue items")
		return nil, common.ErrInternal
	}
	return &c, nil
}

func (kr *KbqRepo) SelectFailedItems(queueId string, ctx context.Context) ([]FailedItem, error) {
	query := `
		SELECT data, COALESCE(error_message, ''), attempts
		FROM queue_items
		WHERE queue_id = ? AND status = ?
		ORDER BY position ASC;`

	rows, err := kr.db.QueryContext(ctx, query, queueId, common.FailedItemStatus)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to select failed items")
		return nil, common.ErrInternal
	}
	defer rows.Close()

	var failedItems []FailedItem
	for rows.Next() {
		var fi FailedItem
		if err := rows.Scan(&fi.Data, &fi.ErrorMessage, &fi.Attempts); err != nil {
			log.Error().Err(err).Str("queue_id", queueId).Msg("failed to scan failed item")
			return nil, common.ErrInternal
		}
		failedItems = append(failedItems, fi)
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to iterate over failed items")
		return nil, common.ErrInternal
	}
	return failedItems, nil
}

// MarkQueueComplete is idempotent: only the first call moves the queue to complete and stamps completed_at.
func (kr *KbqRepo) MarkQueueComplete(queueId string, ctx context.Context) error {
	nowMs := time.Now().UnixMilli()

	query := `
		UPDATE queues
		SET
			status = ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?;`

	result, err := kr.db.ExecContext(ctx, query,
		common.CompleteQueueStatus,   // status = ?
		nowMs,                        // completed_at = ?
		nowMs,                        // updated_at = ?
		queueId,                      // WHERE id = ?
		common.ProcessingQueueStatus, // AND status = ?
	)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to mark queue complete")
		return common.ErrInternal
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return common.ErrInternal
	}
	if rowsAffected == 0 {
		log.Debug().Str("queue_id", queueId).Msg("queue was either completed already or does not exist")
	}
	return nil
}

func (kr *KbqRepo) ArchiveQueue(queueId string, ctx context.Context) error {
	nowMs := time.Now().UnixMilli()

	query := `
		UPDATE queues
		SET
			status = ?,
			updated_at = ?
		WHERE id = ?;`

	result, err := kr.db.ExecContext(ctx, query,
		common.ArchivedQueueStatus, // status = ?
		nowMs,                      // updated_at = ?
		queueId,                    // WHERE id = ?
	)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to archive queue")
		return common.ErrInternal
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return common.ErrInternal
	}
	if rowsAffected == 0 {
		return common.ErrNotFoundQueue
	}
	return nil
}

// ResetFailedItems puts every failed item of the queue back to pending with a fresh attempts budget
// and reopens the queue if anything was reset. Returns the number of reset items.
func (kr *KbqRepo) ResetFailedItems(queueId string, ctx context.Context) (int64, error) {
	nowMs := time.Now().UnixMilli()

	tx, err := kr.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to begin transaction for failed items reset")
		return 0, common.ErrInternal
	}
	defer tx.Rollback()

	itemsQuery := `
		UPDATE queue_items
		SET
			status = ?,
			attempts = 0,
			error_message = NULL,
			updated_at = ?
		WHERE queue_id = ? AND status = ?;`

	result, err := tx.ExecContext(ctx, itemsQuery,
		common.PendingItemStatus, // status = ?
		nowMs,                    // updated_at = ?
		queueId,                  // WHERE queue_id = ?
		common.FailedItemStatus,  // AND status = ?
	)
	if err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to reset failed items")
		return 0, common.ErrInternal
	}

	resetCount, err := result.RowsAffected()
	if err != nil {
		return 0, common.ErrInternal
	}

	if resetCount > 0 {
		queueQuery := `
			UPDATE queues
			SET
				status = ?,
				completed_at = NULL,
				updated_at = ?
			WHERE id = ?;`

		_, err = tx.ExecContext(ctx, queueQuery,
			common.ProcessingQueueStatus, // status = ?
			nowMs,                        // updated_at = ?
			queueId,                      // WHERE id = ?
		)
		if err != nil {
			log.Error().Err(err).Str("queue_id", queueId).Msg("failed to reopen queue")
			return 0, common.ErrInternal
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Str("queue_id", queueId).Msg("failed to commit failed items reset")
		return 0, common.ErrInternal
	}
	return resetCount, nil
}

// RecoverStaleItems releases items claimed longer than the max processing time ago.
// An item that already used up its attempts ends up failed instead of pending.
func (kr *KbqRepo) RecoverStaleItems(ctx context.Context) (int64, error) {
	nowMs := time.Now().UnixMilli()
	claimedBefore := nowMs - kr.appConfigs.MaxProcessingTimeMs

	query := `
        UPDATE queue_items
        SET
            status = CASE
            	WHEN attempts >= ? THEN ?	-- failed if no more attempts left
            	ELSE ?						-- pending if there are attempts left
			END,
            error_message = CASE
            	WHEN attempts >= ? THEN ?
            	ELSE error_message
			END,
            processing_started_at = NULL,
            updated_at = ?
        WHERE status = ? AND processing_started_at < ?;`

	result, err := kr.db.ExecContext(ctx, query,
		kr.appConfigs.MaxDeliveryAttempts,   // WHEN attempts >= ? (status)
		common.FailedItemStatus,             // THEN ?
		common.PendingItemStatus,            // ELSE ?
		kr.appConfigs.MaxDeliveryAttempts,   // WHEN attempts >= ? (error_message)
		common.StaleProcessingFailureReason, // THEN ?
		nowMs,                               // updated_at = ?
		common.ProcessingItemStatus,         // WHERE status = ?
		claimedBefore,                       // AND processing_started_at < ?
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ArchiveExpiredQueues archives completed queues whose completion is older than the configured TTL.
func (kr *KbqRepo) ArchiveExpiredQueues(ctx context.Context) (int64, error) {
	nowMs := time.Now().UnixMilli()
	completedBefore := nowMs - kr.appConfigs.CompletedQueueTtlMs

	query := `
		UPDATE queues
		SET
			status = ?,
			updated_at = ?
		WHERE status = ? AND completed_at < ?;`

	result, err := kr.db.ExecContext(ctx, query,
		common.ArchivedQueueStatus, // status = ?
		nowMs,                      // updated_at = ?
		common.CompleteQueueStatus, // WHERE status = ?
		completedBefore,            // AND completed_at < ?
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (kr *KbqRepo) SelectQueuesDepth(ctx context.Context) ([]QueueDepth, error) {
	query := `
		SELECT
			q.type,
			COALESCE(SUM(CASE WHEN i.status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN i.status = ? THEN 1 ELSE 0 END), 0)
		FROM queues q
		JOIN queue_items i ON i.queue_id = q.id
		WHERE q.status != ?
		GROUP BY q.type;`

	rows, err := kr.db.QueryContext(ctx, query,
		common.PendingItemStatus,
		common.ProcessingItemStatus,
		common.ArchivedQueueStatus,
	)
	if err != nil {
		log.Error().Err(err).Msg("failed to select queues depth")
		return nil, common.ErrInternal
	}
	defer rows.Close()

	var depths []QueueDepth
	for rows.Next() {
		var d QueueDepth
		if err := rows.Scan(&d.QueueType, &d.Pending, &d.Processing); err != nil {
			log.Error().Err(err).Msg("failed to scan queue depth")
			return nil, common.ErrInternal
		}
		depths = append(depths, d)
	}
	if err := rows.Err(); err != nil {
		return nil, common.ErrInternal
	}
	return depths, nil
}

func (kr *KbqRepo) Ping(ctx context.Context) error {
	return kr.db.PingContext(ctx)
}

func (kr *KbqRepo) Optimize(ctx context.Context) {
	if _, err := kr.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		log.Error().Err(err).Msg("failed to optimize database")
	}
}

func (kr *KbqRepo) Close() error {
	return kr.db.Close()
}
