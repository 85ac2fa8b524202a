package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ordersentry/internal/db/conf"
	"ordersentry/internal/journal"
	"ordersentry/internal/ledger"

	_ "github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

const orderColumns = `order_id, symbol, side, requested_qty, target_price, status, origin,
	execution_capital, ambiguous, superseded_by, retry_count, created_at, last_seen_at`

func scanOrder(scan func(dest ...any) error) (ledger.OrderRecord, error) {
	var rec ledger.OrderRecord
	var capital sql.NullFloat64
	err := scan(&rec.OrderID, &rec.Symbol, &rec.Side, &rec.RequestedQty, &rec.TargetPrice,
		&rec.Status, &rec.Origin, &capital, &rec.Ambiguous, &rec.SupersededBy,
		&rec.RetryCount, &rec.CreatedAt, &rec.LastSeenAt)
	if err != nil {
		return rec, err
	}
	if capital.Valid {
		v := capital.Float64
		rec.ExecutionCapital = &v
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastSeenAt = rec.LastSeenAt.UTC()
	return rec, nil
}

// RegisterOrder is the single duplicate-prevention gate: an existing
// order_id only gets its last_seen_at bumped.
func (p *Default) RegisterOrder(ctx context.Context, rec ledger.OrderRecord) (ledger.RegisterResult, error) {
	result := ledger.Inserted
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.LastSeenAt.IsZero() {
			rec.LastSeenAt = now
		}

		var capital sql.NullFloat64
		if rec.ExecutionCapital != nil {
			capital = sql.NullFloat64{Float64: *rec.ExecutionCapital, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, symbol, side, requested_qty, target_price, status, origin,
				execution_capital, ambiguous, superseded_by, retry_count, created_at, last_seen_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (order_id) DO NOTHING`,
			rec.OrderID, rec.Symbol, rec.Side, rec.RequestedQty, rec.TargetPrice, rec.Status, rec.Origin,
			capital, rec.Ambiguous, rec.SupersededBy, rec.RetryCount, rec.CreatedAt, rec.LastSeenAt)
		if err != nil {
			return fmt.Errorf("failed to register order %s: %w", rec.OrderID, err)
		}

		rowsAffected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected for order %s: %w", rec.OrderID, err)
		}
		if rowsAffected == 0 {
			result = ledger.SkippedDuplicate
			_, err = tx.ExecContext(ctx, `UPDATE orders SET last_seen_at=$1 WHERE order_id=$2`,
				time.Now().UTC(), rec.OrderID)
			if err != nil {
				return fmt.Errorf("failed to touch duplicate order %s: %w", rec.OrderID, err)
			}
		}
		return nil
	})
	return result, err
}

// UpdateStatus enforces the order state machine under a row lock.
func (p *Default) UpdateStatus(ctx context.Context, orderID string, newStatus ledger.Status) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var current ledger.Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id=$1 FOR UPDATE`, orderID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order %s: %w", orderID, err)
		}

		if current == newStatus {
			return nil
		}
		if !ledger.ValidTransition(current, newStatus) {
			return fmt.Errorf("order %s: %s -> %s: %w", orderID, current, newStatus, ledger.ErrInvalidTransition)
		}

		_, err = tx.ExecContext(ctx, `UPDATE orders SET status=$1, last_seen_at=$2 WHERE order_id=$3`,
			newStatus, time.Now().UTC(), orderID)
		if err != nil {
			return fmt.Errorf("failed to update order %s status: %w", orderID, err)
		}
		return nil
	})
}

func (p *Default) SetAmbiguous(ctx context.Context, orderID string, ambiguous bool) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET ambiguous=$1 WHERE order_id=$2`, ambiguous, orderID)
		if err != nil {
			return fmt.Errorf("failed to flag order %s: %w", orderID, err)
		}
		rowsAffected, _ := res.RowsAffected()
		if rowsAffected == 0 {
			return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
		}
		return nil
	})
}

func (p *Default) SetOrigin(ctx context.Context, orderID string, origin ledger.Origin) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var current ledger.Origin
		err := tx.QueryRowContext(ctx, `SELECT origin FROM orders WHERE order_id=$1 FOR UPDATE`, orderID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order %s: %w", orderID, err)
		}

		if current == origin {
			return nil
		}
		if current != ledger.OriginUnknown {
			return fmt.Errorf("order %s: %s -> %s: %w", orderID, current, origin, ledger.ErrOriginFlip)
		}

		_, err = tx.ExecContext(ctx, `UPDATE orders SET origin=$1 WHERE order_id=$2`, origin, orderID)
		if err != nil {
			return fmt.Errorf("failed to set origin for order %s: %w", orderID, err)
		}
		return nil
	})
}

// Supersede cancels the prior record and links it to its replacement.
func (p *Default) Supersede(ctx context.Context, orderID, newOrderID string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var current ledger.Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE order_id=$1 FOR UPDATE`, orderID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock order %s: %w", orderID, err)
		}

		if !current.Terminal() && !ledger.ValidTransition(current, ledger.StatusCancelled) {
			return fmt.Errorf("order %s: %s -> %s: %w", orderID, current, ledger.StatusCancelled, ledger.ErrInvalidTransition)
		}

		status := current
		if !current.Terminal() {
			status = ledger.StatusCancelled
		}

		_, err = tx.ExecContext(ctx, `UPDATE orders SET status=$1, superseded_by=$2, last_seen_at=$3 WHERE order_id=$4`,
			status, newOrderID, time.Now().UTC(), orderID)
		if err != nil {
			return fmt.Errorf("failed to supersede order %s: %w", orderID, err)
		}
		return nil
	})
}

func (p *Default) IncrementRetry(ctx context.Context, orderID string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET retry_count = retry_count + 1 WHERE order_id=$1`, orderID)
		if err != nil {
			return fmt.Errorf("failed to increment retry count for order %s: %w", orderID, err)
		}
		rowsAffected, _ := res.RowsAffected()
		if rowsAffected == 0 {
			return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
		}
		return nil
	})
}

func (p *Default) TouchSeen(ctx context.Context, orderID string, seenAt time.Time) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE orders SET last_seen_at=$1 WHERE order_id=$2`, seenAt.UTC(), orderID)
		if err != nil {
			return fmt.Errorf("failed to touch order %s: %w", orderID, err)
		}
		rowsAffected, _ := res.RowsAffected()
		if rowsAffected == 0 {
			return fmt.Errorf("order %s: %w", orderID, ledger.ErrNotFound)
		}
		return nil
	})
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (*ledger.OrderRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	if rows.Next() {
		rec, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		return &rec, nil
	}
	return nil, nil
}

// FindActive returns the current live intent for (symbol, side): the
// newest non-terminal system-placed order, or nil.
func (p *Default) FindActive(ctx context.Context, symbol, side string) (*ledger.OrderRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE symbol=$1 AND side=$2 AND origin=$3
			AND status NOT IN ('FILLED', 'CANCELLED', 'FAILED_PERMANENT')
		ORDER BY created_at DESC LIMIT 1`,
		symbol, side, ledger.OriginSystem)
	if err != nil {
		return nil, fmt.Errorf("failed to query active order: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	if rows.Next() {
		rec, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan active order: %w", err)
		}
		return &rec, nil
	}
	return nil, nil
}

func (p *Default) ListByStatus(ctx context.Context, status ledger.Status) ([]ledger.OrderRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE status=$1 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders by status: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var out []ledger.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return out, nil
}

// ListOpen returns the records reconciliation compares against the
// broker's live view.
func (p *Default) ListOpen(ctx context.Context) ([]ledger.OrderRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status IN ('PENDING', 'ACTIVE') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()

	var out []ledger.OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}
	return out, nil
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, _ := json.Marshal(event.Data)
		_, err := tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT time, type, description, data FROM events WHERE type=$1 AND time >= $2 AND time <= $3 ORDER BY time ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	defer rows.Close()
	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		json.Unmarshal(data, &e.Data)
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, nil
}
