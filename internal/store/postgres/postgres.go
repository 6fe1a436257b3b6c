package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirkantin/backend/internal/domain"
	"kasirkantin/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// InTx runs fn inside a READ COMMITTED transaction. Rows touched through
// Lock* are held with SELECT ... FOR UPDATE, so a waiter re-reads the
// committed row once the holder finishes.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func (s *Store) GetItemsByIDs(ctx context.Context, ids []int64) (map[int64]domain.Item, error) {
	result := make(map[int64]domain.Item, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, mitra_id, name, price, stock, active
		FROM items
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.Item
		if err := rows.Scan(&item.ID, &item.MitraID, &item.Name, &item.Price, &item.Stock, &item.Active); err != nil {
			return nil, err
		}
		result[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindOrderByID(ctx context.Context, id int64) (*domain.Order, error) {
	return loadOrder(ctx, s.db, "id", id, false)
}

func (s *Store) FindOrderByExternalID(ctx context.Context, externalOrderID string) (*domain.Order, error) {
	return loadOrder(ctx, s.db, "external_order_id", externalOrderID, false)
}

func (s *Store) ListOrdersNeedingReconciliation(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM transactions
		WHERE needs_reconciliation = true
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range orders {
		lines, err := loadLines(ctx, s.db, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Lines = lines
	}
	return orders, nil
}

func (s *Store) GetFeeConfig(ctx context.Context) (domain.FeeConfig, error) {
	var cfg domain.FeeConfig
	err := s.db.QueryRowContext(ctx, `
		SELECT gateway_fee_percent, platform_commission_percent, updated_at
		FROM fee_settings
		WHERE id = 1
	`).Scan(&cfg.GatewayFeePercent, &cfg.PlatformCommissionPercent, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FeeConfig{}, store.ErrNotFound
		}
		return domain.FeeConfig{}, err
	}
	cfg.UpdatedAt = cfg.UpdatedAt.UTC()
	return cfg, nil
}

func (s *Store) UpdateFeeConfig(ctx context.Context, cfg domain.FeeConfig) (domain.FeeConfig, error) {
	var saved domain.FeeConfig
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO fee_settings (id, gateway_fee_percent, platform_commission_percent, updated_at)
		VALUES (1, $1, $2, now())
		ON CONFLICT (id)
		DO UPDATE SET
			gateway_fee_percent = EXCLUDED.gateway_fee_percent,
			platform_commission_percent = EXCLUDED.platform_commission_percent,
			updated_at = now()
		RETURNING gateway_fee_percent, platform_commission_percent, updated_at
	`, cfg.GatewayFeePercent, cfg.PlatformCommissionPercent).Scan(&saved.GatewayFeePercent, &saved.PlatformCommissionPercent, &saved.UpdatedAt)
	if err != nil {
		return domain.FeeConfig{}, err
	}
	saved.UpdatedAt = saved.UpdatedAt.UTC()
	return saved, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidTransaction
	}
	if user.Role == "" {
		user.Role = domain.RoleKasir
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidTransaction
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidTransaction
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockStock(ctx context.Context, itemID int64) (int, error) {
	var stock int
	err := t.tx.QueryRowContext(ctx, `
		SELECT stock
		FROM items
		WHERE id = $1
		FOR UPDATE
	`, itemID).Scan(&stock)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return stock, nil
}

func (t *pgTx) WriteStock(ctx context.Context, itemID int64, qty int) error {
	if qty < 0 {
		return store.ErrInsufficientStock
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET stock = $2, updated_at = now()
		WHERE id = $1
	`, itemID, qty)
	if err != nil {
		if isCheckViolation(err) {
			return store.ErrInsufficientStock
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO transactions (
			external_order_id, source, cashier_username, customer_name, table_number, note, session_id,
			payment_method, status,
			gross_amount, gateway_fee, net_amount, platform_fee, partner_revenue,
			charge_url, charge_expires_at, settled_at, stock_deducted,
			created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$19)
		RETURNING id
	`,
		nullIfEmpty(order.ExternalOrderID), order.Source, nullIfEmpty(order.CashierUsername), nullIfEmpty(order.CustomerName),
		nullIfEmpty(order.TableNumber), nullIfEmpty(order.Note), nullIfEmpty(order.SessionID),
		order.PaymentMethod, order.Status,
		order.GrossAmount, order.GatewayFee, order.NetAmount, order.PlatformFee, order.PartnerRevenue,
		nullIfEmpty(order.ChargeURL), nullTime(order.ChargeExpiresAt), nullTime(order.SettledAt), order.StockDeducted,
		order.CreatedAt,
	).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	order.UpdatedAt = order.CreatedAt

	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		err := t.tx.QueryRowContext(ctx, `
			INSERT INTO transaction_details (
				transaction_id, item_id, item_name, mitra_id, quantity, unit_price, subtotal, stock_before, stock_after
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			RETURNING id
		`, order.ID, line.ItemID, line.ItemName, line.MitraID, line.Quantity, line.UnitPrice, line.Subtotal,
			nullInt(line.StockBefore), nullInt(line.StockAfter)).Scan(&line.ID)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, store.ErrInvalidTransaction
			}
			return nil, err
		}
	}
	return &order, nil
}

func (t *pgTx) LockOrderByID(ctx context.Context, id int64) (*domain.Order, error) {
	return loadOrder(ctx, t.tx, "id", id, true)
}

func (t *pgTx) LockOrderByExternalID(ctx context.Context, externalOrderID string) (*domain.Order, error) {
	return loadOrder(ctx, t.tx, "external_order_id", externalOrderID, true)
}

func (t *pgTx) ApplyTransition(ctx context.Context, orderID int64, transition domain.OrderTransition) (*domain.Order, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2,
			settled_at = COALESCE($3, settled_at),
			stock_deducted = $4,
			needs_reconciliation = needs_reconciliation OR $5,
			reconciliation_note = CASE WHEN $5 THEN $6 ELSE reconciliation_note END,
			updated_at = now()
		WHERE id = $1
	`, orderID, transition.Status, nullTime(transition.SettledAt), transition.StockDeducted,
		transition.NeedsReconcile, nullIfEmpty(transition.ReconciliationNote))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	for _, snap := range transition.Snapshots {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE transaction_details
			SET stock_before = $3, stock_after = $4
			WHERE transaction_id = $1 AND item_id = $2
		`, orderID, snap.ItemID, snap.Before, snap.After); err != nil {
			return nil, err
		}
	}

	return loadOrder(ctx, t.tx, "id", orderID, false)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const orderColumns = `id, COALESCE(external_order_id, ''), source, COALESCE(cashier_username, ''),
	COALESCE(customer_name, ''), COALESCE(table_number, ''), COALESCE(note, ''), COALESCE(session_id, ''),
	payment_method, status,
	gross_amount, gateway_fee, net_amount, platform_fee, partner_revenue,
	COALESCE(charge_url, ''), charge_expires_at, settled_at,
	stock_deducted, needs_reconciliation, COALESCE(reconciliation_note, ''),
	created_at, updated_at`

// loadOrder reads one order with its lines. column is a fixed identifier
// chosen by the caller, never user input.
func loadOrder(ctx context.Context, q queryer, column string, value any, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM transactions WHERE ` + column + ` = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	order, err := scanOrder(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	lines, err := loadLines(ctx, q, order.ID)
	if err != nil {
		return nil, err
	}
	order.Lines = lines
	return order, nil
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order     domain.Order
		chargeExp sql.NullTime
		settledAt sql.NullTime
	)
	err := row.Scan(
		&order.ID, &order.ExternalOrderID, &order.Source, &order.CashierUsername,
		&order.CustomerName, &order.TableNumber, &order.Note, &order.SessionID,
		&order.PaymentMethod, &order.Status,
		&order.GrossAmount, &order.GatewayFee, &order.NetAmount, &order.PlatformFee, &order.PartnerRevenue,
		&order.ChargeURL, &chargeExp, &settledAt,
		&order.StockDeducted, &order.NeedsReconciliation, &order.ReconciliationNote,
		&order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if chargeExp.Valid {
		at := chargeExp.Time.UTC()
		order.ChargeExpiresAt = &at
	}
	if settledAt.Valid {
		at := settledAt.Time.UTC()
		order.SettledAt = &at
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return &order, nil
}

func loadLines(ctx context.Context, q queryer, orderID int64) ([]domain.OrderLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, item_id, item_name, mitra_id, quantity, unit_price, subtotal, stock_before, stock_after
		FROM transaction_details
		WHERE transaction_id = $1
		ORDER BY id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0, 4)
	for rows.Next() {
		var (
			line   domain.OrderLine
			before sql.NullInt64
			after  sql.NullInt64
		)
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ItemID, &line.ItemName, &line.MitraID,
			&line.Quantity, &line.UnitPrice, &line.Subtotal, &before, &after); err != nil {
			return nil, err
		}
		if before.Valid {
			v := int(before.Int64)
			line.StockBefore = &v
		}
		if after.Valid {
			v := int(after.Int64)
			line.StockAfter = &v
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullInt(val *int) any {
	if val == nil {
		return nil
	}
	return *val
}
