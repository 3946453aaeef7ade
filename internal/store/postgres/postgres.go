package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"tokokita/backend/internal/domain"
	"tokokita/backend/internal/store"
	"tokokita/backend/internal/xid"
)

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

func (s *Store) ListProducts(ctx context.Context, branchID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, name, unit, price_cents, cost_cents, stock::text, deleted, created_at
		FROM products
		WHERE branch_id = $1 AND deleted = false
		ORDER BY name
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.BranchID == "" || product.PriceCents < 1 {
		return nil, store.ErrValidation
	}
	if product.Unit != domain.UnitPiece && product.Unit != domain.UnitWeight {
		return nil, store.ErrValidation
	}
	if product.Stock.IsNegative() {
		return nil, store.ErrValidation
	}
	if product.Unit == domain.UnitPiece && !product.Stock.IsInteger() {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, branch_id, name, unit, price_cents, cost_cents, stock, deleted, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7::numeric,false,$8,now())
	`, product.ID, product.BranchID, product.Name, product.Unit, product.PriceCents, product.CostCents, product.Stock.String(), product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, productID string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, name, unit, price_cents, cost_cents, stock::text, deleted, created_at
		FROM products
		WHERE id = $1
	`, productID)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProductNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, name, unit, price_cents, cost_cents, stock::text, deleted, created_at
		FROM products
		WHERE id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) ListCustomers(ctx context.Context, branchID string) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, name, COALESCE(phone,''), walk_in, created_at
		FROM customers
		WHERE branch_id = $1
		ORDER BY name
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.BranchID, &c.Name, &c.Phone, &c.WalkIn, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.CreatedAt = c.CreatedAt.UTC()
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" || customer.BranchID == "" {
		return nil, store.ErrValidation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, branch_id, name, phone, walk_in, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, customer.ID, customer.BranchID, customer.Name, nullIfEmpty(customer.Phone), customer.WalkIn, customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, name, COALESCE(phone,''), walk_in, created_at
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&c.ID, &c.BranchID, &c.Name, &c.Phone, &c.WalkIn, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrCustomerNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return &c, nil
}

// ResolveWalkInCustomer finds or creates the branch default customer. The
// unique index on (branch_id, name) resolves the find-or-create race: a loser
// of the insert race re-reads the winner's row on the next attempt.
func (s *Store) ResolveWalkInCustomer(ctx context.Context, branchID string) (*domain.Customer, error) {
	if branchID == "" {
		return nil, store.ErrValidation
	}

	for attempt := 0; attempt < 3; attempt++ {
		var c domain.Customer
		err := s.db.QueryRowContext(ctx, `
			SELECT id, branch_id, name, COALESCE(phone,''), walk_in, created_at
			FROM customers
			WHERE branch_id = $1 AND name = $2
		`, branchID, domain.WalkInCustomerName).Scan(&c.ID, &c.BranchID, &c.Name, &c.Phone, &c.WalkIn, &c.CreatedAt)
		if err == nil {
			c.CreatedAt = c.CreatedAt.UTC()
			return &c, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		candidate := domain.Customer{
			ID:        xid.New("cust"),
			BranchID:  branchID,
			Name:      domain.WalkInCustomerName,
			WalkIn:    true,
			CreatedAt: time.Now().UTC(),
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO customers (id, branch_id, name, phone, walk_in, created_at)
			VALUES ($1,$2,$3,NULL,true,$4)
			ON CONFLICT (branch_id, name) DO NOTHING
		`, candidate.ID, candidate.BranchID, candidate.Name, candidate.CreatedAt)
		if err != nil {
			return nil, err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if inserted == 1 {
			return &candidate, nil
		}
		// Lost the race; loop re-reads the winner.
	}

	return nil, store.ErrTransactionFailure
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	requested := aggregateQuantities(sale.Items)
	locked, err := lockProducts(ctx, pgTx, productIDs(requested))
	if err != nil {
		return nil, err
	}

	for _, productID := range productIDs(requested) {
		qty := requested[productID]
		if err := checkReservable(locked, productID, qty); err != nil {
			return nil, err
		}
	}

	for _, productID := range productIDs(requested) {
		if err := reserveStock(ctx, pgTx, productID, requested[productID]); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO sales (id, branch_id, cashier_name, customer_id, payment_method, tax_cents, discount_cents, total_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sale.ID, sale.BranchID, sale.CashierName, sale.CustomerID, sale.PaymentMethod, sale.TaxCents, sale.DiscountCents, sale.TotalCents, sale.CreatedAt)
	if err != nil {
		return nil, translateTxError(err)
	}

	if err := insertSaleItems(ctx, pgTx, sale.ID, sale.Items); err != nil {
		return nil, translateTxError(err)
	}

	invoice := domain.Invoice{
		ID:        xid.New("inv"),
		SaleID:    sale.ID,
		Number:    fmt.Sprintf("INV-%s", sale.ID),
		CreatedAt: sale.CreatedAt,
	}
	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO invoices (id, sale_id, number, created_at)
		VALUES ($1,$2,$3,$4)
	`, invoice.ID, invoice.SaleID, invoice.Number, invoice.CreatedAt)
	if err != nil {
		return nil, translateTxError(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, translateTxError(err)
	}

	sale.Invoice = &invoice
	return &sale, nil
}

func (s *Store) GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, cashier_name, customer_id, payment_method, tax_cents, discount_cents, total_cents, created_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(
		&sale.ID,
		&sale.BranchID,
		&sale.CashierName,
		&sale.CustomerID,
		&sale.PaymentMethod,
		&sale.TaxCents,
		&sale.DiscountCents,
		&sale.TotalCents,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSaleNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	items, err := s.loadSaleItems(ctx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	var invoice domain.Invoice
	err = s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, number, created_at FROM invoices WHERE sale_id = $1
	`, sale.ID).Scan(&invoice.ID, &invoice.SaleID, &invoice.Number, &invoice.CreatedAt)
	if err == nil {
		invoice.CreatedAt = invoice.CreatedAt.UTC()
		sale.Invoice = &invoice
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var delivery domain.Delivery
	err = s.db.QueryRowContext(ctx, `
		SELECT id, sale_id, address, COALESCE(courier,''), deleted, created_at FROM deliveries WHERE sale_id = $1
	`, sale.ID).Scan(&delivery.ID, &delivery.SaleID, &delivery.Address, &delivery.Courier, &delivery.Deleted, &delivery.CreatedAt)
	if err == nil {
		delivery.CreatedAt = delivery.CreatedAt.UTC()
		sale.Delivery = &delivery
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, cashier_name, customer_id, payment_method, tax_cents, discount_cents, total_cents, created_at
		FROM sales
		WHERE branch_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(
			&sale.ID,
			&sale.BranchID,
			&sale.CashierName,
			&sale.CustomerID,
			&sale.PaymentMethod,
			&sale.TaxCents,
			&sale.DiscountCents,
			&sale.TotalCents,
			&sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sales {
		items, err := s.loadSaleItems(ctx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Items = items
	}

	return sales, nil
}

func (s *Store) UpdateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var existingID string
	err = pgTx.QueryRowContext(ctx, `
		SELECT id FROM sales WHERE id = $1 FOR UPDATE
	`, sale.ID).Scan(&existingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSaleNotFound
		}
		return nil, err
	}

	oldItems, err := loadSaleItemsTx(ctx, pgTx, sale.ID)
	if err != nil {
		return nil, err
	}

	released := aggregateQuantities(oldItems)
	requested := aggregateQuantities(sale.Items)

	union := productIDs(released)
	for _, id := range productIDs(requested) {
		if _, ok := released[id]; !ok {
			union = append(union, id)
		}
	}
	sort.Strings(union)

	locked, err := lockProducts(ctx, pgTx, union)
	if err != nil {
		return nil, err
	}

	// Release-before-validate: old quantities count as available again before
	// the new lines are checked, all under the same row locks.
	for productID, qty := range released {
		state, ok := locked[productID]
		if !ok {
			return nil, &store.IntegrityError{SaleID: sale.ID, ProductID: productID}
		}
		state.stock = state.stock.Add(qty)
		locked[productID] = state
	}

	for _, productID := range productIDs(requested) {
		if err := checkReservable(locked, productID, requested[productID]); err != nil {
			return nil, err
		}
	}

	for _, productID := range union {
		delta := released[productID].Sub(requested[productID])
		if delta.IsZero() {
			continue
		}
		_, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1::numeric, updated_at = now()
			WHERE id = $2
		`, delta.String(), productID)
		if err != nil {
			return nil, translateTxError(err)
		}
	}

	_, err = pgTx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, sale.ID)
	if err != nil {
		return nil, translateTxError(err)
	}

	_, err = pgTx.ExecContext(ctx, `
		UPDATE sales
		SET customer_id = $2, payment_method = $3, tax_cents = $4, discount_cents = $5, total_cents = $6
		WHERE id = $1
	`, sale.ID, sale.CustomerID, sale.PaymentMethod, sale.TaxCents, sale.DiscountCents, sale.TotalCents)
	if err != nil {
		return nil, translateTxError(err)
	}

	if err := insertSaleItems(ctx, pgTx, sale.ID, sale.Items); err != nil {
		return nil, translateTxError(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, translateTxError(err)
	}

	return s.GetSaleByID(ctx, sale.ID)
}

func (s *Store) RefundSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var sale domain.Sale
	err = pgTx.QueryRowContext(ctx, `
		SELECT id, branch_id, cashier_name, customer_id, payment_method, tax_cents, discount_cents, total_cents, created_at
		FROM sales
		WHERE id = $1
		FOR UPDATE
	`, saleID).Scan(
		&sale.ID,
		&sale.BranchID,
		&sale.CashierName,
		&sale.CustomerID,
		&sale.PaymentMethod,
		&sale.TaxCents,
		&sale.DiscountCents,
		&sale.TotalCents,
		&sale.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSaleNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()

	items, err := loadSaleItemsTx(ctx, pgTx, sale.ID)
	if err != nil {
		return nil, err
	}
	sale.Items = items

	// A missing product here is fatal: skipping it would lose stock forever.
	releases := aggregateQuantities(items)
	for _, productID := range productIDs(releases) {
		res, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1::numeric, updated_at = now()
			WHERE id = $2
		`, releases[productID].String(), productID)
		if err != nil {
			return nil, translateTxError(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, &store.IntegrityError{SaleID: sale.ID, ProductID: productID}
		}
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sale_items WHERE sale_id = $1`, sale.ID); err != nil {
		return nil, translateTxError(err)
	}
	if _, err := pgTx.ExecContext(ctx, `DELETE FROM invoices WHERE sale_id = $1`, sale.ID); err != nil {
		return nil, translateTxError(err)
	}

	var delivery domain.Delivery
	err = pgTx.QueryRowContext(ctx, `
		UPDATE deliveries
		SET deleted = true
		WHERE sale_id = $1
		RETURNING id, sale_id, address, COALESCE(courier,''), deleted, created_at
	`, sale.ID).Scan(&delivery.ID, &delivery.SaleID, &delivery.Address, &delivery.Courier, &delivery.Deleted, &delivery.CreatedAt)
	if err == nil {
		delivery.CreatedAt = delivery.CreatedAt.UTC()
		sale.Delivery = &delivery
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, translateTxError(err)
	}

	if _, err := pgTx.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, sale.ID); err != nil {
		return nil, translateTxError(err)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, translateTxError(err)
	}

	return &sale, nil
}

func (s *Store) CreateDelivery(ctx context.Context, delivery domain.Delivery) (*domain.Delivery, error) {
	if delivery.SaleID == "" || delivery.Address == "" {
		return nil, store.ErrValidation
	}
	if delivery.ID == "" {
		delivery.ID = xid.New("dlv")
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}

	var saleID string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sales WHERE id = $1`, delivery.SaleID).Scan(&saleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSaleNotFound
		}
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, sale_id, address, courier, deleted, created_at)
		VALUES ($1,$2,$3,$4,false,$5)
	`, delivery.ID, delivery.SaleID, delivery.Address, nullIfEmpty(delivery.Courier), delivery.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := delivery
	return &created, nil
}

func (s *Store) GetDailyReport(ctx context.Context, branchID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{BranchID: branchID}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*)::bigint,
			COALESCE(SUM(total_cents + discount_cents - tax_cents),0)::bigint,
			COALESCE(SUM(discount_cents),0)::bigint,
			COALESCE(SUM(tax_cents),0)::bigint,
			COALESCE(SUM(total_cents),0)::bigint
		FROM sales
		WHERE branch_id = $1
			AND created_at >= $2
			AND created_at < $3
	`, branchID, from, to).Scan(
		&report.Sales,
		&report.GrossCents,
		&report.DiscountCents,
		&report.TaxCents,
		&report.NetCents,
	)
	if err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.BranchID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, branch_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE branch_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, branchID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.BranchID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, branch_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.BranchID, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrValidation
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, branch_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.BranchID, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	return err
}

type lockedProduct struct {
	unit    string
	stock   decimal.Decimal
	deleted bool
}

// lockProducts takes FOR UPDATE row locks on every listed product, in id
// order, and returns the locked stock picture. Missing ids are simply absent
// from the result.
func lockProducts(ctx context.Context, tx *sql.Tx, ids []string) (map[string]lockedProduct, error) {
	locked := make(map[string]lockedProduct, len(ids))
	if len(ids) == 0 {
		return locked, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, unit, stock::text, deleted
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, translateTxError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, unit, stockStr string
		var deleted bool
		if err := rows.Scan(&id, &unit, &stockStr, &deleted); err != nil {
			return nil, err
		}
		stock, err := decimal.NewFromString(stockStr)
		if err != nil {
			return nil, err
		}
		locked[id] = lockedProduct{unit: unit, stock: stock, deleted: deleted}
	}
	if err := rows.Err(); err != nil {
		return nil, translateTxError(err)
	}

	return locked, nil
}

func checkReservable(locked map[string]lockedProduct, productID string, qty decimal.Decimal) error {
	state, ok := locked[productID]
	if !ok || state.deleted {
		return fmt.Errorf("%w: %s", store.ErrProductNotFound, productID)
	}
	if state.unit == domain.UnitPiece && !qty.IsInteger() {
		return &store.LineItemError{ProductID: productID, Reason: "piece quantity must be integral"}
	}
	if state.stock.LessThan(qty) {
		return &store.InsufficientStockError{
			ProductID: productID,
			Available: state.stock,
			Requested: qty,
		}
	}
	return nil
}

func reserveStock(ctx context.Context, tx *sql.Tx, productID string, qty decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $1::numeric, updated_at = now()
		WHERE id = $2
	`, qty.String(), productID)
	return translateTxError(err)
}

func insertSaleItems(ctx context.Context, tx *sql.Tx, saleID string, items []domain.SaleItem) error {
	for _, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_items (sale_id, product_id, qty, unit_price_cents, discount_cents, subtotal_cents)
			VALUES ($1,$2,$3::numeric,$4,$5,$6)
		`, saleID, item.ProductID, item.Qty.String(), item.UnitPriceCents, item.DiscountCents, item.SubtotalCents)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadSaleItems(ctx context.Context, saleID string) ([]domain.SaleItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, qty::text, unit_price_cents, discount_cents, subtotal_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSaleItems(rows)
}

func loadSaleItemsTx(ctx context.Context, tx *sql.Tx, saleID string) ([]domain.SaleItem, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT product_id, qty::text, unit_price_cents, discount_cents, subtotal_cents
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, saleID)
	if err != nil {
		return nil, translateTxError(err)
	}
	defer rows.Close()

	return scanSaleItems(rows)
}

func scanSaleItems(rows *sql.Rows) ([]domain.SaleItem, error) {
	items := make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		var qtyStr string
		if err := rows.Scan(&item.ProductID, &qtyStr, &item.UnitPriceCents, &item.DiscountCents, &item.SubtotalCents); err != nil {
			return nil, err
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, err
		}
		item.Qty = qty
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var stockStr string
	if err := row.Scan(&p.ID, &p.BranchID, &p.Name, &p.Unit, &p.PriceCents, &p.CostCents, &stockStr, &p.Deleted, &p.CreatedAt); err != nil {
		return domain.Product{}, err
	}
	stock, err := decimal.NewFromString(stockStr)
	if err != nil {
		return domain.Product{}, err
	}
	p.Stock = stock
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func aggregateQuantities(items []domain.SaleItem) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal, len(items))
	for _, item := range items {
		totals[item.ProductID] = totals[item.ProductID].Add(item.Qty)
	}
	return totals
}

func productIDs(quantities map[string]decimal.Decimal) []string {
	ids := make([]string, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// translateTxError maps serialization and deadlock failures (SQLSTATE 40001,
// 40P01) onto the retryable sentinel.
func translateTxError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return fmt.Errorf("%w: %s", store.ErrTransactionFailure, pgErr.Code)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
