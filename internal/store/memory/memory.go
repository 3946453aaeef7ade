package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"tokokita/backend/internal/domain"
	"tokokita/backend/internal/store"
	"tokokita/backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	customers        map[string]domain.Customer
	salesByID        map[string]*domain.Sale
	invoicesBySale   map[string]domain.Invoice
	deliveriesBySale map[string]domain.Delivery
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			BranchID:  "branch-main",
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prod-mie-01", BranchID: "branch-main", Name: "Mie Goreng Instan", Unit: domain.UnitPiece, PriceCents: 3500, CostCents: 2700, Stock: decimal.NewFromInt(120), CreatedAt: now},
		{ID: "prod-telur-01", BranchID: "branch-main", Name: "Telur 10 Butir", Unit: domain.UnitPiece, PriceCents: 26500, CostCents: 23000, Stock: decimal.NewFromInt(40), CreatedAt: now},
		{ID: "prod-susu-01", BranchID: "branch-main", Name: "Susu UHT 1L", Unit: domain.UnitPiece, PriceCents: 18900, CostCents: 13600, Stock: decimal.NewFromInt(60), CreatedAt: now},
		{ID: "prod-gula-01", BranchID: "branch-main", Name: "Gula Pasir Curah", Unit: domain.UnitWeight, PriceCents: 1740, CostCents: 1530, Stock: decimal.RequireFromString("85.500"), CreatedAt: now},
		{ID: "prod-beras-01", BranchID: "branch-main", Name: "Beras Premium Curah", Unit: domain.UnitWeight, PriceCents: 1450, CostCents: 1290, Stock: decimal.RequireFromString("240.000"), CreatedAt: now},
		{ID: "prod-kopi-01", BranchID: "branch-main", Name: "Kopi Sachet", Unit: domain.UnitPiece, PriceCents: 2600, CostCents: 1700, Stock: decimal.NewFromInt(200), CreatedAt: now},
		{ID: "prod-sabun-01", BranchID: "branch-main", Name: "Sabun Mandi", Unit: domain.UnitPiece, PriceCents: 7400, CostCents: 5000, Stock: decimal.NewFromInt(80), CreatedAt: now},
	}

	productMap := make(map[string]domain.Product, len(products))
	for _, p := range products {
		productMap[p.ID] = p
	}

	customers := map[string]domain.Customer{
		"cust-walkin-main": {ID: "cust-walkin-main", BranchID: "branch-main", Name: domain.WalkInCustomerName, WalkIn: true, CreatedAt: now},
		"cust-budi-01":     {ID: "cust-budi-01", BranchID: "branch-main", Name: "Budi Santoso", Phone: "0812-0000-1111", CreatedAt: now},
		"cust-sari-01":     {ID: "cust-sari-01", BranchID: "branch-main", Name: "Sari Dewi", Phone: "0813-2222-3333", CreatedAt: now},
	}

	return &Store{
		products:         productMap,
		customers:        customers,
		salesByID:        make(map[string]*domain.Sale),
		invoicesBySale:   make(map[string]domain.Invoice),
		deliveriesBySale: make(map[string]domain.Delivery),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
}

func (s *Store) ListProducts(_ context.Context, branchID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Deleted || p.BranchID != branchID {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrValidation
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	found := p
	return &found, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) ListCustomers(_ context.Context, branchID string) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		if c.BranchID != branchID {
			continue
		}
		customers = append(customers, c)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	return customers, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.Name == "" || customer.BranchID == "" {
		return nil, store.ErrValidation
	}
	for _, existing := range s.customers {
		if existing.BranchID == customer.BranchID && existing.Name == customer.Name {
			return nil, store.ErrValidation
		}
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.customers[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, store.ErrCustomerNotFound
	}
	found := c
	return &found, nil
}

func (s *Store) ResolveWalkInCustomer(_ context.Context, branchID string) (*domain.Customer, error) {
	if branchID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.customers {
		if c.BranchID == branchID && c.Name == domain.WalkInCustomerName {
			found := c
			return &found, nil
		}
	}

	created := domain.Customer{
		ID:        xid.New("cust"),
		BranchID:  branchID,
		Name:      domain.WalkInCustomerName,
		WalkIn:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.customers[created.ID] = created
	return &created, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	requested := aggregateQuantities(sale.Items)
	if err := s.checkReservableLocked(requested); err != nil {
		return nil, err
	}

	for productID, qty := range requested {
		p := s.products[productID]
		p.Stock = p.Stock.Sub(qty)
		s.products[productID] = p
	}

	invoice := domain.Invoice{
		ID:        xid.New("inv"),
		SaleID:    sale.ID,
		Number:    fmt.Sprintf("INV-%s", sale.ID),
		CreatedAt: sale.CreatedAt,
	}
	s.invoicesBySale[sale.ID] = invoice
	sale.Invoice = &invoice

	stored := cloneSale(sale)
	s.salesByID[sale.ID] = &stored

	result := cloneSale(stored)
	return &result, nil
}

func (s *Store) GetSaleByID(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getSaleLocked(saleID)
}

func (s *Store) ListSales(_ context.Context, branchID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if sale.BranchID != branchID {
			continue
		}
		sales = append(sales, cloneSale(*sale))
	}
	sort.Slice(sales, func(i, j int) bool {
		return sales[i].CreatedAt.After(sales[j].CreatedAt)
	})
	if len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) UpdateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Items) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.salesByID[sale.ID]
	if !ok {
		return nil, store.ErrSaleNotFound
	}

	released := aggregateQuantities(existing.Items)
	requested := aggregateQuantities(sale.Items)

	// Release old quantities first so an edit shrinking a line of the same
	// product never sees phantom shortage. Existence is verified for every
	// released product before any stock moves, so a vanished product leaves
	// the map untouched.
	for productID := range released {
		if _, ok := s.products[productID]; !ok {
			return nil, &store.IntegrityError{SaleID: sale.ID, ProductID: productID}
		}
	}
	for productID, qty := range released {
		p := s.products[productID]
		p.Stock = p.Stock.Add(qty)
		s.products[productID] = p
	}

	if err := s.checkReservableLocked(requested); err != nil {
		// Roll the releases back before surfacing the error.
		for productID, qty := range released {
			p := s.products[productID]
			p.Stock = p.Stock.Sub(qty)
			s.products[productID] = p
		}
		return nil, err
	}

	for productID, qty := range requested {
		p := s.products[productID]
		p.Stock = p.Stock.Sub(qty)
		s.products[productID] = p
	}

	existing.CustomerID = sale.CustomerID
	existing.PaymentMethod = sale.PaymentMethod
	existing.TaxCents = sale.TaxCents
	existing.DiscountCents = sale.DiscountCents
	existing.TotalCents = sale.TotalCents
	existing.Items = cloneItems(sale.Items)

	return s.getSaleLocked(sale.ID)
}

func (s *Store) RefundSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrSaleNotFound
	}

	releases := aggregateQuantities(existing.Items)
	for productID := range releases {
		if _, ok := s.products[productID]; !ok {
			return nil, &store.IntegrityError{SaleID: saleID, ProductID: productID}
		}
	}
	for productID, qty := range releases {
		p := s.products[productID]
		p.Stock = p.Stock.Add(qty)
		s.products[productID] = p
	}

	snapshot := cloneSale(*existing)
	if invoice, ok := s.invoicesBySale[saleID]; ok {
		inv := invoice
		snapshot.Invoice = &inv
	}
	if delivery, ok := s.deliveriesBySale[saleID]; ok {
		delivery.Deleted = true
		s.deliveriesBySale[saleID] = delivery
		dlv := delivery
		snapshot.Delivery = &dlv
	}

	delete(s.invoicesBySale, saleID)
	delete(s.salesByID, saleID)

	return &snapshot, nil
}

func (s *Store) CreateDelivery(_ context.Context, delivery domain.Delivery) (*domain.Delivery, error) {
	if delivery.SaleID == "" || delivery.Address == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.salesByID[delivery.SaleID]; !ok {
		return nil, store.ErrSaleNotFound
	}
	if _, exists := s.deliveriesBySale[delivery.SaleID]; exists {
		return nil, store.ErrValidation
	}
	if delivery.ID == "" {
		delivery.ID = xid.New("dlv")
	}
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now().UTC()
	}

	s.deliveriesBySale[delivery.SaleID] = delivery
	created := delivery
	return &created, nil
}

// DeliveryBySaleID looks up a delivery regardless of its deleted flag. Used
// by tests to observe soft-deletion after a refund.
func (s *Store) DeliveryBySaleID(saleID string) (domain.Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveriesBySale[saleID]
	return d, ok
}

func (s *Store) GetDailyReport(_ context.Context, branchID string, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{BranchID: branchID}
	for _, sale := range s.salesByID {
		if sale.BranchID != branchID {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		report.Sales++
		report.GrossCents += sale.TotalCents + sale.DiscountCents - sale.TaxCents
		report.DiscountCents += sale.DiscountCents
		report.TaxCents += sale.TaxCents
		report.NetCents += sale.TotalCents
	}
	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.BranchID != branchID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrValidation
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrValidation
	}
	u.Password = password
	s.usersByUsername[username] = u
	return nil
}

// checkReservableLocked validates every aggregated quantity against current
// stock without mutating anything. Caller holds the write lock.
func (s *Store) checkReservableLocked(requested map[string]decimal.Decimal) error {
	ids := make([]string, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, productID := range ids {
		qty := requested[productID]
		p, ok := s.products[productID]
		if !ok || p.Deleted {
			return fmt.Errorf("%w: %s", store.ErrProductNotFound, productID)
		}
		if p.Unit == domain.UnitPiece && !qty.IsInteger() {
			return &store.LineItemError{ProductID: productID, Reason: "piece quantity must be integral"}
		}
		if p.Stock.LessThan(qty) {
			return &store.InsufficientStockError{
				ProductID: productID,
				Available: p.Stock,
				Requested: qty,
			}
		}
	}
	return nil
}

func (s *Store) getSaleLocked(saleID string) (*domain.Sale, error) {
	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrSaleNotFound
	}

	result := cloneSale(*sale)
	if invoice, ok := s.invoicesBySale[saleID]; ok {
		inv := invoice
		result.Invoice = &inv
	}
	if delivery, ok := s.deliveriesBySale[saleID]; ok && !delivery.Deleted {
		dlv := delivery
		result.Delivery = &dlv
	}
	return &result, nil
}

func aggregateQuantities(items []domain.SaleItem) map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal, len(items))
	for _, item := range items {
		totals[item.ProductID] = totals[item.ProductID].Add(item.Qty)
	}
	return totals
}

func cloneSale(sale domain.Sale) domain.Sale {
	cloned := sale
	cloned.Items = cloneItems(sale.Items)
	cloned.Invoice = nil
	cloned.Delivery = nil
	if sale.Invoice != nil {
		inv := *sale.Invoice
		cloned.Invoice = &inv
	}
	if sale.Delivery != nil {
		dlv := *sale.Delivery
		cloned.Delivery = &dlv
	}
	return cloned
}

func cloneItems(items []domain.SaleItem) []domain.SaleItem {
	cloned := make([]domain.SaleItem, len(items))
	copy(cloned, items)
	return cloned
}
