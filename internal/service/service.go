package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tokokita/backend/internal/cache"
	"tokokita/backend/internal/domain"
	"tokokita/backend/internal/store"
	"tokokita/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo            store.Repository
	catalog         cache.CatalogCache
	catalogTTL      time.Duration
	defaultBranchID string
}

func New(repo store.Repository, catalog cache.CatalogCache, catalogTTL time.Duration, defaultBranchID string) *Service {
	if catalog == nil {
		catalog = cache.NoopCatalogCache{}
	}
	if catalogTTL < time.Second {
		catalogTTL = 30 * time.Second
	}
	if defaultBranchID == "" {
		defaultBranchID = "branch-main"
	}

	return &Service{
		repo:            repo,
		catalog:         catalog,
		catalogTTL:      catalogTTL,
		defaultBranchID: defaultBranchID,
	}
}

func (s *Service) ListProducts(ctx context.Context, branchID string) ([]domain.Product, error) {
	branchID = s.branchOrDefault(branchID)

	key := catalogKey(branchID)
	if cached, found, err := s.catalog.Get(ctx, key); err == nil && found {
		return cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: catalog cache read failed branch=%s: %v", branchID, err)
	}

	products, err := s.repo.ListProducts(ctx, branchID)
	if err != nil {
		return nil, err
	}

	if err := s.catalog.Set(ctx, key, products, s.catalogTTL); err != nil {
		log.Printf("[service] WARN: catalog cache write failed branch=%s: %v", branchID, err)
	}
	return products, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}

	req.BranchID = s.branchOrDefault(req.BranchID)
	req.Name = strings.TrimSpace(req.Name)

	if req.Name == "" || req.PriceCents < 1 || req.CostCents < 0 {
		return domain.Product{}, store.ErrValidation
	}
	if req.Unit != domain.UnitPiece && req.Unit != domain.UnitWeight {
		return domain.Product{}, store.ErrValidation
	}
	if req.InitialStock.IsNegative() {
		return domain.Product{}, store.ErrValidation
	}
	if req.Unit == domain.UnitPiece && !req.InitialStock.IsInteger() {
		return domain.Product{}, store.ErrValidation
	}

	product := domain.Product{
		BranchID:   req.BranchID,
		Name:       req.Name,
		Unit:       req.Unit,
		PriceCents: req.PriceCents,
		CostCents:  req.CostCents,
		Stock:      req.InitialStock,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	if err := s.catalog.Invalidate(ctx, catalogKey(req.BranchID)); err != nil {
		log.Printf("[service] WARN: catalog cache invalidation failed branch=%s: %v", req.BranchID, err)
	}

	s.logAudit(ctx, req.BranchID, "product_create", "product", created.ID,
		fmt.Sprintf("name=%s,unit=%s,price=%d,stock=%s", created.Name, created.Unit, created.PriceCents, created.Stock.String()))

	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context, branchID string) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx, s.branchOrDefault(branchID))
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.BranchID = s.branchOrDefault(req.BranchID)
	req.Name = strings.TrimSpace(req.Name)

	if req.Name == "" {
		return domain.Customer{}, store.ErrValidation
	}
	if req.Name == domain.WalkInCustomerName {
		return domain.Customer{}, store.ErrValidation
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		BranchID: req.BranchID,
		Name:     req.Name,
		Phone:    strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, req.BranchID, "customer_create", "customer", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

// CreateSale validates the whole request before any stock moves: every line is
// checked, subtotals and the total are computed, and availability is
// pre-checked against a snapshot. The repository then re-checks availability
// under row locks and reserves stock atomically with the insert.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	branchID := s.branchOrDefault(req.BranchID)

	customer, err := s.resolveCustomer(ctx, branchID, req.CustomerID)
	if err != nil {
		return domain.Sale{}, err
	}

	items, totals, err := s.buildItems(ctx, req.Lines, req.TaxCents, req.DiscountCents, nil)
	if err != nil {
		return domain.Sale{}, err
	}
	if req.PaymentMethod = normalizePayment(req.PaymentMethod); req.PaymentMethod == "" {
		return domain.Sale{}, store.ErrValidation
	}

	actor, _ := ActorFromContext(ctx)

	sale := domain.Sale{
		ID:            xid.New("sale"),
		BranchID:      branchID,
		CashierName:   actor.Username,
		CustomerID:    customer.ID,
		PaymentMethod: req.PaymentMethod,
		TaxCents:      req.TaxCents,
		DiscountCents: req.DiscountCents,
		TotalCents:    totals,
		Items:         items,
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, branchID, "sale_create", "sale", created.ID,
		fmt.Sprintf("total=%d,items=%d,customer=%s", created.TotalCents, len(created.Items), created.CustomerID))

	return *created, nil
}

// EditSale replaces a sale's line items and header fields. Unlike CreateSale,
// an unresolvable customer id is an error here: an edit names an exact target
// state and must not silently substitute the walk-in customer.
func (s *Service) EditSale(ctx context.Context, saleID string, req domain.SaleEditRequest) (domain.Sale, error) {
	existing, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	customerID := existing.CustomerID
	if req.CustomerID != "" {
		customer, err := s.repo.GetCustomerByID(ctx, req.CustomerID)
		if err != nil {
			return domain.Sale{}, err
		}
		customerID = customer.ID
	}

	// The sale's own reserved quantities count as available again during the
	// edit, mirroring the release-before-validate ordering the repository
	// applies under its locks.
	reserved := make(map[string]decimal.Decimal, len(existing.Items))
	for _, item := range existing.Items {
		reserved[item.ProductID] = reserved[item.ProductID].Add(item.Qty)
	}

	items, totals, err := s.buildItems(ctx, req.Lines, req.TaxCents, req.DiscountCents, reserved)
	if err != nil {
		return domain.Sale{}, err
	}

	paymentMethod := existing.PaymentMethod
	if req.PaymentMethod != "" {
		if paymentMethod = normalizePayment(req.PaymentMethod); paymentMethod == "" {
			return domain.Sale{}, store.ErrValidation
		}
	}

	updated := domain.Sale{
		ID:            saleID,
		BranchID:      existing.BranchID,
		CashierName:   existing.CashierName,
		CustomerID:    customerID,
		PaymentMethod: paymentMethod,
		TaxCents:      req.TaxCents,
		DiscountCents: req.DiscountCents,
		TotalCents:    totals,
		Items:         items,
	}

	saved, err := s.repo.UpdateSale(ctx, updated)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, existing.BranchID, "sale_edit", "sale", saleID,
		fmt.Sprintf("total=%d,items=%d", saved.TotalCents, len(saved.Items)))

	return *saved, nil
}

// RefundSale is terminal: stock comes back, the sale with its items and
// invoice is removed, and any delivery is soft-deleted for the courier trail.
func (s *Service) RefundSale(ctx context.Context, saleID string) (domain.RefundResponse, error) {
	refunded, err := s.repo.RefundSale(ctx, saleID)
	if err != nil {
		return domain.RefundResponse{}, err
	}

	s.logAudit(ctx, refunded.BranchID, "sale_refund", "sale", saleID,
		fmt.Sprintf("total=%d,items=%d", refunded.TotalCents, len(refunded.Items)))

	return domain.RefundResponse{
		SaleID:          saleID,
		RefundedAt:      time.Now().UTC().Format(time.RFC3339),
		ReleasedItems:   refunded.Items,
		DeliveryRemoved: refunded.Delivery != nil && refunded.Delivery.Deleted,
	}, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, branchID string, limit int) ([]domain.Sale, error) {
	return s.repo.ListSales(ctx, s.branchOrDefault(branchID), limit)
}

func (s *Service) CreateDelivery(ctx context.Context, saleID string, req domain.DeliveryCreateRequest) (domain.Delivery, error) {
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		return domain.Delivery{}, store.ErrValidation
	}

	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.Delivery{}, err
	}

	created, err := s.repo.CreateDelivery(ctx, domain.Delivery{
		SaleID:  saleID,
		Address: req.Address,
		Courier: strings.TrimSpace(req.Courier),
	})
	if err != nil {
		return domain.Delivery{}, err
	}

	s.logAudit(ctx, sale.BranchID, "delivery_create", "delivery", created.ID, fmt.Sprintf("sale=%s", saleID))
	return *created, nil
}

func (s *Service) DailyReport(ctx context.Context, branchID string, day time.Time) (domain.DailyReport, error) {
	branchID = s.branchOrDefault(branchID)

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	report, err := s.repo.GetDailyReport(ctx, branchID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.Date = from.Format("2006-01-02")
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, branchID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}
	return s.repo.ListAuditLogs(ctx, s.branchOrDefault(branchID), from, to, limit)
}

// resolveCustomer maps a requested customer id onto a concrete customer. An
// empty or unresolvable id falls back to the branch's walk-in customer so a
// sale is never blocked at the register by a stale customer reference.
func (s *Service) resolveCustomer(ctx context.Context, branchID string, customerID string) (*domain.Customer, error) {
	if customerID != "" {
		customer, err := s.repo.GetCustomerByID(ctx, customerID)
		if err == nil {
			return customer, nil
		}
		if !errors.Is(err, store.ErrCustomerNotFound) {
			return nil, err
		}
		log.Printf("[service] WARN: customer %s not found, falling back to walk-in", customerID)
	}
	return s.repo.ResolveWalkInCustomer(ctx, branchID)
}

// buildItems validates every line, fills in unit prices, recomputes subtotals
// and returns the grand total. reserved carries per-product quantities the
// caller already holds (an edited sale's current items); they are credited
// back during the availability pre-check. Nothing about stock is mutated
// here; that happens atomically in the repository.
func (s *Service) buildItems(ctx context.Context, lines []domain.SaleLine, taxCents int64, discountCents int64, reserved map[string]decimal.Decimal) ([]domain.SaleItem, int64, error) {
	if len(lines) == 0 {
		return nil, 0, store.ErrValidation
	}
	if taxCents < 0 || discountCents < 0 {
		return nil, 0, store.ErrValidation
	}

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.ProductID == "" {
			return nil, 0, &store.LineItemError{Reason: "product id is required"}
		}
		ids = append(ids, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	items := make([]domain.SaleItem, 0, len(lines))
	requested := make(map[string]decimal.Decimal, len(lines))
	var itemTotal int64

	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || product.Deleted {
			return nil, 0, fmt.Errorf("%w: %s", store.ErrProductNotFound, line.ProductID)
		}
		if !line.Qty.IsPositive() {
			return nil, 0, &store.LineItemError{ProductID: line.ProductID, Reason: "quantity must be positive"}
		}
		if product.Unit == domain.UnitPiece && !line.Qty.IsInteger() {
			return nil, 0, &store.LineItemError{ProductID: line.ProductID, Reason: "piece quantity must be integral"}
		}
		if line.DiscountCents < 0 {
			return nil, 0, &store.LineItemError{ProductID: line.ProductID, Reason: "discount must not be negative"}
		}

		unitPrice := product.PriceCents
		if line.UnitPriceCents != nil {
			if *line.UnitPriceCents < 0 {
				return nil, 0, &store.LineItemError{ProductID: line.ProductID, Reason: "unit price must not be negative"}
			}
			unitPrice = *line.UnitPriceCents
		}

		subtotal := lineSubtotalCents(unitPrice, line.DiscountCents, line.Qty)
		if subtotal < 0 {
			return nil, 0, &store.LineItemError{ProductID: line.ProductID, Reason: "discount exceeds line value"}
		}

		requested[line.ProductID] = requested[line.ProductID].Add(line.Qty)
		itemTotal += subtotal

		items = append(items, domain.SaleItem{
			ProductID:      line.ProductID,
			Qty:            line.Qty,
			UnitPriceCents: unitPrice,
			DiscountCents:  line.DiscountCents,
			SubtotalCents:  subtotal,
		})
	}

	// Availability pre-check over the per-product aggregate. The repository
	// repeats this check under locks; failing here just avoids a doomed
	// transaction.
	for productID, qty := range requested {
		product := products[productID]
		available := product.Stock.Add(reserved[productID])
		if available.LessThan(qty) {
			return nil, 0, &store.InsufficientStockError{
				ProductID: productID,
				Available: available,
				Requested: qty,
			}
		}
	}

	total := itemTotal + taxCents - discountCents
	if total < 0 {
		return nil, 0, store.ErrValidation
	}

	return items, total, nil
}

// lineSubtotalCents computes (unitPrice - discount) * qty, rounded to the
// nearest cent. Quantities may be fractional for weight-unit products.
func lineSubtotalCents(unitPriceCents int64, discountCents int64, qty decimal.Decimal) int64 {
	effective := decimal.NewFromInt(unitPriceCents - discountCents)
	return effective.Mul(qty).Round(0).IntPart()
}

func catalogKey(branchID string) string {
	return "catalog:" + branchID
}

func (s *Service) branchOrDefault(branchID string) string {
	if branchID == "" {
		return s.defaultBranchID
	}
	return branchID
}

func normalizePayment(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case domain.PaymentCash, "":
		return domain.PaymentCash
	case domain.PaymentCard:
		return domain.PaymentCard
	case domain.PaymentQRIS:
		return domain.PaymentQRIS
	case domain.PaymentTransfer:
		return domain.PaymentTransfer
	default:
		return ""
	}
}

func (s *Service) logAudit(ctx context.Context, branchID string, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		BranchID:      branchID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s: %v", action, entityID, err)
	}
}
