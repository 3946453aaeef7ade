package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tokokita/backend/internal/cache"
	"tokokita/backend/internal/domain"
	"tokokita/backend/internal/store"
	"tokokita/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopCatalogCache{}, 5*time.Second, "branch-main")
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "admin",
		Role:     "admin",
		BranchID: "branch-main",
	})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "cashier",
		Role:     "cashier",
		BranchID: "branch-main",
	})
}

func mustCreateProduct(t *testing.T, svc *Service, name string, unit string, priceCents int64, stock string) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		BranchID:     "branch-main",
		Name:         name,
		Unit:         unit,
		PriceCents:   priceCents,
		CostCents:    priceCents / 2,
		InitialStock: decimal.RequireFromString(stock),
	})
	if err != nil {
		t.Fatalf("create product %s failed: %v", name, err)
	}
	return product
}

func productStock(t *testing.T, svc *Service, productID string) decimal.Decimal {
	t.Helper()
	products, err := svc.ListProducts(context.Background(), "branch-main")
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	for _, p := range products {
		if p.ID == productID {
			return p.Stock
		}
	}
	t.Fatalf("product %s not found", productID)
	return decimal.Zero
}

func TestCreateSaleComputesTotalAndReservesStock(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Air Mineral 600ml", domain.UnitPiece, 100, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		TaxCents:      30,
		DiscountCents: 30,
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(3)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if len(sale.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(sale.Items))
	}
	if sale.Items[0].SubtotalCents != 300 {
		t.Fatalf("expected subtotal 300, got %d", sale.Items[0].SubtotalCents)
	}
	if sale.TotalCents != 300 {
		t.Fatalf("expected total 300 (300 + 30 tax - 30 discount), got %d", sale.TotalCents)
	}
	if sale.Invoice == nil || sale.Invoice.Number == "" {
		t.Fatalf("expected invoice to be attached")
	}

	if got := productStock(t, svc, product.ID); !got.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected stock 7 after sale, got %s", got)
	}
}

func TestCreateSaleInsufficientStockNamesProduct(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Minyak Goreng 1L", domain.UnitPiece, 1800, "2")

	_, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(5)},
		},
	})
	if err == nil {
		t.Fatalf("expected insufficient stock error")
	}

	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.ProductID != product.ID {
		t.Fatalf("expected product %s in error, got %s", product.ID, stockErr.ProductID)
	}
	if !stockErr.Available.Equal(decimal.NewFromInt(2)) || !stockErr.Requested.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected available=2 requested=5, got available=%s requested=%s", stockErr.Available, stockErr.Requested)
	}

	if got := productStock(t, svc, product.ID); !got.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("failed sale must not touch stock, got %s", got)
	}
}

func TestCreateSaleAggregatesDuplicateProductLines(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Teh Botol", domain.UnitPiece, 500, "5")

	// Each line fits on its own; the aggregate does not.
	_, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(3)},
			{ProductID: product.ID, Qty: decimal.NewFromInt(3)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock for aggregated lines, got %v", err)
	}
}

func TestCreateSaleRejectsFractionalPieceQuantity(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Sarden Kaleng", domain.UnitPiece, 1200, "10")

	_, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.RequireFromString("1.5")},
		},
	})
	if !errors.Is(err, store.ErrInvalidLineItem) {
		t.Fatalf("expected invalid line item for fractional piece qty, got %v", err)
	}
}

func TestCreateSaleWeightQuantityAllowsFractions(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Tepung Terigu Curah", domain.UnitWeight, 1000, "20.000")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.RequireFromString("2.5")},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if sale.Items[0].SubtotalCents != 2500 {
		t.Fatalf("expected subtotal 2500 for 2.5 x 1000, got %d", sale.Items[0].SubtotalCents)
	}

	if got := productStock(t, svc, product.ID); !got.Equal(decimal.RequireFromString("17.5")) {
		t.Fatalf("expected stock 17.5, got %s", got)
	}
}

func TestCreateSaleUnknownCustomerFallsBackToWalkIn(t *testing.T) {
	svc, repo := newTestService(t)
	product := mustCreateProduct(t, svc, "Kerupuk", domain.UnitPiece, 300, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		CustomerID:    "cust-does-not-exist",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	customer, err := repo.GetCustomerByID(context.Background(), sale.CustomerID)
	if err != nil {
		t.Fatalf("expected resolved customer to exist: %v", err)
	}
	if customer.Name != domain.WalkInCustomerName {
		t.Fatalf("expected walk-in customer, got %s", customer.Name)
	}

	// A second fallback resolves to the same row, not a duplicate.
	sale2, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		CustomerID:    "also-missing",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("second create sale failed: %v", err)
	}
	if sale2.CustomerID != sale.CustomerID {
		t.Fatalf("expected the same walk-in customer, got %s vs %s", sale2.CustomerID, sale.CustomerID)
	}
}

func TestCreateSaleRejectsNegativeTotal(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Permen", domain.UnitPiece, 100, "10")

	_, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		DiscountCents: 500,
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for negative total, got %v", err)
	}
}

func TestCreateSaleHonorsUnitPriceOverride(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Roti Tawar", domain.UnitPiece, 1500, "10")

	override := int64(1200)
	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(2), UnitPriceCents: &override, DiscountCents: 200},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if sale.Items[0].UnitPriceCents != 1200 {
		t.Fatalf("expected unit price override 1200, got %d", sale.Items[0].UnitPriceCents)
	}
	if sale.Items[0].SubtotalCents != 2000 {
		t.Fatalf("expected subtotal (1200-200)*2 = 2000, got %d", sale.Items[0].SubtotalCents)
	}
}

func TestEditSaleReleasesBeforeReserving(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Sikat Gigi", domain.UnitPiece, 800, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(3)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if got := productStock(t, svc, product.ID); !got.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected stock 7 after sale, got %s", got)
	}

	edited, err := svc.EditSale(cashierCtx(), sale.ID, domain.SaleEditRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("edit sale failed: %v", err)
	}
	if !edited.Items[0].Qty.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected qty 1 after edit, got %s", edited.Items[0].Qty)
	}

	if got := productStock(t, svc, product.ID); !got.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected stock 9 after edit, got %s", got)
	}
}

func TestEditSaleWithIdenticalLinesLeavesStockUnchanged(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Garam Dapur", domain.UnitPiece, 600, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(4)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.EditSale(cashierCtx(), sale.ID, domain.SaleEditRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(4)},
		},
	}); err != nil {
		t.Fatalf("identical edit failed: %v", err)
	}

	if got := productStock(t, svc, product.ID); !got.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("identical edit must leave stock at 6, got %s", got)
	}
}

func TestEditSaleToFullRemainingStock(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Detergen", domain.UnitPiece, 2500, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(6)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// 4 left on the shelf plus 6 released from this sale: 10 must fit.
	_, err = svc.EditSale(cashierCtx(), sale.ID, domain.SaleEditRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(10)},
		},
	})
	if err != nil {
		t.Fatalf("edit to full remaining stock failed: %v", err)
	}

	if got := productStock(t, svc, product.ID); !got.IsZero() {
		t.Fatalf("expected stock 0, got %s", got)
	}
}

func TestEditSaleBeyondReleasedStockFails(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Kecap Manis", domain.UnitPiece, 9000, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(6)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	// 4 on the shelf plus 6 released caps the edit at 10; 11 must not fit.
	_, err = svc.EditSale(cashierCtx(), sale.ID, domain.SaleEditRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(11)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected structured stock error, got %v", err)
	}
	if !stockErr.Available.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected available 10 (shelf plus this sale's items), got %s", stockErr.Available)
	}

	if got := productStock(t, svc, product.ID); !got.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected stock untouched at 4, got %s", got)
	}
}

func TestEditSaleFailureLeavesStockUntouched(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Obat Nyamuk", domain.UnitPiece, 900, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(3)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	_, err = svc.EditSale(cashierCtx(), sale.ID, domain.SaleEditRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(11)},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	if got := productStock(t, svc, product.ID); !got.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("failed edit must leave stock at 7, got %s", got)
	}

	current, err := svc.GetSale(context.Background(), sale.ID)
	if err != nil {
		t.Fatalf("get sale failed: %v", err)
	}
	if !current.Items[0].Qty.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("failed edit must leave items unchanged, got qty %s", current.Items[0].Qty)
	}
}

func TestEditSaleUnknownCustomerFails(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Shampo Sachet", domain.UnitPiece, 500, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	_, err = svc.EditSale(cashierCtx(), sale.ID, domain.SaleEditRequest{
		CustomerID:    "cust-vanished",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrCustomerNotFound) {
		t.Fatalf("expected customer not found on edit, got %v", err)
	}
}

func TestEditUnknownSale(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Korek Api", domain.UnitPiece, 200, "10")

	_, err := svc.EditSale(cashierCtx(), "sale-missing", domain.SaleEditRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
		},
	})
	if !errors.Is(err, store.ErrSaleNotFound) {
		t.Fatalf("expected sale not found, got %v", err)
	}
}

func TestRefundRestoresStockAndRemovesSale(t *testing.T) {
	svc, repo := newTestService(t)
	product := mustCreateProduct(t, svc, "Lilin", domain.UnitPiece, 400, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(3)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.CreateDelivery(cashierCtx(), sale.ID, domain.DeliveryCreateRequest{
		Address: "Jl. Merdeka 12",
		Courier: "internal",
	}); err != nil {
		t.Fatalf("create delivery failed: %v", err)
	}

	resp, err := svc.RefundSale(adminCtx(), sale.ID)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if resp.SaleID != sale.ID {
		t.Fatalf("expected refund for %s, got %s", sale.ID, resp.SaleID)
	}
	if len(resp.ReleasedItems) != 1 {
		t.Fatalf("expected 1 released item, got %d", len(resp.ReleasedItems))
	}
	if !resp.DeliveryRemoved {
		t.Fatalf("expected delivery to be removed")
	}

	if got := productStock(t, svc, product.ID); !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock restored to 10, got %s", got)
	}

	if _, err := svc.GetSale(context.Background(), sale.ID); !errors.Is(err, store.ErrSaleNotFound) {
		t.Fatalf("expected refunded sale to be gone, got %v", err)
	}

	// The delivery row survives as a soft-deleted tombstone.
	delivery, ok := repo.DeliveryBySaleID(sale.ID)
	if !ok {
		t.Fatalf("expected delivery tombstone to remain")
	}
	if !delivery.Deleted {
		t.Fatalf("expected delivery to be soft-deleted")
	}
}

func TestRefundUnknownSale(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.RefundSale(adminCtx(), "sale-missing")
	if !errors.Is(err, store.ErrSaleNotFound) {
		t.Fatalf("expected sale not found, got %v", err)
	}
}

func TestRefundIsTerminal(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Pulpen", domain.UnitPiece, 350, "10")

	sale, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
		BranchID:      "branch-main",
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(2)},
		},
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if _, err := svc.RefundSale(adminCtx(), sale.ID); err != nil {
		t.Fatalf("refund failed: %v", err)
	}

	if _, err := svc.RefundSale(adminCtx(), sale.ID); !errors.Is(err, store.ErrSaleNotFound) {
		t.Fatalf("second refund must fail with sale not found, got %v", err)
	}
	if _, err := svc.EditSale(cashierCtx(), sale.ID, domain.SaleEditRequest{
		PaymentMethod: "cash",
		Lines: []domain.SaleLine{
			{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
		},
	}); !errors.Is(err, store.ErrSaleNotFound) {
		t.Fatalf("edit after refund must fail with sale not found, got %v", err)
	}
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{
		BranchID:   "branch-main",
		Name:       "Baterai AA",
		Unit:       domain.UnitPiece,
		PriceCents: 1200,
	})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden error for cashier product creation, got %v", err)
	}
}

func TestCreateCustomerRejectsReservedName(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateCustomer(cashierCtx(), domain.CustomerCreateRequest{
		BranchID: "branch-main",
		Name:     domain.WalkInCustomerName,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for reserved name, got %v", err)
	}
}

func TestDailyReportAggregates(t *testing.T) {
	svc, _ := newTestService(t)
	product := mustCreateProduct(t, svc, "Gas 3kg", domain.UnitPiece, 20000, "10")

	for i := 0; i < 2; i++ {
		_, err := svc.CreateSale(cashierCtx(), domain.SaleCreateRequest{
			BranchID:      "branch-main",
			PaymentMethod: "cash",
			TaxCents:      100,
			DiscountCents: 500,
			Lines: []domain.SaleLine{
				{ProductID: product.ID, Qty: decimal.NewFromInt(1)},
			},
		})
		if err != nil {
			t.Fatalf("create sale %d failed: %v", i, err)
		}
	}

	report, err := svc.DailyReport(context.Background(), "branch-main", time.Now().UTC())
	if err != nil {
		t.Fatalf("daily report failed: %v", err)
	}
	if report.Sales != 2 {
		t.Fatalf("expected 2 sales, got %d", report.Sales)
	}
	// Per sale: total = 20000 + 100 - 500 = 19600; gross = total + discount - tax = 20000.
	if report.GrossCents != 40000 {
		t.Fatalf("expected gross 40000, got %d", report.GrossCents)
	}
	if report.NetCents != 39200 {
		t.Fatalf("expected net 39200, got %d", report.NetCents)
	}
}

func TestAuditLogsRequireAdmin(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.ListAuditLogs(cashierCtx(), "branch-main", time.Now().Add(-time.Hour), time.Now(), 10); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden error for cashier audit log access, got %v", err)
	}
	if _, err := svc.ListAuditLogs(adminCtx(), "branch-main", time.Now().Add(-time.Hour), time.Now(), 10); err != nil {
		t.Fatalf("admin audit log access failed: %v", err)
	}
}

// recordingCatalogCache tracks which keys the service reads, writes and drops.
type recordingCatalogCache struct {
	entries map[string][]domain.Product
	setKeys []string
	dropped []string
}

func (c *recordingCatalogCache) Get(_ context.Context, key string) ([]domain.Product, bool, error) {
	products, ok := c.entries[key]
	return products, ok, nil
}

func (c *recordingCatalogCache) Set(_ context.Context, key string, products []domain.Product, _ time.Duration) error {
	if c.entries == nil {
		c.entries = make(map[string][]domain.Product)
	}
	c.entries[key] = products
	c.setKeys = append(c.setKeys, key)
	return nil
}

func (c *recordingCatalogCache) Invalidate(_ context.Context, key string) error {
	delete(c.entries, key)
	c.dropped = append(c.dropped, key)
	return nil
}

var _ cache.CatalogCache = (*recordingCatalogCache)(nil)

func TestListProductsCachesCatalogPerBranch(t *testing.T) {
	repo := memory.NewSeeded()
	rec := &recordingCatalogCache{}
	svc := New(repo, rec, 5*time.Second, "branch-main")

	first, err := svc.ListProducts(cashierCtx(), "branch-main")
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	if len(first) == 0 {
		t.Fatalf("expected seeded products")
	}
	if len(rec.setKeys) != 1 || rec.setKeys[0] != "catalog:branch-main" {
		t.Fatalf("expected one cache write under catalog:branch-main, got %v", rec.setKeys)
	}

	// Empty branch resolves to the default and must hit the same entry.
	second, err := svc.ListProducts(cashierCtx(), "")
	if err != nil {
		t.Fatalf("list products via default branch failed: %v", err)
	}
	if len(second) != len(first) {
		t.Fatalf("expected cached catalog of %d products, got %d", len(first), len(second))
	}
	if len(rec.setKeys) != 1 {
		t.Fatalf("expected cache hit on second read, writes: %v", rec.setKeys)
	}

	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		BranchID:   "branch-main",
		Name:       "Sabun Batang",
		Unit:       domain.UnitPiece,
		PriceCents: 3000,
	}); err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if len(rec.dropped) != 1 || rec.dropped[0] != "catalog:branch-main" {
		t.Fatalf("expected catalog:branch-main invalidated after product create, got %v", rec.dropped)
	}
}
