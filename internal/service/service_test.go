package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bonitoamor/backend/internal/cache"
	"bonitoamor/backend/internal/domain"
	"bonitoamor/backend/internal/store"
	"bonitoamor/backend/internal/store/memory"
)

const (
	mainSlug  = "bonito-amor"
	otherSlug = "la-pasion-del-hincha-yofre"
	shirtID   = "prod-remera-01"
	jeanID    = "prod-jean-01"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopMetricsCache{}, nil, mainSlug, time.Minute)
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "admin", Role: domain.RoleAdmin, StoreSlug: mainSlug,
	})
}

func sellerCtx(username string) context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: username, Role: domain.RoleSeller, StoreSlug: mainSlug,
	})
}

func mustDec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", raw, err)
	}
	return d
}

func saleRequest(t *testing.T, lines ...domain.SaleLineRequest) domain.SaleCreateRequest {
	t.Helper()
	return domain.SaleCreateRequest{
		PaymentMethod: "efectivo",
		Lines:         lines,
	}
}

func productStock(t *testing.T, svc *Service, ctx context.Context, productID string) int {
	t.Helper()
	products, err := svc.ListProducts(ctx, mainSlug)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	for _, p := range products {
		if p.ID == productID {
			return p.Stock
		}
	}
	t.Fatalf("product %s not found", productID)
	return 0
}

func TestCreateSaleRecordsSellerAndTotal(t *testing.T) {
	svc, _ := newTestService()
	ctx := sellerCtx("ana")

	req := saleRequest(t, domain.SaleLineRequest{ProductID: shirtID, Quantity: 3, UnitPrice: mustDec(t, "100.00")})
	req.DiscountPercent = mustDec(t, "10")

	sale, err := svc.CreateSale(ctx, mainSlug, req)
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	if sale.SellerUsername != "ana" {
		t.Fatalf("expected seller ana, got %s", sale.SellerUsername)
	}
	if !sale.Total.Equal(mustDec(t, "270.00")) {
		t.Fatalf("expected total 270.00, got %s", sale.Total)
	}
}

func TestCreateSaleValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := sellerCtx("ana")

	cases := []struct {
		name string
		req  domain.SaleCreateRequest
	}{
		{"empty lines", saleRequest(t)},
		{"zero quantity", saleRequest(t, domain.SaleLineRequest{ProductID: shirtID, Quantity: 0, UnitPrice: mustDec(t, "10")})},
		{"negative price", saleRequest(t, domain.SaleLineRequest{ProductID: shirtID, Quantity: 1, UnitPrice: mustDec(t, "-1")})},
	}
	for _, tc := range cases {
		if _, err := svc.CreateSale(ctx, mainSlug, tc.req); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}

	overDiscount := saleRequest(t, domain.SaleLineRequest{ProductID: shirtID, Quantity: 1, UnitPrice: mustDec(t, "10")})
	overDiscount.DiscountPercent = mustDec(t, "101")
	if _, err := svc.CreateSale(ctx, mainSlug, overDiscount); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("over-discount: expected ErrValidation, got %v", err)
	}

	noPayment := saleRequest(t, domain.SaleLineRequest{ProductID: shirtID, Quantity: 1, UnitPrice: mustDec(t, "10")})
	noPayment.PaymentMethod = " "
	if _, err := svc.CreateSale(ctx, mainSlug, noPayment); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("blank payment: expected ErrValidation, got %v", err)
	}
}

func TestCreateSaleWithoutActorForbidden(t *testing.T) {
	svc, _ := newTestService()

	req := saleRequest(t, domain.SaleLineRequest{ProductID: shirtID, Quantity: 1, UnitPrice: mustDec(t, "10")})
	if _, err := svc.CreateSale(context.Background(), mainSlug, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSellerCannotTouchOtherStore(t *testing.T) {
	svc, _ := newTestService()
	ctx := sellerCtx("ana")

	req := saleRequest(t, domain.SaleLineRequest{ProductID: "prod-camiseta-01", Quantity: 1, UnitPrice: mustDec(t, "45000")})
	if _, err := svc.CreateSale(ctx, otherSlug, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for cross-store sale, got %v", err)
	}
	if _, err := svc.GetMetrics(ctx, otherSlug, domain.MetricsFilter{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for cross-store metrics, got %v", err)
	}
}

func TestAdminMayOperateAcrossStores(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	req := saleRequest(t, domain.SaleLineRequest{ProductID: "prod-camiseta-01", Quantity: 1, UnitPrice: mustDec(t, "45000")})
	if _, err := svc.CreateSale(ctx, otherSlug, req); err != nil {
		t.Fatalf("admin cross-store sale failed: %v", err)
	}
}

func TestVoidSaleRestoresStockThroughService(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()
	before := productStock(t, svc, ctx, shirtID)

	sale, err := svc.CreateSale(ctx, mainSlug, saleRequest(t,
		domain.SaleLineRequest{ProductID: shirtID, Quantity: 2, UnitPrice: mustDec(t, "50.00")},
	))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	voided, err := svc.VoidSale(ctx, mainSlug, sale.ID)
	if err != nil {
		t.Fatalf("void sale: %v", err)
	}
	if !voided.Voided || !voided.Total.IsZero() {
		t.Fatalf("expected fully voided sale with total 0, got %+v", voided)
	}
	if got := productStock(t, svc, ctx, shirtID); got != before {
		t.Fatalf("expected stock restored to %d, got %d", before, got)
	}

	if _, err := svc.VoidSale(ctx, mainSlug, sale.ID); !errors.Is(err, store.ErrAlreadyVoided) {
		t.Fatalf("expected ErrAlreadyVoided on repeat, got %v", err)
	}
}

func TestVoidSaleLineRecomputesTotal(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	sale, err := svc.CreateSale(ctx, mainSlug, saleRequest(t,
		domain.SaleLineRequest{ProductID: shirtID, Quantity: 2, UnitPrice: mustDec(t, "50.00")},
		domain.SaleLineRequest{ProductID: jeanID, Quantity: 1, UnitPrice: mustDec(t, "20.00")},
	))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	updated, err := svc.VoidSaleLine(ctx, mainSlug, sale.ID, sale.Lines[0].ID)
	if err != nil {
		t.Fatalf("void line: %v", err)
	}
	if updated.Voided {
		t.Fatalf("sale must remain active with one line left")
	}
	if !updated.Total.Equal(mustDec(t, "20.00")) {
		t.Fatalf("expected total 20.00, got %s", updated.Total)
	}

	converged, err := svc.VoidSaleLine(ctx, mainSlug, sale.ID, sale.Lines[1].ID)
	if err != nil {
		t.Fatalf("void last line: %v", err)
	}
	if !converged.Voided || !converged.Total.IsZero() {
		t.Fatalf("expected convergence to full void, got %+v", converged)
	}
}

func TestVoidUnknownSale(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.VoidSale(adminCtx(), mainSlug, "sale-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentSalesLastUnitThroughService(t *testing.T) {
	svc, repo := newTestService()
	ctx := sellerCtx("ana")

	// Jacket seeds with 7 units; drain to one.
	if err := repo.DecrementStock(context.Background(), "store-1", "prod-campera-01", 6); err != nil {
		t.Fatalf("drain stock: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateSale(ctx, mainSlug, saleRequest(t,
				domain.SaleLineRequest{ProductID: "prod-campera-01", Quantity: 1, UnitPrice: mustDec(t, "54900")},
			))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrInsufficientStock):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", successes, conflicts)
	}
}

func TestGetMetricsValidatesFilterCombinations(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	bad := []domain.MetricsFilter{
		{Month: 3},
		{Year: 2026, Day: 10},
		{Year: 2026, Month: 13},
		{Year: 2026, Month: 3, Day: 32},
	}
	for _, filter := range bad {
		if _, err := svc.GetMetrics(ctx, mainSlug, filter); !errors.Is(err, store.ErrValidation) {
			t.Fatalf("filter %+v: expected ErrValidation, got %v", filter, err)
		}
	}

	if _, err := svc.GetMetrics(ctx, mainSlug, domain.MetricsFilter{Year: 2026, Month: 3, Day: 10}); err != nil {
		t.Fatalf("valid filter rejected: %v", err)
	}
}

func TestGetMetricsExcludesVoided(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	kept, err := svc.CreateSale(ctx, mainSlug, saleRequest(t,
		domain.SaleLineRequest{ProductID: shirtID, Quantity: 1, UnitPrice: mustDec(t, "100.00")},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	doomed, err := svc.CreateSale(ctx, mainSlug, saleRequest(t,
		domain.SaleLineRequest{ProductID: shirtID, Quantity: 1, UnitPrice: mustDec(t, "100.00")},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.VoidSale(ctx, mainSlug, doomed.ID); err != nil {
		t.Fatalf("void: %v", err)
	}

	metrics, err := svc.GetMetrics(ctx, mainSlug, domain.MetricsFilter{})
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if !metrics.TotalRevenue.Equal(kept.Total) {
		t.Fatalf("expected revenue %s, got %s", kept.Total, metrics.TotalRevenue)
	}
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	req := domain.ProductCreateRequest{Name: "Gorra", UnitPrice: mustDec(t, "9000")}
	if _, err := svc.CreateProduct(sellerCtx("ana"), mainSlug, req); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for seller, got %v", err)
	}

	created, err := svc.CreateProduct(adminCtx(), mainSlug, req)
	if err != nil {
		t.Fatalf("admin create product: %v", err)
	}
	if len(created.Barcode) != 12 {
		t.Fatalf("expected generated 12 digit barcode, got %q", created.Barcode)
	}
}

func TestUpdateProductNeverTouchesStock(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()
	before := productStock(t, svc, ctx, shirtID)

	name := "Remera Basica v2"
	updated, err := svc.UpdateProduct(ctx, mainSlug, shirtID, domain.ProductUpdateRequest{Name: &name})
	if err != nil {
		t.Fatalf("update product: %v", err)
	}
	if updated.Stock != before {
		t.Fatalf("catalog update changed stock: %d -> %d", before, updated.Stock)
	}
	if updated.Name != name {
		t.Fatalf("expected renamed product, got %s", updated.Name)
	}
}

func TestGetProductByBarcode(t *testing.T) {
	svc, _ := newTestService()
	ctx := sellerCtx("ana")

	product, err := svc.GetProductByBarcode(ctx, mainSlug, "779000000001")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if product.ID != shirtID {
		t.Fatalf("expected %s, got %s", shirtID, product.ID)
	}

	if _, err := svc.GetProductByBarcode(ctx, mainSlug, "000000000000"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPaymentMethodsOptions(t *testing.T) {
	svc, _ := newTestService()
	ctx := sellerCtx("ana")

	req := saleRequest(t, domain.SaleLineRequest{ProductID: shirtID, Quantity: 1, UnitPrice: mustDec(t, "10")})
	req.PaymentMethod = "tarjeta de credito"
	if _, err := svc.CreateSale(ctx, mainSlug, req); err != nil {
		t.Fatalf("create: %v", err)
	}

	options, err := svc.ListPaymentMethods(ctx, mainSlug)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(options) != 1 || options[0].Label != "Tarjeta De Credito" || options[0].Value != "tarjeta_de_credito" {
		t.Fatalf("unexpected options %+v", options)
	}
}

func TestAuditLogsWrittenForSaleLifecycle(t *testing.T) {
	svc, _ := newTestService()
	ctx := adminCtx()

	sale, err := svc.CreateSale(ctx, mainSlug, saleRequest(t,
		domain.SaleLineRequest{ProductID: shirtID, Quantity: 1, UnitPrice: mustDec(t, "10")},
	))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.VoidSale(ctx, mainSlug, sale.ID); err != nil {
		t.Fatalf("void: %v", err)
	}

	logs, err := svc.ListAuditLogs(ctx, mainSlug, "", 50)
	if err != nil {
		t.Fatalf("audit logs: %v", err)
	}
	actions := map[string]bool{}
	for _, entry := range logs {
		actions[entry.Action] = true
	}
	if !actions["sale_create"] || !actions["sale_void"] {
		t.Fatalf("expected sale_create and sale_void entries, got %+v", actions)
	}

	if _, err := svc.ListAuditLogs(sellerCtx("ana"), mainSlug, "", 50); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for seller audit access, got %v", err)
	}
}

func TestMetricsServedFromCache(t *testing.T) {
	repo := memory.NewSeeded()
	mc := &countingCache{}
	svc := New(repo, mc, nil, mainSlug, time.Minute)
	ctx := adminCtx()

	if _, err := svc.GetMetrics(ctx, mainSlug, domain.MetricsFilter{Year: 2026}); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if _, err := svc.GetMetrics(ctx, mainSlug, domain.MetricsFilter{Year: 2026}); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if mc.sets != 1 || mc.hits != 1 {
		t.Fatalf("expected one cache fill and one hit, got sets=%d hits=%d", mc.sets, mc.hits)
	}
}

// countingCache is a single-entry MetricsCache that records traffic.
type countingCache struct {
	mu    sync.Mutex
	key   string
	value *domain.SalesMetrics
	sets  int
	hits  int
}

func (c *countingCache) Get(_ context.Context, key string) (*domain.SalesMetrics, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != nil && c.key == key {
		c.hits++
		return c.value, true, nil
	}
	return nil, false, nil
}

func (c *countingCache) Set(_ context.Context, key string, value *domain.SalesMetrics, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.value = value
	c.sets++
	return nil
}

func (c *countingCache) InvalidateStore(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = ""
	c.value = nil
	return nil
}
