// Package memory implements store.Repository with mutex-guarded maps. It
// backs local development and the service/httpapi test suites. Each
// operation holds the lock for its whole unit of work, which gives the same
// all-or-nothing and writer-serialization semantics the postgres store gets
// from transactions and row locks.
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

	"bonitoamor/backend/internal/domain"
	"bonitoamor/backend/internal/store"
	"bonitoamor/backend/internal/totals"
	"bonitoamor/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	storesBySlug    map[string]domain.Store
	productsByID    map[string]domain.Product
	salesByID       map[string]*domain.Sale
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers(storeSlug string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"seller", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			StoreSlug: storeSlug,
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
	stores := []domain.Store{
		{ID: "store-1", Name: "Bonito Amor", Slug: "bonito-amor"},
		{ID: "store-2", Name: "La Pasion del Hincha Yofre", Slug: "la-pasion-del-hincha-yofre"},
	}

	products := []domain.Product{
		{ID: "prod-remera-01", StoreID: "store-1", Name: "Remera Basica", Barcode: "779000000001", PurchasePrice: dec("4500"), UnitPrice: dec("9900"), Stock: 40, Size: "M"},
		{ID: "prod-remera-02", StoreID: "store-1", Name: "Remera Estampada", Barcode: "779000000002", PurchasePrice: dec("5200"), UnitPrice: dec("11800.50"), Stock: 25, Size: "L"},
		{ID: "prod-jean-01", StoreID: "store-1", Name: "Jean Clasico", Barcode: "779000000003", PurchasePrice: dec("14000"), UnitPrice: dec("28900"), Stock: 18, Size: "NUM40"},
		{ID: "prod-campera-01", StoreID: "store-1", Name: "Campera Abrigo", Barcode: "779000000004", PurchasePrice: dec("26000"), UnitPrice: dec("54900"), Stock: 7, Size: "XL"},
		{ID: "prod-camiseta-01", StoreID: "store-2", Name: "Camiseta Titular", Barcode: "779000000101", PurchasePrice: dec("21000"), UnitPrice: dec("45000"), Stock: 12, Size: "M"},
		{ID: "prod-gorra-01", StoreID: "store-2", Name: "Gorra Bordada", Barcode: "779000000102", PurchasePrice: dec("6000"), UnitPrice: dec("13500"), Stock: 30, Size: ""},
	}

	storesBySlug := make(map[string]domain.Store, len(stores))
	for _, st := range stores {
		storesBySlug[st.Slug] = st
	}
	productsByID := make(map[string]domain.Product, len(products))
	now := time.Now().UTC()
	for _, p := range products {
		p.CreatedAt = now
		p.UpdatedAt = now
		productsByID[p.ID] = p
	}

	return &Store{
		storesBySlug:    storesBySlug,
		productsByID:    productsByID,
		salesByID:       make(map[string]*domain.Sale),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers("bonito-amor"),
	}
}

func dec(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		panic(fmt.Sprintf("bad seed decimal %q: %v", raw, err))
	}
	return d
}

func (s *Store) GetStoreBySlug(_ context.Context, slug string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.storesBySlug[slug]
	if !ok {
		return nil, store.ErrNotFound
	}
	copySt := st
	return &copySt, nil
}

func (s *Store) ListProducts(_ context.Context, storeID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productsByID))
	for _, p := range s.productsByID {
		if p.StoreID != storeID {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		return strings.Compare(a.Name, b.Name)
	})
	return products, nil
}

func (s *Store) GetProductByID(_ context.Context, storeID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.productsByID[productID]
	if !ok || p.StoreID != storeID {
		return nil, store.ErrNotFound
	}
	copyP := p
	return &copyP, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, storeID string, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.productsByID {
		if p.StoreID == storeID && p.Barcode == barcode {
			copyP := p
			return &copyP, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.StoreID == "" || product.Name == "" || product.Barcode == "" {
		return nil, store.ErrValidation
	}
	if product.UnitPrice.IsNegative() || product.Stock < 0 {
		return nil, store.ErrValidation
	}
	if _, exists := s.productsByID[product.ID]; exists {
		return nil, store.ErrValidation
	}
	for _, existing := range s.productsByID {
		if existing.Barcode == product.Barcode {
			return nil, store.ErrValidation
		}
	}

	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.UpdatedAt = product.CreatedAt
	s.productsByID[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.productsByID[product.ID]
	if !ok || existing.StoreID != product.StoreID {
		return nil, store.ErrNotFound
	}
	if product.Name == "" || product.UnitPrice.IsNegative() {
		return nil, store.ErrValidation
	}

	// Stock is owned by the ledger; catalog updates never touch it.
	product.Stock = existing.Stock
	product.Barcode = existing.Barcode
	product.CreatedAt = existing.CreatedAt
	product.UpdatedAt = time.Now().UTC()
	s.productsByID[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) DecrementStock(_ context.Context, storeID string, productID string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debitLocked(storeID, productID, qty)
}

func (s *Store) IncrementStock(_ context.Context, storeID string, productID string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(storeID, productID, qty)
}

// debitLocked is the check-and-decrement used both by the standalone ledger
// methods and inside sale creation. Callers must hold s.mu.
func (s *Store) debitLocked(storeID string, productID string, qty int) error {
	p, ok := s.productsByID[productID]
	if !ok || p.StoreID != storeID {
		return store.ErrNotFound
	}
	if p.Stock < qty {
		return store.ErrInsufficientStock
	}
	p.Stock -= qty
	p.UpdatedAt = time.Now().UTC()
	s.productsByID[productID] = p
	return nil
}

func (s *Store) creditLocked(storeID string, productID string, qty int) error {
	p, ok := s.productsByID[productID]
	if !ok || p.StoreID != storeID {
		return store.ErrNotFound
	}
	p.Stock += qty
	p.UpdatedAt = time.Now().UTC()
	s.productsByID[productID] = p
	return nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.StoreID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every line before mutating anything so a late failure
	// cannot leave a partial debit behind.
	for _, line := range sale.Lines {
		if line.Quantity < 1 || line.UnitPriceAtSale.IsNegative() {
			return nil, store.ErrValidation
		}
		p, ok := s.productsByID[line.ProductID]
		if !ok || p.StoreID != sale.StoreID {
			return nil, store.ErrNotFound
		}
		if p.Stock < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Voided = false

	for i := range sale.Lines {
		line := &sale.Lines[i]
		if line.ID == "" {
			line.ID = xid.New("line")
		}
		line.SaleID = sale.ID
		line.Voided = false
		line.ProductName = s.productsByID[line.ProductID].Name
		line.Subtotal = totals.Subtotal(line.Quantity, line.UnitPriceAtSale)
		if err := s.debitLocked(sale.StoreID, line.ProductID, line.Quantity); err != nil {
			// Unreachable after the validation pass; surface it anyway.
			return nil, err
		}
	}

	sale.Total = totals.Total(sale.Lines, sale.DiscountPercent)
	if !totals.Check(sale.Lines, sale.DiscountPercent, sale.Total) {
		return nil, store.ErrConsistency
	}

	stored := sale
	s.salesByID[sale.ID] = &stored
	out := cloneSale(&stored)
	return &out, nil
}

func (s *Store) GetSaleByID(_ context.Context, storeID string, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.StoreID != storeID {
		return nil, store.ErrStoreMismatch
	}
	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) ListSales(_ context.Context, storeID string, limit int) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if sale.StoreID != storeID {
			continue
		}
		sales = append(sales, cloneSale(sale))
	}
	slices.SortFunc(sales, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(sales) > limit {
		sales = sales[:limit]
	}
	return sales, nil
}

func (s *Store) VoidSale(_ context.Context, storeID string, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.StoreID != storeID {
		return nil, store.ErrStoreMismatch
	}
	if sale.Voided {
		return nil, store.ErrAlreadyVoided
	}

	for i := range sale.Lines {
		line := &sale.Lines[i]
		if line.Voided {
			continue
		}
		if err := s.creditLocked(sale.StoreID, line.ProductID, line.Quantity); err != nil {
			return nil, err
		}
		line.Voided = true
	}
	sale.Voided = true
	sale.Total = decimal.Zero.Round(2)

	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) VoidSaleLine(_ context.Context, storeID string, saleID string, lineID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.salesByID[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.StoreID != storeID {
		return nil, store.ErrStoreMismatch
	}
	if sale.Voided {
		return nil, store.ErrAlreadyVoided
	}

	idx := -1
	for i := range sale.Lines {
		if sale.Lines[i].ID == lineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	if sale.Lines[idx].Voided {
		return nil, store.ErrAlreadyVoided
	}

	line := &sale.Lines[idx]
	if err := s.creditLocked(sale.StoreID, line.ProductID, line.Quantity); err != nil {
		return nil, err
	}
	line.Voided = true

	sale.Total = totals.Total(sale.Lines, sale.DiscountPercent)
	if !totals.Check(sale.Lines, sale.DiscountPercent, sale.Total) {
		// Undo the credit so the failed operation mutates nothing.
		_ = s.debitLocked(sale.StoreID, line.ProductID, line.Quantity)
		line.Voided = false
		return nil, store.ErrConsistency
	}
	if len(sale.ActiveLines()) == 0 {
		sale.Voided = true
		sale.Total = decimal.Zero.Round(2)
	}

	out := cloneSale(sale)
	return &out, nil
}

func (s *Store) GetSalesMetrics(_ context.Context, storeID string, filter domain.MetricsFilter) (domain.SalesMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	layout := filter.BucketLayout()
	metrics := domain.SalesMetrics{
		StoreID:       storeID,
		TotalRevenue:  decimal.Zero,
		BucketLabel:   layout,
		RevenueSeries: []domain.RevenueBucket{},
		TopProducts:   []domain.ProductRanking{},
		BySeller:      []domain.SellerBreakdown{},
		ByPayment:     []domain.PaymentMethodBreakdown{},
	}

	buckets := map[string]*domain.RevenueBucket{}
	products := map[string]*domain.ProductRanking{}
	sellers := map[string]*domain.SellerBreakdown{}
	payments := map[string]*domain.PaymentMethodBreakdown{}

	for _, sale := range s.salesByID {
		if sale.StoreID != storeID || sale.Voided {
			continue
		}
		if !matchesFilter(sale, filter) {
			continue
		}

		metrics.TotalRevenue = metrics.TotalRevenue.Add(sale.Total)

		key := sale.CreatedAt.UTC().Format(layout)
		bucket, ok := buckets[key]
		if !ok {
			bucket = &domain.RevenueBucket{Bucket: key, Revenue: decimal.Zero}
			buckets[key] = bucket
		}
		bucket.Revenue = bucket.Revenue.Add(sale.Total)
		bucket.SaleCount++

		seller, ok := sellers[sale.SellerUsername]
		if !ok {
			seller = &domain.SellerBreakdown{Seller: sale.SellerUsername, Revenue: decimal.Zero}
			sellers[sale.SellerUsername] = seller
		}
		seller.Revenue = seller.Revenue.Add(sale.Total)
		if sale.Total.IsPositive() {
			seller.SaleCount++
		}

		payment, ok := payments[sale.PaymentMethod]
		if !ok {
			payment = &domain.PaymentMethodBreakdown{PaymentMethod: sale.PaymentMethod, Revenue: decimal.Zero}
			payments[sale.PaymentMethod] = payment
		}
		payment.Revenue = payment.Revenue.Add(sale.Total)
		if sale.Total.IsPositive() {
			payment.SaleCount++
		}

		for _, line := range sale.Lines {
			if line.Voided {
				continue
			}
			metrics.TotalUnits += int64(line.Quantity)
			ranking, ok := products[line.ProductID]
			if !ok {
				ranking = &domain.ProductRanking{ProductID: line.ProductID, ProductName: line.ProductName, Revenue: decimal.Zero}
				products[line.ProductID] = ranking
			}
			ranking.Quantity += int64(line.Quantity)
			ranking.Revenue = ranking.Revenue.Add(line.Subtotal)
		}
	}

	for _, bucket := range buckets {
		metrics.RevenueSeries = append(metrics.RevenueSeries, *bucket)
	}
	sort.Slice(metrics.RevenueSeries, func(i, j int) bool {
		return metrics.RevenueSeries[i].Bucket < metrics.RevenueSeries[j].Bucket
	})

	for _, ranking := range products {
		metrics.TopProducts = append(metrics.TopProducts, *ranking)
	}
	sort.Slice(metrics.TopProducts, func(i, j int) bool {
		if metrics.TopProducts[i].Quantity == metrics.TopProducts[j].Quantity {
			return metrics.TopProducts[i].ProductName < metrics.TopProducts[j].ProductName
		}
		return metrics.TopProducts[i].Quantity > metrics.TopProducts[j].Quantity
	})
	if len(metrics.TopProducts) > 10 {
		metrics.TopProducts = metrics.TopProducts[:10]
	}

	for _, seller := range sellers {
		metrics.BySeller = append(metrics.BySeller, *seller)
	}
	sort.Slice(metrics.BySeller, func(i, j int) bool {
		return metrics.BySeller[i].Revenue.GreaterThan(metrics.BySeller[j].Revenue)
	})

	for _, payment := range payments {
		metrics.ByPayment = append(metrics.ByPayment, *payment)
	}
	sort.Slice(metrics.ByPayment, func(i, j int) bool {
		return metrics.ByPayment[i].Revenue.GreaterThan(metrics.ByPayment[j].Revenue)
	})

	return metrics, nil
}

func matchesFilter(sale *domain.Sale, filter domain.MetricsFilter) bool {
	at := sale.CreatedAt.UTC()
	if filter.Year > 0 && at.Year() != filter.Year {
		return false
	}
	if filter.Month > 0 && int(at.Month()) != filter.Month {
		return false
	}
	if filter.Day > 0 && at.Day() != filter.Day {
		return false
	}
	if filter.Seller != "" && sale.SellerUsername != filter.Seller {
		return false
	}
	if filter.PaymentMethod != "" && !strings.EqualFold(sale.PaymentMethod, filter.PaymentMethod) {
		return false
	}
	return true
}

func (s *Store) ListPaymentMethods(_ context.Context, storeID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]struct{}{}
	methods := make([]string, 0, 8)
	for _, sale := range s.salesByID {
		if sale.StoreID != storeID {
			continue
		}
		method := strings.TrimSpace(sale.PaymentMethod)
		if method == "" {
			continue
		}
		method = titleCase(method)
		if _, ok := seen[method]; ok {
			continue
		}
		seen[method] = struct{}{}
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods, nil
}

// titleCase normalizes payment method labels ("tarjeta de credito" ->
// "Tarjeta De Credito") so the same method recorded with different casing
// collapses into one option.
func titleCase(raw string) string {
	words := strings.Fields(strings.ToLower(raw))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
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

func (s *Store) ListAuditLogs(_ context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for _, entry := range s.auditLogs {
		if entry.StoreID != storeID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
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

func cloneSale(sale *domain.Sale) domain.Sale {
	out := *sale
	out.Lines = make([]domain.SaleLine, len(sale.Lines))
	copy(out.Lines, sale.Lines)
	return out
}
