// Package service holds the application rules: tenant scoping, actor
// authorization, request validation and audit logging. Atomicity of the sale
// operations themselves lives in the store implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bonitoamor/backend/internal/cache"
	"bonitoamor/backend/internal/domain"
	"bonitoamor/backend/internal/store"
	"bonitoamor/backend/internal/totals"
)

// ErrForbidden is returned when the actor's role or store scope does not
// allow the operation.
var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo             store.Repository
	metricsCache     cache.MetricsCache
	logger           *logrus.Logger
	defaultStoreSlug string
	metricsCacheTTL  time.Duration
}

func New(repo store.Repository, metricsCache cache.MetricsCache, logger *logrus.Logger, defaultStoreSlug string, metricsCacheTTL time.Duration) *Service {
	if defaultStoreSlug == "" {
		defaultStoreSlug = "bonito-amor"
	}
	if metricsCache == nil {
		metricsCache = cache.NoopMetricsCache{}
	}
	if logger == nil {
		logger = logrus.New()
	}
	if metricsCacheTTL <= 0 {
		metricsCacheTTL = 60 * time.Second
	}

	return &Service{
		repo:             repo,
		metricsCache:     metricsCache,
		logger:           logger,
		defaultStoreSlug: defaultStoreSlug,
		metricsCacheTTL:  metricsCacheTTL,
	}
}

// resolveStore loads the store for slug and enforces the actor's tenant
// scope. Admins may operate on any store; sellers only on their own.
func (s *Service) resolveStore(ctx context.Context, slug string) (*domain.Store, error) {
	if slug == "" {
		slug = s.defaultStoreSlug
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}
	if actor.Role != domain.RoleAdmin && actor.StoreSlug != "" && actor.StoreSlug != slug {
		return nil, ErrForbidden
	}

	return s.repo.GetStoreBySlug(ctx, slug)
}

func (s *Service) ListProducts(ctx context.Context, storeSlug string) ([]domain.Product, error) {
	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return nil, err
	}
	return s.repo.ListProducts(ctx, st.ID)
}

func (s *Service) GetProductByBarcode(ctx context.Context, storeSlug string, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, store.ErrValidation
	}
	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.GetProductByBarcode(ctx, st.ID, barcode)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, storeSlug string, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, ErrForbidden
	}

	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return domain.Product{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if req.Name == "" {
		return domain.Product{}, store.ErrValidation
	}
	if req.UnitPrice.IsNegative() || req.PurchasePrice.IsNegative() || req.InitialStock < 0 {
		return domain.Product{}, store.ErrValidation
	}
	if req.Barcode == "" {
		req.Barcode = generateBarcode()
	}

	product := domain.Product{
		ID:            "prod-" + uuid.NewString(),
		StoreID:       st.ID,
		Name:          req.Name,
		Description:   strings.TrimSpace(req.Description),
		Barcode:       req.Barcode,
		PurchasePrice: req.PurchasePrice,
		UnitPrice:     req.UnitPrice,
		Stock:         req.InitialStock,
		Size:          strings.TrimSpace(req.Size),
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, st.ID, "product_create", "product", created.ID,
		fmt.Sprintf("name=%s,price=%s,stock=%d", created.Name, created.UnitPrice.StringFixed(2), created.Stock))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, storeSlug string, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Product{}, ErrForbidden
	}

	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProductByID(ctx, st.ID, productID)
	if err != nil {
		return domain.Product{}, err
	}

	if req.Name != nil {
		existing.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		existing.Description = strings.TrimSpace(*req.Description)
	}
	if req.PurchasePrice != nil {
		existing.PurchasePrice = *req.PurchasePrice
	}
	if req.UnitPrice != nil {
		existing.UnitPrice = *req.UnitPrice
	}
	if req.Size != nil {
		existing.Size = strings.TrimSpace(*req.Size)
	}
	if existing.Name == "" || existing.UnitPrice.IsNegative() || existing.PurchasePrice.IsNegative() {
		return domain.Product{}, store.ErrValidation
	}

	saved, err := s.repo.UpdateProduct(ctx, *existing)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, st.ID, "product_update", "product", saved.ID,
		fmt.Sprintf("name=%s,price=%s", saved.Name, saved.UnitPrice.StringFixed(2)))
	return *saved, nil
}

func (s *Service) CreateSale(ctx context.Context, storeSlug string, req domain.SaleCreateRequest) (domain.Sale, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Sale{}, ErrForbidden
	}

	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return domain.Sale{}, err
	}

	if len(req.Lines) == 0 {
		return domain.Sale{}, store.ErrValidation
	}
	if !totals.ValidDiscount(req.DiscountPercent) {
		return domain.Sale{}, store.ErrValidation
	}
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)
	if req.PaymentMethod == "" {
		return domain.Sale{}, store.ErrValidation
	}

	lines := make([]domain.SaleLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.ProductID == "" || line.Quantity < 1 || line.UnitPrice.IsNegative() {
			return domain.Sale{}, store.ErrValidation
		}
		lines = append(lines, domain.SaleLine{
			ProductID:       line.ProductID,
			Quantity:        line.Quantity,
			UnitPriceAtSale: line.UnitPrice,
		})
	}

	sale := domain.Sale{
		StoreID:         st.ID,
		SellerUsername:  actor.Username,
		PaymentMethod:   req.PaymentMethod,
		DiscountPercent: req.DiscountPercent,
		Lines:           lines,
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateMetrics(ctx, st.ID)
	s.logAudit(ctx, st.ID, "sale_create", "sale", created.ID,
		fmt.Sprintf("lines=%d,total=%s,payment=%s", len(created.Lines), created.Total.StringFixed(2), created.PaymentMethod))
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, storeSlug string, saleID string) (domain.Sale, error) {
	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSaleByID(ctx, st.ID, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func (s *Service) ListSales(ctx context.Context, storeSlug string, limit int) ([]domain.Sale, error) {
	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSales(ctx, st.ID, limit)
}

func (s *Service) VoidSale(ctx context.Context, storeSlug string, saleID string) (domain.Sale, error) {
	if saleID == "" {
		return domain.Sale{}, store.ErrValidation
	}
	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return domain.Sale{}, err
	}

	voided, err := s.repo.VoidSale(ctx, st.ID, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateMetrics(ctx, st.ID)
	s.logAudit(ctx, st.ID, "sale_void", "sale", voided.ID, fmt.Sprintf("lines=%d", len(voided.Lines)))
	return *voided, nil
}

func (s *Service) VoidSaleLine(ctx context.Context, storeSlug string, saleID string, lineID string) (domain.Sale, error) {
	if saleID == "" || lineID == "" {
		return domain.Sale{}, store.ErrValidation
	}
	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return domain.Sale{}, err
	}

	sale, err := s.repo.VoidSaleLine(ctx, st.ID, saleID, lineID)
	if err != nil {
		return domain.Sale{}, err
	}

	s.invalidateMetrics(ctx, st.ID)
	detail := fmt.Sprintf("line=%s,total=%s", lineID, sale.Total.StringFixed(2))
	if sale.Voided {
		detail += ",converged=full_void"
	}
	s.logAudit(ctx, st.ID, "sale_line_void", "sale", sale.ID, detail)
	return *sale, nil
}

func (s *Service) GetMetrics(ctx context.Context, storeSlug string, filter domain.MetricsFilter) (domain.SalesMetrics, error) {
	if err := validateMetricsFilter(filter); err != nil {
		return domain.SalesMetrics{}, err
	}

	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return domain.SalesMetrics{}, err
	}

	key := cache.Key(st.ID, filterFingerprint(filter))
	if cached, ok, err := s.metricsCache.Get(ctx, key); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.logger.WithError(err).Warn("metrics cache read failed")
	}

	metrics, err := s.repo.GetSalesMetrics(ctx, st.ID, filter)
	if err != nil {
		return domain.SalesMetrics{}, err
	}

	if err := s.metricsCache.Set(ctx, key, &metrics, s.metricsCacheTTL); err != nil {
		s.logger.WithError(err).Warn("metrics cache write failed")
	}
	return metrics, nil
}

func validateMetricsFilter(filter domain.MetricsFilter) error {
	if filter.Year < 0 || filter.Month < 0 || filter.Day < 0 {
		return store.ErrValidation
	}
	if filter.Month > 12 || filter.Day > 31 {
		return store.ErrValidation
	}
	if filter.Month > 0 && filter.Year == 0 {
		return store.ErrValidation
	}
	if filter.Day > 0 && filter.Month == 0 {
		return store.ErrValidation
	}
	return nil
}

func filterFingerprint(filter domain.MetricsFilter) string {
	return fmt.Sprintf("y%d:m%d:d%d:s%s:p%s",
		filter.Year, filter.Month, filter.Day, filter.Seller, strings.ToLower(filter.PaymentMethod))
}

func (s *Service) ListPaymentMethods(ctx context.Context, storeSlug string) ([]domain.PaymentMethodOption, error) {
	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return nil, err
	}

	methods, err := s.repo.ListPaymentMethods(ctx, st.ID)
	if err != nil {
		return nil, err
	}

	options := make([]domain.PaymentMethodOption, 0, len(methods))
	for _, method := range methods {
		options = append(options, domain.PaymentMethodOption{
			Value: strings.ToLower(strings.ReplaceAll(method, " ", "_")),
			Label: method,
		})
	}
	return options, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeSlug string, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, ErrForbidden
	}

	st, err := s.resolveStore(ctx, storeSlug)
	if err != nil {
		return nil, err
	}

	day := time.Now().UTC()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrValidation
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, st.ID, from, to, limit)
}

func (s *Service) invalidateMetrics(ctx context.Context, storeID string) {
	if err := s.metricsCache.InvalidateStore(ctx, storeID); err != nil {
		s.logger.WithError(err).WithField("store_id", storeID).Warn("metrics cache invalidation failed")
	}
}

func (s *Service) logAudit(ctx context.Context, storeID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		StoreID:       storeID,
		ActorUsername: actor.Username,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action":    action,
			"entity_id": entityID,
		}).Warn("audit log write failed")
	}
}

// generateBarcode derives a 12 digit numeric barcode from a random UUID,
// retrying until the UUID carries enough digit characters.
func generateBarcode() string {
	for {
		var digits strings.Builder
		for _, r := range uuid.NewString() {
			if r >= '0' && r <= '9' {
				digits.WriteRune(r)
			}
		}
		if digits.Len() >= 12 {
			return digits.String()[:12]
		}
	}
}
