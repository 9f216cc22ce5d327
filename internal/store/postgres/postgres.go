package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"bonitoamor/backend/internal/domain"
	"bonitoamor/backend/internal/store"
	"bonitoamor/backend/internal/totals"
	"bonitoamor/backend/internal/xid"
)

// serializableAttempts bounds the retry loop for transactions aborted with
// SQLSTATE 40001. Serializable conflicts are expected under concurrent
// checkouts on the same product and are safe to retry from the top.
const serializableAttempts = 3

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

func (s *Store) GetStoreBySlug(ctx context.Context, slug string) (*domain.Store, error) {
	var st domain.Store
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, COALESCE(description, '')
		FROM stores
		WHERE slug = $1
	`, slug).Scan(&st.ID, &st.Name, &st.Slug, &st.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, name, COALESCE(description, ''), barcode,
			purchase_price, unit_price, stock, COALESCE(size, ''), created_at, updated_at
		FROM products
		WHERE store_id = $1
		ORDER BY name
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.StoreID, &p.Name, &p.Description, &p.Barcode,
			&p.PurchasePrice, &p.UnitPrice, &p.Stock, &p.Size, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductByID(ctx context.Context, storeID string, productID string) (*domain.Product, error) {
	return s.getProduct(ctx, storeID, "id", productID)
}

func (s *Store) GetProductByBarcode(ctx context.Context, storeID string, barcode string) (*domain.Product, error) {
	return s.getProduct(ctx, storeID, "barcode", barcode)
}

func (s *Store) getProduct(ctx context.Context, storeID string, column string, value string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, store_id, name, COALESCE(description, ''), barcode,
			purchase_price, unit_price, stock, COALESCE(size, ''), created_at, updated_at
		FROM products
		WHERE store_id = $1 AND %s = $2
	`, column), storeID, value).Scan(&p.ID, &p.StoreID, &p.Name, &p.Description, &p.Barcode,
		&p.PurchasePrice, &p.UnitPrice, &p.Stock, &p.Size, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.StoreID == "" || product.Name == "" || product.Barcode == "" {
		return nil, store.ErrValidation
	}
	if product.UnitPrice.IsNegative() || product.Stock < 0 {
		return nil, store.ErrValidation
	}

	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.UpdatedAt = product.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, store_id, name, description, barcode, purchase_price, unit_price, stock, size, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, product.ID, product.StoreID, product.Name, nullIfEmpty(product.Description), product.Barcode,
		product.PurchasePrice, product.UnitPrice, product.Stock, nullIfEmpty(product.Size),
		product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.UnitPrice.IsNegative() {
		return nil, store.ErrValidation
	}

	// Stock is never writable here; the ledger owns it.
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $3, description = $4, purchase_price = $5, unit_price = $6, size = $7, updated_at = now()
		WHERE store_id = $1 AND id = $2
	`, product.StoreID, product.ID, product.Name, nullIfEmpty(product.Description),
		product.PurchasePrice, product.UnitPrice, nullIfEmpty(product.Size))
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
	return s.GetProductByID(ctx, product.StoreID, product.ID)
}

func (s *Store) DecrementStock(ctx context.Context, storeID string, productID string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $1, updated_at = now()
		WHERE store_id = $2 AND id = $3 AND stock >= $1
	`, qty, storeID, productID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the product is missing or the guard blocked a negative
		// balance; distinguish for the caller.
		var exists bool
		err := s.db.QueryRowContext(ctx, `
			SELECT true FROM products WHERE store_id = $1 AND id = $2
		`, storeID, productID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		return store.ErrInsufficientStock
	}
	return nil
}

func (s *Store) IncrementStock(ctx context.Context, storeID string, productID string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $1, updated_at = now()
		WHERE store_id = $2 AND id = $3
	`, qty, storeID, productID)
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

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.StoreID == "" || len(sale.Lines) == 0 {
		return nil, store.ErrValidation
	}
	for _, line := range sale.Lines {
		if line.Quantity < 1 || line.UnitPriceAtSale.IsNegative() {
			return nil, store.ErrValidation
		}
	}

	var created *domain.Sale
	err := s.runSerializable(ctx, func(tx *sql.Tx) error {
		out, err := s.createSaleTx(ctx, tx, sale)
		if err != nil {
			return err
		}
		created = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) createSaleTx(ctx context.Context, tx *sql.Tx, sale domain.Sale) (*domain.Sale, error) {
	productIDs := make([]string, 0, len(sale.Lines))
	seen := map[string]struct{}{}
	for _, line := range sale.Lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		productIDs = append(productIDs, line.ProductID)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, stock
		FROM products
		WHERE store_id = $1 AND id = ANY($2)
		FOR UPDATE
	`, sale.StoreID, productIDs)
	if err != nil {
		return nil, err
	}
	type productState struct {
		name  string
		stock int
	}
	states := make(map[string]productState, len(productIDs))
	for rows.Next() {
		var id, name string
		var stock int
		if err := rows.Scan(&id, &name, &stock); err != nil {
			_ = rows.Close()
			return nil, err
		}
		states[id] = productState{name: name, stock: stock}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Voided = false

	for i := range sale.Lines {
		line := &sale.Lines[i]
		state, ok := states[line.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if state.stock < line.Quantity {
			return nil, store.ErrInsufficientStock
		}
		state.stock -= line.Quantity
		states[line.ProductID] = state

		if line.ID == "" {
			line.ID = xid.New("line")
		}
		line.SaleID = sale.ID
		line.Voided = false
		line.ProductName = state.name
		line.Subtotal = totals.Subtotal(line.Quantity, line.UnitPriceAtSale)

		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $1, updated_at = now()
			WHERE store_id = $2 AND id = $3 AND stock >= $1
		`, line.Quantity, sale.StoreID, line.ProductID)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrInsufficientStock
		}
	}

	sale.Total = totals.Total(sale.Lines, sale.DiscountPercent)
	if !totals.Check(sale.Lines, sale.DiscountPercent, sale.Total) {
		return nil, store.ErrConsistency
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sales (id, store_id, seller_username, payment_method, discount_percent, total, voided, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,false,$7)
	`, sale.ID, sale.StoreID, sale.SellerUsername, sale.PaymentMethod, sale.DiscountPercent, sale.Total, sale.CreatedAt)
	if err != nil {
		return nil, err
	}

	for _, line := range sale.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (id, sale_id, product_id, product_name, quantity, unit_price_at_sale, subtotal, voided)
			VALUES ($1,$2,$3,$4,$5,$6,$7,false)
		`, line.ID, sale.ID, line.ProductID, line.ProductName, line.Quantity, line.UnitPriceAtSale, line.Subtotal)
		if err != nil {
			return nil, err
		}
	}

	created := sale
	return &created, nil
}

// GetSaleByID reads the sale row and its lines inside one read-only
// repeatable-read transaction so a void committing between the two
// statements cannot produce a sale whose flags disagree with its lines.
func (s *Store) GetSaleByID(ctx context.Context, storeID string, saleID string) (*domain.Sale, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	sale, err := s.fetchSale(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.StoreID != storeID {
		return nil, store.ErrStoreMismatch
	}
	lines, err := s.fetchLines(ctx, tx, saleID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sale, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx; read helpers take it so
// multi-statement reads can run on a single snapshot.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) fetchSale(ctx context.Context, q querier, saleID string) (*domain.Sale, error) {
	var sale domain.Sale
	err := q.QueryRowContext(ctx, `
		SELECT id, store_id, seller_username, payment_method, discount_percent, total, voided, created_at
		FROM sales
		WHERE id = $1
	`, saleID).Scan(&sale.ID, &sale.StoreID, &sale.SellerUsername, &sale.PaymentMethod,
		&sale.DiscountPercent, &sale.Total, &sale.Voided, &sale.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) fetchLines(ctx context.Context, q querier, saleID string) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price_at_sale, subtotal, voided
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var line domain.SaleLine
		if err := rows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.ProductName,
			&line.Quantity, &line.UnitPriceAtSale, &line.Subtotal, &line.Voided); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ListSales(ctx context.Context, storeID string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 50
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, store_id, seller_username, payment_method, discount_percent, total, voided, created_at
		FROM sales
		WHERE store_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, storeID, limit)
	if err != nil {
		return nil, err
	}

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.StoreID, &sale.SellerUsername, &sale.PaymentMethod,
			&sale.DiscountPercent, &sale.Total, &sale.Voided, &sale.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	// The line fetches reuse the transaction's connection, so the sale rows
	// must be fully drained and closed first.
	_ = rows.Close()

	for i := range sales {
		lines, err := s.fetchLines(ctx, tx, sales[i].ID)
		if err != nil {
			return nil, err
		}
		sales[i].Lines = lines
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) VoidSale(ctx context.Context, storeID string, saleID string) (*domain.Sale, error) {
	err := s.runSerializable(ctx, func(tx *sql.Tx) error {
		var saleStoreID string
		var voided bool
		err := tx.QueryRowContext(ctx, `
			SELECT store_id, voided
			FROM sales
			WHERE id = $1
			FOR UPDATE
		`, saleID).Scan(&saleStoreID, &voided)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if saleStoreID != storeID {
			return store.ErrStoreMismatch
		}
		if voided {
			return store.ErrAlreadyVoided
		}

		lineRows, err := tx.QueryContext(ctx, `
			SELECT product_id, quantity
			FROM sale_lines
			WHERE sale_id = $1 AND voided = false
		`, saleID)
		if err != nil {
			return err
		}
		type restock struct {
			productID string
			qty       int
		}
		restocks := make([]restock, 0, 8)
		for lineRows.Next() {
			var r restock
			if err := lineRows.Scan(&r.productID, &r.qty); err != nil {
				_ = lineRows.Close()
				return err
			}
			restocks = append(restocks, r)
		}
		if err := lineRows.Err(); err != nil {
			_ = lineRows.Close()
			return err
		}
		_ = lineRows.Close()

		for _, r := range restocks {
			_, err := tx.ExecContext(ctx, `
				UPDATE products
				SET stock = stock + $1, updated_at = now()
				WHERE store_id = $2 AND id = $3
			`, r.qty, storeID, r.productID)
			if err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sale_lines SET voided = true WHERE sale_id = $1
		`, saleID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sales SET voided = true, total = 0 WHERE id = $1
		`, saleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetSaleByID(ctx, storeID, saleID)
}

func (s *Store) VoidSaleLine(ctx context.Context, storeID string, saleID string, lineID string) (*domain.Sale, error) {
	err := s.runSerializable(ctx, func(tx *sql.Tx) error {
		var saleStoreID string
		var saleVoided bool
		var discountPercent decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			SELECT store_id, voided, discount_percent
			FROM sales
			WHERE id = $1
			FOR UPDATE
		`, saleID).Scan(&saleStoreID, &saleVoided, &discountPercent)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if saleStoreID != storeID {
			return store.ErrStoreMismatch
		}
		if saleVoided {
			return store.ErrAlreadyVoided
		}

		var productID string
		var quantity int
		var lineVoided bool
		err = tx.QueryRowContext(ctx, `
			SELECT product_id, quantity, voided
			FROM sale_lines
			WHERE sale_id = $1 AND id = $2
		`, saleID, lineID).Scan(&productID, &quantity, &lineVoided)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if lineVoided {
			return store.ErrAlreadyVoided
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock + $1, updated_at = now()
			WHERE store_id = $2 AND id = $3
		`, quantity, storeID, productID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sale_lines SET voided = true WHERE sale_id = $1 AND id = $2
		`, saleID, lineID); err != nil {
			return err
		}

		lineRows, err := tx.QueryContext(ctx, `
			SELECT id, quantity, unit_price_at_sale, subtotal, voided
			FROM sale_lines
			WHERE sale_id = $1
		`, saleID)
		if err != nil {
			return err
		}
		lines := make([]domain.SaleLine, 0, 8)
		for lineRows.Next() {
			var line domain.SaleLine
			if err := lineRows.Scan(&line.ID, &line.Quantity, &line.UnitPriceAtSale, &line.Subtotal, &line.Voided); err != nil {
				_ = lineRows.Close()
				return err
			}
			lines = append(lines, line)
		}
		if err := lineRows.Err(); err != nil {
			_ = lineRows.Close()
			return err
		}
		_ = lineRows.Close()

		total := totals.Total(lines, discountPercent)
		if !totals.Check(lines, discountPercent, total) {
			return store.ErrConsistency
		}

		active := 0
		for _, line := range lines {
			if !line.Voided {
				active++
			}
		}
		if active == 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE sales SET voided = true, total = 0 WHERE id = $1
			`, saleID)
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sales SET total = $2 WHERE id = $1
		`, saleID, total)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetSaleByID(ctx, storeID, saleID)
}

func (s *Store) GetSalesMetrics(ctx context.Context, storeID string, filter domain.MetricsFilter) (domain.SalesMetrics, error) {
	metrics := domain.SalesMetrics{
		StoreID:       storeID,
		TotalRevenue:  decimal.Zero,
		BucketLabel:   filter.BucketLayout(),
		RevenueSeries: []domain.RevenueBucket{},
		TopProducts:   []domain.ProductRanking{},
		BySeller:      []domain.SellerBreakdown{},
		ByPayment:     []domain.PaymentMethodBreakdown{},
	}

	where, args := metricsWhere(storeID, filter)

	// One snapshot for the whole report: a void committing while the
	// report runs must not leave the aggregates disagreeing about the
	// same sale.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return metrics, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total), 0)
		FROM sales
		`+where, args...).Scan(&metrics.TotalRevenue)
	if err != nil {
		return metrics, err
	}

	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(sl.quantity), 0)::bigint
		FROM sale_lines sl
		JOIN sales ON sales.id = sl.sale_id
		`+where+` AND sl.voided = false
	`, args...).Scan(&metrics.TotalUnits)
	if err != nil {
		return metrics, err
	}

	trunc := pgTrunc(filter)
	bucketRows, err := tx.QueryContext(ctx, `
		SELECT to_char(date_trunc('`+trunc+`', created_at), '`+pgBucketFormat(filter)+`') AS bucket,
			COALESCE(SUM(total), 0), COUNT(*)::bigint
		FROM sales
		`+where+`
		GROUP BY bucket
		ORDER BY bucket
	`, args...)
	if err != nil {
		return metrics, err
	}
	for bucketRows.Next() {
		var bucket domain.RevenueBucket
		if err := bucketRows.Scan(&bucket.Bucket, &bucket.Revenue, &bucket.SaleCount); err != nil {
			_ = bucketRows.Close()
			return metrics, err
		}
		metrics.RevenueSeries = append(metrics.RevenueSeries, bucket)
	}
	if err := bucketRows.Err(); err != nil {
		_ = bucketRows.Close()
		return metrics, err
	}
	_ = bucketRows.Close()

	productRows, err := tx.QueryContext(ctx, `
		SELECT sl.product_id, sl.product_name,
			SUM(sl.quantity)::bigint AS units, COALESCE(SUM(sl.subtotal), 0)
		FROM sale_lines sl
		JOIN sales ON sales.id = sl.sale_id
		`+where+` AND sl.voided = false
		GROUP BY sl.product_id, sl.product_name
		ORDER BY units DESC, sl.product_name
		LIMIT 10
	`, args...)
	if err != nil {
		return metrics, err
	}
	for productRows.Next() {
		var ranking domain.ProductRanking
		if err := productRows.Scan(&ranking.ProductID, &ranking.ProductName, &ranking.Quantity, &ranking.Revenue); err != nil {
			_ = productRows.Close()
			return metrics, err
		}
		metrics.TopProducts = append(metrics.TopProducts, ranking)
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return metrics, err
	}
	_ = productRows.Close()

	sellerRows, err := tx.QueryContext(ctx, `
		SELECT seller_username, COALESCE(SUM(total), 0),
			COUNT(*) FILTER (WHERE total > 0)::bigint
		FROM sales
		`+where+`
		GROUP BY seller_username
		ORDER BY 2 DESC
	`, args...)
	if err != nil {
		return metrics, err
	}
	for sellerRows.Next() {
		var row domain.SellerBreakdown
		if err := sellerRows.Scan(&row.Seller, &row.Revenue, &row.SaleCount); err != nil {
			_ = sellerRows.Close()
			return metrics, err
		}
		metrics.BySeller = append(metrics.BySeller, row)
	}
	if err := sellerRows.Err(); err != nil {
		_ = sellerRows.Close()
		return metrics, err
	}
	_ = sellerRows.Close()

	paymentRows, err := tx.QueryContext(ctx, `
		SELECT payment_method, COALESCE(SUM(total), 0),
			COUNT(*) FILTER (WHERE total > 0)::bigint
		FROM sales
		`+where+`
		GROUP BY payment_method
		ORDER BY 2 DESC
	`, args...)
	if err != nil {
		return metrics, err
	}
	for paymentRows.Next() {
		var row domain.PaymentMethodBreakdown
		if err := paymentRows.Scan(&row.PaymentMethod, &row.Revenue, &row.SaleCount); err != nil {
			_ = paymentRows.Close()
			return metrics, err
		}
		metrics.ByPayment = append(metrics.ByPayment, row)
	}
	if err := paymentRows.Err(); err != nil {
		_ = paymentRows.Close()
		return metrics, err
	}
	_ = paymentRows.Close()

	if err := tx.Commit(); err != nil {
		return metrics, err
	}
	return metrics, nil
}

// metricsWhere builds the shared WHERE clause for the metrics queries.
// Voided sales are always excluded; lines keep their own voided guard where
// line-level figures are computed.
func metricsWhere(storeID string, filter domain.MetricsFilter) (string, []any) {
	clauses := []string{"sales.store_id = $1", "sales.voided = false"}
	args := []any{storeID}

	if filter.Year > 0 {
		args = append(args, filter.Year)
		clauses = append(clauses, fmt.Sprintf("EXTRACT(YEAR FROM sales.created_at) = $%d", len(args)))
	}
	if filter.Month > 0 {
		args = append(args, filter.Month)
		clauses = append(clauses, fmt.Sprintf("EXTRACT(MONTH FROM sales.created_at) = $%d", len(args)))
	}
	if filter.Day > 0 {
		args = append(args, filter.Day)
		clauses = append(clauses, fmt.Sprintf("EXTRACT(DAY FROM sales.created_at) = $%d", len(args)))
	}
	if filter.Seller != "" {
		args = append(args, filter.Seller)
		clauses = append(clauses, fmt.Sprintf("sales.seller_username = $%d", len(args)))
	}
	if filter.PaymentMethod != "" {
		args = append(args, filter.PaymentMethod)
		clauses = append(clauses, fmt.Sprintf("LOWER(sales.payment_method) = LOWER($%d)", len(args)))
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func pgTrunc(filter domain.MetricsFilter) string {
	switch {
	case filter.Year > 0 && filter.Month > 0 && filter.Day > 0:
		return "hour"
	case filter.Year > 0 && filter.Month > 0:
		return "day"
	case filter.Year > 0:
		return "month"
	default:
		return "year"
	}
}

func pgBucketFormat(filter domain.MetricsFilter) string {
	switch {
	case filter.Year > 0 && filter.Month > 0 && filter.Day > 0:
		return "YYYY-MM-DD HH24:00"
	case filter.Year > 0 && filter.Month > 0:
		return "YYYY-MM-DD"
	case filter.Year > 0:
		return "YYYY-MM"
	default:
		return "YYYY"
	}
}

func (s *Store) ListPaymentMethods(ctx context.Context, storeID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT payment_method
		FROM sales
		WHERE store_id = $1 AND payment_method <> ''
	`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[string]struct{}{}
	methods := make([]string, 0, 8)
	for rows.Next() {
		var method string
		if err := rows.Scan(&method); err != nil {
			return nil, err
		}
		method = titleCase(method)
		if method == "" {
			continue
		}
		if _, ok := seen[method]; ok {
			continue
		}
		seen[method] = struct{}{}
		methods = append(methods, method)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(methods)
	return methods, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, store_id, actor_username, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.StoreID, entry.ActorUsername, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, storeID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, store_id, actor_username, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE store_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, storeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.ActorUsername, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
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
	if user.Username == "" || user.Password == "" {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, role, store_slug, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.StoreSlug, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrValidation
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, role, store_slug, active, created_at
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
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.StoreSlug, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// runSerializable runs fn inside a serializable transaction, retrying a
// bounded number of times when postgres aborts with a serialization failure.
func (s *Store) runSerializable(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < serializableAttempts; attempt++ {
		err := func() error {
			tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
			if err != nil {
				return err
			}
			defer func() { _ = tx.Rollback() }()

			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit()
		}()
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func titleCase(raw string) string {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
