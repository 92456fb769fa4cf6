package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/shopspring/decimal"
)

type PlaceOrderRequest struct {
	Items []OrderItemRequest
}

type OrderItemRequest struct {
	BookID   int64
	Quantity int
}

// OrderFilter narrows admin order searches. Zero values match everything;
// Email is a case-insensitive substring match on the owner's email.
type OrderFilter struct {
	Status        models.OrderStatus
	PaymentStatus models.PaymentStatus
	Email         string
}

func generateOrderNumber() string {
	return "ORD-" + uuid.NewString()
}

const orderColumns = `o.id, o.user_id, u.email, o.order_number, o.order_status, o.payment_status, o.total_amount, o.created_at, o.updated_at, o.version`

func scanOrder(row interface{ Scan(...interface{}) error }, order *models.Order) error {
	return row.Scan(
		&order.ID,
		&order.UserID,
		&order.UserEmail,
		&order.OrderNumber,
		&order.Status,
		&order.PaymentStatus,
		&order.TotalAmount,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
}

// PlaceOrder converts a cart of (book, quantity) lines into a durable order
// for the user identified by email. Stock checks, stock decrements and the
// order insert commit as one serializable transaction: either every line
// succeeds or nothing is written. Every requested book is resolved and
// row-locked in a single bulk query.
func PlaceOrder(ctx context.Context, db *sql.DB, email string, req PlaceOrderRequest) (*models.Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrInvalidOrderState("order must contain at least one line item")
	}
	for _, item := range req.Items {
		if item.Quantity < 1 {
			return nil, ErrInvalidOrderState(fmt.Sprintf("invalid quantity %d for book %d", item.Quantity, item.BookID))
		}
	}

	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var userID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM users WHERE email = $1`, email).Scan(&userID)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrUserNotFound()
			}
			return fmt.Errorf("find user: %w", err)
		}

		var bookIDs []int64
		for _, item := range req.Items {
			bookIDs = append(bookIDs, item.BookID)
		}
		books, err := lockBooksByIDs(ctx, tx, uniqueIDs(bookIDs))
		if err != nil {
			return err
		}

		// Remaining stock is tracked in memory so duplicate lines for the
		// same book accumulate against one on-hand count.
		remaining := make(map[int64]int, len(books))
		for id, book := range books {
			remaining[id] = book.Quantity
		}

		totalAmount := decimal.Zero
		items := make([]models.OrderItem, 0, len(req.Items))
		reserved := make(map[int64]int)

		for _, item := range req.Items {
			book, ok := books[item.BookID]
			if !ok {
				return ErrBookNotFound(item.BookID)
			}
			if remaining[item.BookID] < item.Quantity {
				return ErrOutOfStock(book.Title)
			}
			remaining[item.BookID] -= item.Quantity
			reserved[item.BookID] += item.Quantity

			subtotal := book.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
			totalAmount = totalAmount.Add(subtotal)

			items = append(items, models.OrderItem{
				BookID:    book.ID,
				BookTitle: book.Title,
				Quantity:  item.Quantity,
				UnitPrice: book.Price,
				Subtotal:  subtotal,
			})
		}

		order = &models.Order{
			UserID:        userID,
			UserEmail:     email,
			OrderNumber:   generateOrderNumber(),
			Status:        models.OrderStatusPending,
			PaymentStatus: models.PaymentStatusUnpaid,
			TotalAmount:   totalAmount,
			Version:       1,
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, order_status, payment_status, total_amount, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), 1)
			 RETURNING id, created_at, updated_at`,
			userID, order.OrderNumber, order.Status, order.PaymentStatus, totalAmount).
			Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for i := range items {
			items[i].OrderID = order.ID
			err = tx.QueryRowContext(ctx,
				`INSERT INTO order_items (order_id, book_id, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, NOW())
				 RETURNING id, created_at`,
				order.ID, items[i].BookID, items[i].Quantity, items[i].UnitPrice, items[i].Subtotal).
				Scan(&items[i].ID, &items[i].CreatedAt)
			if err != nil {
				return fmt.Errorf("create order item: %w", err)
			}
		}

		for bookID, quantity := range reserved {
			if err := decrementStock(ctx, tx, bookID, books[bookID].Title, quantity); err != nil {
				return err
			}
		}

		order.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// GetOrder returns an order with its items. Non-admin callers only see
// their own orders; anyone else's order id answers with OrderNotFound so
// that existence is not leaked.
func GetOrder(ctx context.Context, db *sql.DB, id int64, actor Actor) (*models.Order, error) {
	order := &models.Order{}

	query := `
		SELECT ` + orderColumns + `
		FROM orders o
		JOIN users u ON u.id = o.user_id
		WHERE o.id = $1`

	err := scanOrder(db.QueryRowContext(ctx, query, id), order)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrOrderNotFound()
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if !actor.IsAdmin() && !strings.EqualFold(order.UserEmail, actor.Email) {
		return nil, ErrOrderNotFound()
	}

	itemsByOrder, err := loadOrderItems(ctx, db, []int64{id})
	if err != nil {
		return nil, err
	}
	order.Items = itemsByOrder[id]

	return order, nil
}

// CancelOrder cancels a PENDING order and restores the reserved stock of
// every line item. Owners and admins may cancel; other callers get
// OrderNotFound. A cancelled or shipped order cannot be cancelled again.
func CancelOrder(ctx context.Context, db *sql.DB, id int64, actor Actor) error {
	return database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order := &models.Order{}

		query := `
			SELECT ` + orderColumns + `
			FROM orders o
			JOIN users u ON u.id = o.user_id
			WHERE o.id = $1
			FOR UPDATE OF o`

		err := scanOrder(tx.QueryRowContext(ctx, query, id), order)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrOrderNotFound()
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if !actor.IsAdmin() && !strings.EqualFold(order.UserEmail, actor.Email) {
			return ErrOrderNotFound()
		}

		if !order.Status.Cancellable() {
			return ErrInvalidOrderState(fmt.Sprintf("order in state %s cannot be cancelled", order.Status))
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET order_status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2`,
			models.OrderStatusCancelled, id)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}

		itemsByOrder, err := loadOrderItems(ctx, tx, []int64{id})
		if err != nil {
			return err
		}
		for _, item := range itemsByOrder[id] {
			if err := restoreStock(ctx, tx, item.BookID, item.Quantity); err != nil {
				return err
			}
		}

		return nil
	})
}

// UpdateOrderStatus sets the order status. Admin-only; the role check is
// safe to reveal here, unlike ownership. Terminal states admit no further
// transitions.
func UpdateOrderStatus(ctx context.Context, db *sql.DB, id int64, status models.OrderStatus, actor Actor) error {
	if !actor.IsAdmin() {
		return ErrAccessDenied("admin role required to update order status")
	}
	if !status.Valid() {
		return ErrInvalidOrderState(fmt.Sprintf("unknown order status: %s", status))
	}

	return database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var current models.OrderStatus
		err := tx.QueryRowContext(ctx,
			`SELECT order_status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrOrderNotFound()
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if current.Terminal() {
			return ErrInvalidOrderState(fmt.Sprintf("order in terminal state %s cannot change status", current))
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET order_status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2`,
			status, id)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		return nil
	})
}

// ListOrdersForUser returns the target user's orders, newest first. Admins
// may query any email; everyone else is pinned to their own authenticated
// identity regardless of the email argument.
func ListOrdersForUser(ctx context.Context, db *sql.DB, targetEmail string, actor Actor) ([]models.Order, error) {
	if !actor.IsAdmin() {
		targetEmail = actor.Email
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders o
		JOIN users u ON u.id = o.user_id
		WHERE u.email = $1
		ORDER BY o.created_at DESC`

	rows, err := db.QueryContext(ctx, query, targetEmail)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(ctx, db, rows)
}

// ListUserOrdersCursor is the keyset-paginated variant of ListOrdersForUser
// for the caller's own orders.
func ListUserOrdersCursor(ctx context.Context, db *sql.DB, actor Actor, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if limit < 1 || limit > MaxPageSize {
		limit = DefaultPageSize
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders o
		JOIN users u ON u.id = o.user_id
		WHERE u.email = $1
		  AND (o.created_at, o.id) < ($2, $3)
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $4`

	rows, err := db.QueryContext(ctx, query, actor.Email, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(ctx, db, rows)
	if err != nil {
		return nil, err
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// ListAllOrders returns every order in the system. Admin-only.
func ListAllOrders(ctx context.Context, db *sql.DB, actor Actor) ([]models.Order, error) {
	if !actor.IsAdmin() {
		return nil, ErrAccessDenied("admin role required to list all orders")
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders o
		JOIN users u ON u.id = o.user_id
		ORDER BY o.created_at DESC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list all orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(ctx, db, rows)
}

// SearchOrders is the admin-only filtered and paginated order listing.
// Calling it with a zero filter is the plain paged listing.
func SearchOrders(ctx context.Context, db *sql.DB, actor Actor, filter OrderFilter, params PageParams) (*OffsetPage, error) {
	if !actor.IsAdmin() {
		return nil, ErrAccessDenied("admin role required to search orders")
	}

	params = params.Normalize([]string{"id", "created_at", "updated_at", "total_amount"}, "created_at")

	where := `
		WHERE ($1 = '' OR o.order_status = $1)
		  AND ($2 = '' OR o.payment_status = $2)
		  AND ($3 = '' OR u.email ILIKE '%' || $3 || '%')`

	var total int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orders o JOIN users u ON u.id = o.user_id`+where,
		string(filter.Status), string(filter.PaymentStatus), filter.Email).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM orders o
		JOIN users u ON u.id = o.user_id`+where+`
		ORDER BY o.%s %s
		LIMIT $4 OFFSET $5`, params.SortBy, params.direction())

	rows, err := db.QueryContext(ctx, query,
		string(filter.Status), string(filter.PaymentStatus), filter.Email,
		params.Size, params.offset())
	if err != nil {
		return nil, fmt.Errorf("search orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(ctx, db, rows)
	if err != nil {
		return nil, err
	}

	return &OffsetPage{
		Items:      orders,
		Total:      total,
		Page:       params.Page,
		PageSize:   params.Size,
		TotalPages: totalPages(total, params.Size),
	}, nil
}

// loadOrderItems fetches the items of many orders in one query, with book
// titles joined in, instead of one query per order.
func loadOrderItems(ctx context.Context, q dbtx, orderIDs []int64) (map[int64][]models.OrderItem, error) {
	if len(orderIDs) == 0 {
		return map[int64][]models.OrderItem{}, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT oi.id, oi.order_id, oi.book_id, b.title, oi.quantity, oi.unit_price, oi.subtotal, oi.created_at
		 FROM order_items oi
		 JOIN books b ON b.id = oi.book_id
		 WHERE oi.order_id = ANY($1)
		 ORDER BY oi.id`,
		pq.Array(orderIDs))
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	result := make(map[int64][]models.OrderItem)
	for rows.Next() {
		var item models.OrderItem
		err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.BookID,
			&item.BookTitle,
			&item.Quantity,
			&item.UnitPrice,
			&item.Subtotal,
			&item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		result[item.OrderID] = append(result[item.OrderID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return result, nil
}

func collectOrders(ctx context.Context, q dbtx, rows *sql.Rows) ([]models.Order, error) {
	var orders []models.Order
	var ids []int64
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	itemsByOrder, err := loadOrderItems(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = itemsByOrder[orders[i].ID]
	}

	return orders, nil
}
