package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/shopspring/decimal"
)

type PaymentResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	OrderID int64           `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// ProcessPayment is a mock settlement: it flips the order's payment status
// from UNPAID to PAID exactly once. A repeated call returns a non-success
// result without touching the order, so double-settlement is impossible.
// The amount is recorded in the result but not verified against the order
// total; a real gateway integration would do that.
func ProcessPayment(ctx context.Context, db *sql.DB, orderID int64, amount decimal.Decimal) (*PaymentResult, error) {
	result := &PaymentResult{OrderID: orderID, Amount: amount}

	err := database.WithRetry(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var status models.PaymentStatus
		err := tx.QueryRowContext(ctx,
			`SELECT payment_status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrOrderNotFound()
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if status != models.PaymentStatusUnpaid {
			result.Success = false
			result.Message = "order already paid or refunded"
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET payment_status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2`,
			models.PaymentStatusPaid, orderID)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}

		result.Success = true
		result.Message = "mock payment successful"
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
