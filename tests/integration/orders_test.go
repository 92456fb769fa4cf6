package integration

import (
	"context"
	"sync"
	"testing"

	"github.com/safar/go-bookstore/internal/models"
	"github.com/safar/go-bookstore/internal/store"
	"github.com/shopspring/decimal"
)

func TestPlaceOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "alice", "alice@example.com")
	book := createTestBook(t, db, "Dune", "978-0441013593", decimal.RequireFromString("10.00"), 5)

	order, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{
			{BookID: book.ID, Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	if order.ID == 0 {
		t.Error("Order ID should not be 0")
	}
	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected status PENDING, got %s", order.Status)
	}
	if order.PaymentStatus != models.PaymentStatusUnpaid {
		t.Errorf("Expected payment status UNPAID, got %s", order.PaymentStatus)
	}

	expectedTotal := decimal.RequireFromString("30.00")
	if !order.TotalAmount.Equal(expectedTotal) {
		t.Errorf("Expected total %s, got %s", expectedTotal, order.TotalAmount)
	}
	if len(order.Items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(order.Items))
	}
	if !order.Items[0].Subtotal.Equal(expectedTotal) {
		t.Errorf("Expected subtotal %s, got %s", expectedTotal, order.Items[0].Subtotal)
	}
	if order.CreatedAt.IsZero() || !order.CreatedAt.Equal(order.UpdatedAt) {
		t.Error("created_at and updated_at should be set together on creation")
	}

	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Quantity != 2 {
		t.Errorf("Expected book quantity 2, got %d", bookAfter.Quantity)
	}
}

func TestPlaceOrderSubtotalSnapshotsPrice(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "bob", "bob@example.com")
	book := createTestBook(t, db, "Hyperion", "978-0553283686", decimal.RequireFromString("12.50"), 10)

	order, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	// Raise the price after placement; the stored subtotal must not move.
	newPrice := decimal.RequireFromString("99.99")
	if _, err := store.PatchBook(ctx, db, book.ID, store.PatchBookRequest{Price: &newPrice}); err != nil {
		t.Fatalf("Patch book: %v", err)
	}

	fetched, err := store.GetOrder(ctx, db, order.ID, customerActor(user.Email))
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}

	expected := decimal.RequireFromString("25.00")
	if !fetched.Items[0].Subtotal.Equal(expected) {
		t.Errorf("Expected snapshotted subtotal %s, got %s", expected, fetched.Items[0].Subtotal)
	}
	if !fetched.TotalAmount.Equal(expected) {
		t.Errorf("Expected total %s, got %s", expected, fetched.TotalAmount)
	}
}

func TestPlaceOrderOutOfStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "carol", "carol@example.com")
	book := createTestBook(t, db, "Neuromancer", "978-0441569595", decimal.RequireFromString("10.00"), 2)

	_, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 5}},
	})
	if !store.IsCode(err, store.CodeOutOfStock) {
		t.Errorf("Expected OUT_OF_STOCK, got: %v", err)
	}

	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Quantity != 2 {
		t.Errorf("Stock should remain unchanged at 2, got %d", bookAfter.Quantity)
	}
}

func TestPlaceOrderPartialFailureRollsBack(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "dave", "dave@example.com")
	inStock := createTestBook(t, db, "Foundation", "978-0553293357", decimal.RequireFromString("8.00"), 10)
	scarce := createTestBook(t, db, "Ubik", "978-0547572291", decimal.RequireFromString("9.00"), 1)

	_, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{
			{BookID: inStock.ID, Quantity: 2},
			{BookID: scarce.ID, Quantity: 3},
		},
	})
	if !store.IsCode(err, store.CodeOutOfStock) {
		t.Fatalf("Expected OUT_OF_STOCK, got: %v", err)
	}

	// The satisfiable line must not have been committed either.
	inStockAfter, err := store.GetBook(ctx, db, inStock.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if inStockAfter.Quantity != 10 {
		t.Errorf("Expected stock 10 after rollback, got %d", inStockAfter.Quantity)
	}
}

func TestPlaceOrderBookNotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "erin", "erin@example.com")

	_, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: 99999, Quantity: 1}},
	})
	if !store.IsCode(err, store.CodeBookNotFound) {
		t.Errorf("Expected BOOK_NOT_FOUND, got: %v", err)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "frank", "frank@example.com")
	book := createTestBook(t, db, "Solaris", "978-0156027601", decimal.RequireFromString("7.00"), 5)

	_, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{})
	if !store.IsCode(err, store.CodeInvalidOrderState) {
		t.Errorf("Expected INVALID_ORDER_STATE for empty cart, got: %v", err)
	}

	_, err = store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 0}},
	})
	if !store.IsCode(err, store.CodeInvalidOrderState) {
		t.Errorf("Expected INVALID_ORDER_STATE for zero quantity, got: %v", err)
	}

	_, err = store.PlaceOrder(ctx, db, "nobody@example.com", store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
	})
	if !store.IsCode(err, store.CodeUserNotFound) {
		t.Errorf("Expected USER_NOT_FOUND, got: %v", err)
	}
}

func TestPlaceOrderDuplicateLinesAccumulate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "gina", "gina@example.com")
	book := createTestBook(t, db, "Anathem", "978-0061474101", decimal.RequireFromString("5.00"), 5)

	// Two lines for the same book totalling more than on-hand must fail as
	// a whole, not pass line by line.
	_, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{
			{BookID: book.ID, Quantity: 3},
			{BookID: book.ID, Quantity: 3},
		},
	})
	if !store.IsCode(err, store.CodeOutOfStock) {
		t.Errorf("Expected OUT_OF_STOCK, got: %v", err)
	}

	order, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{
			{BookID: book.ID, Quantity: 2},
			{BookID: book.ID, Quantity: 3},
		},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("Expected total 25.00, got %s", order.TotalAmount)
	}

	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Quantity != 0 {
		t.Errorf("Expected stock 0, got %d", bookAfter.Quantity)
	}
}

func TestConcurrentPlacementNeverOversells(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "henry", "henry@example.com")
	book := createTestBook(t, db, "Snow Crash", "978-0553380958", decimal.RequireFromString("10.00"), 20)

	concurrency := 15
	var wg sync.WaitGroup
	results := make(chan error, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
				Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 2}},
			})
			results <- err
		}()
	}

	wg.Wait()
	close(results)

	successCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case store.IsCode(err, store.CodeOutOfStock):
		default:
			// Serialization retries can exhaust under heavy contention;
			// that is a visible failure, never a silent oversell.
			t.Logf("placement failed: %v", err)
		}
	}

	if successCount > 10 {
		t.Errorf("Oversold: %d orders of quantity 2 against stock 20", successCount)
	}

	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Quantity < 0 {
		t.Errorf("Stock must never go negative, got %d", bookAfter.Quantity)
	}
	if bookAfter.Quantity != 20-successCount*2 {
		t.Errorf("Stock accounting broken: %d successes but stock %d", successCount, bookAfter.Quantity)
	}
}

func TestGetOrderOwnershipMasking(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	owner := registerTestUser(t, db, "ivy", "ivy@example.com")
	registerTestUser(t, db, "jack", "jack@example.com")
	book := createTestBook(t, db, "Accelerando", "978-0441014156", decimal.RequireFromString("10.00"), 5)

	order, err := store.PlaceOrder(ctx, db, owner.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	// Owner sees the order.
	if _, err := store.GetOrder(ctx, db, order.ID, customerActor(owner.Email)); err != nil {
		t.Errorf("Owner should see own order: %v", err)
	}

	// Admin sees any order.
	if _, err := store.GetOrder(ctx, db, order.ID, adminActor("admin@example.com")); err != nil {
		t.Errorf("Admin should see any order: %v", err)
	}

	// A stranger gets the same answer as for a nonexistent id.
	_, errStranger := store.GetOrder(ctx, db, order.ID, customerActor("jack@example.com"))
	_, errMissing := store.GetOrder(ctx, db, 99999, customerActor("jack@example.com"))

	if !store.IsCode(errStranger, store.CodeOrderNotFound) {
		t.Errorf("Expected ORDER_NOT_FOUND for stranger, got: %v", errStranger)
	}
	if !store.IsCode(errMissing, store.CodeOrderNotFound) {
		t.Errorf("Expected ORDER_NOT_FOUND for missing id, got: %v", errMissing)
	}
	if errStranger.Error() != errMissing.Error() {
		t.Errorf("Masked responses must be indistinguishable: %q vs %q", errStranger, errMissing)
	}
}

func TestCancelOrderRestoresStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "kate", "kate@example.com")
	book := createTestBook(t, db, "Blindsight", "978-0765319647", decimal.RequireFromString("10.00"), 5)

	order, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	if err := store.CancelOrder(ctx, db, order.ID, customerActor(user.Email)); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Quantity != 5 {
		t.Errorf("Expected stock restored to 5, got %d", bookAfter.Quantity)
	}

	cancelled, err := store.GetOrder(ctx, db, order.ID, customerActor(user.Email))
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	if cancelled.Status != models.OrderStatusCancelled {
		t.Errorf("Expected status CANCELLED, got %s", cancelled.Status)
	}
	if !cancelled.UpdatedAt.After(cancelled.CreatedAt) {
		t.Error("updated_at should be refreshed on cancellation")
	}

	// Cancelling again must fail and must not touch stock a second time.
	err = store.CancelOrder(ctx, db, order.ID, customerActor(user.Email))
	if !store.IsCode(err, store.CodeInvalidOrderState) {
		t.Errorf("Expected INVALID_ORDER_STATE, got: %v", err)
	}

	bookAgain, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAgain.Quantity != 5 {
		t.Errorf("Stock must not change on re-cancel, got %d", bookAgain.Quantity)
	}
}

func TestCancelOrderRules(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	owner := registerTestUser(t, db, "liam", "liam@example.com")
	registerTestUser(t, db, "mona", "mona@example.com")
	book := createTestBook(t, db, "Diaspora", "978-1597805421", decimal.RequireFromString("10.00"), 10)

	order, err := store.PlaceOrder(ctx, db, owner.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	// A stranger cancelling gets ORDER_NOT_FOUND, not ACCESS_DENIED.
	err = store.CancelOrder(ctx, db, order.ID, customerActor("mona@example.com"))
	if !store.IsCode(err, store.CodeOrderNotFound) {
		t.Errorf("Expected ORDER_NOT_FOUND for stranger cancel, got: %v", err)
	}

	// A shipped order is no longer cancellable, even by its owner.
	if err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped, adminActor("admin@example.com")); err != nil {
		t.Fatalf("Update status: %v", err)
	}
	err = store.CancelOrder(ctx, db, order.ID, customerActor(owner.Email))
	if !store.IsCode(err, store.CodeInvalidOrderState) {
		t.Errorf("Expected INVALID_ORDER_STATE for shipped order, got: %v", err)
	}

	// An admin can cancel another user's PENDING order.
	order2, err := store.PlaceOrder(ctx, db, owner.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}
	if err := store.CancelOrder(ctx, db, order2.ID, adminActor("admin@example.com")); err != nil {
		t.Errorf("Admin cancel should succeed: %v", err)
	}
}

func TestUpdateOrderStatus(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "nina", "nina@example.com")
	book := createTestBook(t, db, "Excession", "978-0553575378", decimal.RequireFromString("10.00"), 5)

	order, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}

	// Non-admin may not update status at all.
	err = store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped, customerActor(user.Email))
	if !store.IsCode(err, store.CodeAccessDenied) {
		t.Errorf("Expected ACCESS_DENIED, got: %v", err)
	}

	admin := adminActor("admin@example.com")

	err = store.UpdateOrderStatus(ctx, db, 99999, models.OrderStatusShipped, admin)
	if !store.IsCode(err, store.CodeOrderNotFound) {
		t.Errorf("Expected ORDER_NOT_FOUND, got: %v", err)
	}

	err = store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatus("BOGUS"), admin)
	if !store.IsCode(err, store.CodeInvalidOrderState) {
		t.Errorf("Expected INVALID_ORDER_STATE for bogus status, got: %v", err)
	}

	if err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusDelivered, admin); err != nil {
		t.Fatalf("Update status: %v", err)
	}

	// DELIVERED is terminal.
	err = store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusShipped, admin)
	if !store.IsCode(err, store.CodeInvalidOrderState) {
		t.Errorf("Expected INVALID_ORDER_STATE for terminal order, got: %v", err)
	}
}

func TestListOrdersForUserPinsNonAdmins(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	alice := registerTestUser(t, db, "alice2", "alice2@example.com")
	bob := registerTestUser(t, db, "bob2", "bob2@example.com")
	book := createTestBook(t, db, "Ilium", "978-0380817924", decimal.RequireFromString("10.00"), 20)

	for _, email := range []string{alice.Email, alice.Email, bob.Email} {
		if _, err := store.PlaceOrder(ctx, db, email, store.PlaceOrderRequest{
			Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
		}); err != nil {
			t.Fatalf("Place order for %s: %v", email, err)
		}
	}

	// Bob asking for alice's orders still gets his own.
	orders, err := store.ListOrdersForUser(ctx, db, alice.Email, customerActor(bob.Email))
	if err != nil {
		t.Fatalf("List orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("Expected 1 order, got %d", len(orders))
	}
	if orders[0].UserEmail != bob.Email {
		t.Errorf("Expected bob's order, got %s", orders[0].UserEmail)
	}

	// Admin asking for alice's orders gets alice's.
	orders, err = store.ListOrdersForUser(ctx, db, alice.Email, adminActor("admin@example.com"))
	if err != nil {
		t.Fatalf("List orders: %v", err)
	}
	if len(orders) != 2 {
		t.Errorf("Expected 2 orders for alice, got %d", len(orders))
	}
}

func TestSearchOrders(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	alice := registerTestUser(t, db, "alice3", "alice3@shop.example")
	bob := registerTestUser(t, db, "bob3", "bob3@other.example")
	book := createTestBook(t, db, "Perdido Street Station", "978-0345443021", decimal.RequireFromString("10.00"), 50)

	aliceOrder, err := store.PlaceOrder(ctx, db, alice.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("Place order: %v", err)
	}
	if _, err := store.PlaceOrder(ctx, db, bob.Email, store.PlaceOrderRequest{
		Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
	}); err != nil {
		t.Fatalf("Place order: %v", err)
	}
	if err := store.CancelOrder(ctx, db, aliceOrder.ID, customerActor(alice.Email)); err != nil {
		t.Fatalf("Cancel order: %v", err)
	}

	admin := adminActor("admin@example.com")

	// Non-admin is refused outright.
	if _, err := store.SearchOrders(ctx, db, customerActor(alice.Email), store.OrderFilter{}, store.PageParams{}); !store.IsCode(err, store.CodeAccessDenied) {
		t.Errorf("Expected ACCESS_DENIED, got: %v", err)
	}

	// Filter by status.
	page, err := store.SearchOrders(ctx, db, admin, store.OrderFilter{Status: models.OrderStatusCancelled}, store.PageParams{})
	if err != nil {
		t.Fatalf("Search orders: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("Expected 1 cancelled order, got %d", page.Total)
	}

	// Case-insensitive email substring.
	page, err = store.SearchOrders(ctx, db, admin, store.OrderFilter{Email: "ALICE3"}, store.PageParams{})
	if err != nil {
		t.Fatalf("Search orders: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("Expected 1 order for alice3, got %d", page.Total)
	}

	// Oversized page size is clamped.
	page, err = store.SearchOrders(ctx, db, admin, store.OrderFilter{}, store.PageParams{Size: 10000})
	if err != nil {
		t.Fatalf("Search orders: %v", err)
	}
	if page.PageSize != store.MaxPageSize {
		t.Errorf("Expected page size clamped to %d, got %d", store.MaxPageSize, page.PageSize)
	}

	// Plain admin listing returns everything with items attached.
	all, err := store.ListAllOrders(ctx, db, admin)
	if err != nil {
		t.Fatalf("List all orders: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 orders, got %d", len(all))
	}
	for _, o := range all {
		if len(o.Items) == 0 {
			t.Errorf("Order %d should have items preloaded", o.ID)
		}
	}
}

func TestListUserOrdersCursor(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := registerTestUser(t, db, "oscar", "oscar@example.com")
	book := createTestBook(t, db, "Ringworld", "978-0345333926", decimal.RequireFromString("10.00"), 100)

	for i := 0; i < 15; i++ {
		if _, err := store.PlaceOrder(ctx, db, user.Email, store.PlaceOrderRequest{
			Items: []store.OrderItemRequest{{BookID: book.ID, Quantity: 1}},
		}); err != nil {
			t.Fatalf("Place order %d: %v", i, err)
		}
	}

	page1, err := store.ListUserOrdersCursor(ctx, db, customerActor(user.Email), "", 10)
	if err != nil {
		t.Fatalf("List orders page 1: %v", err)
	}
	if !page1.HasMore {
		t.Error("Page 1 should have more results")
	}
	if page1.NextCursor == "" {
		t.Error("Page 1 should have a next cursor")
	}

	page2, err := store.ListUserOrdersCursor(ctx, db, customerActor(user.Email), page1.NextCursor, 10)
	if err != nil {
		t.Fatalf("List orders page 2: %v", err)
	}
	if page2.HasMore {
		t.Error("Page 2 should not have more results")
	}
}
