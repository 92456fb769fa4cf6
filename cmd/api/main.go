package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/safar/go-bookstore/internal/config"
	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/safar/go-bookstore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logrus.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	logrus.Info("Connected to database successfully")

	mux := http.NewServeMux()

	mux.HandleFunc("POST /users", handleRegisterUser(db, cfg))
	mux.HandleFunc("GET /users", handleListUsers(db))

	mux.HandleFunc("POST /authors", handleCreateAuthor(db))
	mux.HandleFunc("GET /authors", handleListAuthors(db))

	mux.HandleFunc("POST /books", handleCreateBook(db))
	mux.HandleFunc("GET /books", handleListBooks(db))
	mux.HandleFunc("GET /books/{id}", handleGetBook(db))
	mux.HandleFunc("PUT /books/{id}", handleUpdateBook(db))
	mux.HandleFunc("PATCH /books/{id}", handlePatchBook(db))
	mux.HandleFunc("DELETE /books/{id}", handleDeleteBook(db))

	mux.HandleFunc("POST /orders", handlePlaceOrder(db))
	mux.HandleFunc("GET /orders", handleSearchOrders(db))
	mux.HandleFunc("GET /orders/all", handleListAllOrders(db))
	mux.HandleFunc("GET /orders/my", handleMyOrders(db))
	mux.HandleFunc("GET /orders/user", handleOrdersForUser(db))
	mux.HandleFunc("GET /orders/{id}", handleGetOrder(db))
	mux.HandleFunc("POST /orders/{id}/cancel", handleCancelOrder(db))
	mux.HandleFunc("PATCH /orders/{id}/status", handleUpdateOrderStatus(db))

	mux.HandleFunc("POST /payments", handleProcessPayment(db))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logrus.Infof("Server starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil {
		logrus.Fatalf("Server error: %v", err)
	}
}

// actorFromRequest builds the caller identity from headers set by the
// upstream authentication layer. The gateway has already verified the
// credentials; this service trusts the headers as-is.
func actorFromRequest(r *http.Request) store.Actor {
	var roles []string
	for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return store.Actor{
		Email: r.Header.Get("X-User-Email"),
		Roles: roles,
	}
}

func handleRegisterUser(db *sql.DB, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
			return
		}

		user, err := store.RegisterUser(r.Context(), db, store.RegisterUserRequest{
			Username:   req.Username,
			Email:      req.Email,
			Password:   req.Password,
			BcryptCost: cfg.Auth.BcryptCost,
		})
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, user)
	}
}

func handleListUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !actorFromRequest(r).IsAdmin() {
			respondError(w, http.StatusForbidden, store.CodeAccessDenied, "admin role required", nil)
			return
		}

		result, err := store.ListUsers(r.Context(), db, pageParamsFromRequest(r))
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleCreateAuthor(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !actorFromRequest(r).IsAdmin() {
			respondError(w, http.StatusForbidden, store.CodeAccessDenied, "admin role required", nil)
			return
		}

		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Author name is required", nil)
			return
		}

		author, err := store.CreateAuthor(r.Context(), db, req.Name)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, author)
	}
}

func handleListAuthors(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authors, err := store.ListAuthors(r.Context(), db)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, authors)
	}
}

type bookRequest struct {
	Title       string  `json:"title"`
	Genre       string  `json:"genre"`
	ISBN        string  `json:"isbn"`
	Description string  `json:"description"`
	ImageURL    string  `json:"image_url"`
	Price       float64 `json:"price"`
	Quantity    int     `json:"quantity"`
	AuthorIDs   []int64 `json:"author_ids"`
}

func (b bookRequest) toStore() store.CreateBookRequest {
	return store.CreateBookRequest{
		Title:       b.Title,
		Genre:       b.Genre,
		ISBN:        b.ISBN,
		Description: b.Description,
		ImageURL:    b.ImageURL,
		Price:       decimal.NewFromFloat(b.Price),
		Quantity:    b.Quantity,
		AuthorIDs:   b.AuthorIDs,
	}
}

func handleCreateBook(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !actorFromRequest(r).IsAdmin() {
			respondError(w, http.StatusForbidden, store.CodeAccessDenied, "admin role required", nil)
			return
		}

		var req bookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
			return
		}

		book, err := store.CreateBook(r.Context(), db, req.toStore())
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, book)
	}
}

func handleListBooks(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		title, author, genre := q.Get("title"), q.Get("author"), q.Get("genre")

		var result *store.OffsetPage
		var err error
		if title == "" && author == "" && genre == "" {
			result, err = store.ListBooks(r.Context(), db, pageParamsFromRequest(r))
		} else {
			result, err = store.SearchBooks(r.Context(), db, title, author, genre, pageParamsFromRequest(r))
		}
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetBook(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		book, err := store.GetBook(r.Context(), db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, book)
	}
}

func handleUpdateBook(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !actorFromRequest(r).IsAdmin() {
			respondError(w, http.StatusForbidden, store.CodeAccessDenied, "admin role required", nil)
			return
		}

		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req bookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
			return
		}

		book, err := store.UpdateBook(r.Context(), db, id, req.toStore())
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, book)
	}
}

func handlePatchBook(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !actorFromRequest(r).IsAdmin() {
			respondError(w, http.StatusForbidden, store.CodeAccessDenied, "admin role required", nil)
			return
		}

		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req struct {
			Title       *string  `json:"title"`
			Genre       *string  `json:"genre"`
			Description *string  `json:"description"`
			ImageURL    *string  `json:"image_url"`
			Price       *float64 `json:"price"`
			Quantity    *int     `json:"quantity"`
			AuthorIDs   []int64  `json:"author_ids"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
			return
		}

		patch := store.PatchBookRequest{
			Title:       req.Title,
			Genre:       req.Genre,
			Description: req.Description,
			ImageURL:    req.ImageURL,
			Quantity:    req.Quantity,
			AuthorIDs:   req.AuthorIDs,
		}
		if req.Price != nil {
			price := decimal.NewFromFloat(*req.Price)
			patch.Price = &price
		}

		book, err := store.PatchBook(r.Context(), db, id, patch)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, book)
	}
}

func handleDeleteBook(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !actorFromRequest(r).IsAdmin() {
			respondError(w, http.StatusForbidden, store.CodeAccessDenied, "admin role required", nil)
			return
		}

		id, ok := pathID(w, r)
		if !ok {
			return
		}

		if err := store.DeleteBook(r.Context(), db, id); err != nil {
			respondStoreError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePlaceOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFromRequest(r)
		if actor.Email == "" {
			respondError(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil)
			return
		}

		var req struct {
			Items []struct {
				BookID   int64 `json:"book_id"`
				Quantity int   `json:"quantity"`
			} `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
			return
		}

		var items []store.OrderItemRequest
		for _, item := range req.Items {
			items = append(items, store.OrderItemRequest{
				BookID:   item.BookID,
				Quantity: item.Quantity,
			})
		}

		order, err := store.PlaceOrder(r.Context(), db, actor.Email, store.PlaceOrderRequest{Items: items})
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, order)
	}
}

func handleGetOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		order, err := store.GetOrder(r.Context(), db, id, actorFromRequest(r))
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, order)
	}
}

func handleMyOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFromRequest(r)
		if actor.Email == "" {
			respondError(w, http.StatusUnauthorized, "AUTHENTICATION_REQUIRED", "Authentication required", nil)
			return
		}

		q := r.URL.Query()
		if q.Has("cursor") || q.Has("limit") {
			limit, _ := strconv.Atoi(q.Get("limit"))
			result, err := store.ListUserOrdersCursor(r.Context(), db, actor, q.Get("cursor"), limit)
			if err != nil {
				respondStoreError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, result)
			return
		}

		orders, err := store.ListOrdersForUser(r.Context(), db, actor.Email, actor)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, orders)
	}
}

func handleOrdersForUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFromRequest(r)
		if !actor.IsAdmin() {
			respondError(w, http.StatusForbidden, store.CodeAccessDenied, "admin role required", nil)
			return
		}

		orders, err := store.ListOrdersForUser(r.Context(), db, r.URL.Query().Get("email"), actor)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, orders)
	}
}

func handleListAllOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := store.ListAllOrders(r.Context(), db, actorFromRequest(r))
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, orders)
	}
}

func handleSearchOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.OrderFilter{
			Status:        models.OrderStatus(q.Get("order_status")),
			PaymentStatus: models.PaymentStatus(q.Get("payment_status")),
			Email:         q.Get("email"),
		}

		result, err := store.SearchOrders(r.Context(), db, actorFromRequest(r), filter, pageParamsFromRequest(r))
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleCancelOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		if err := store.CancelOrder(r.Context(), db, id, actorFromRequest(r)); err != nil {
			respondStoreError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleUpdateOrderStatus(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}

		var req struct {
			Status models.OrderStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
			return
		}

		if err := store.UpdateOrderStatus(r.Context(), db, id, req.Status, actorFromRequest(r)); err != nil {
			respondStoreError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleProcessPayment(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrderID int64           `json:"order_id"`
			Amount  decimal.Decimal `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
			return
		}

		result, err := store.ProcessPayment(r.Context(), db, req.OrderID, req.Amount)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid id", nil)
		return 0, false
	}
	return id, true
}

func pageParamsFromRequest(r *http.Request) store.PageParams {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	return store.PageParams{
		Page:     page,
		Size:     size,
		SortBy:   q.Get("sort_by"),
		SortDesc: !strings.EqualFold(q.Get("sort_dir"), "ASC"),
	}
}

type apiError struct {
	ErrorCode string            `json:"error_code"`
	Message   string            `json:"message"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// respondStoreError maps store error codes to HTTP statuses. Anything that
// is not a typed store error is a persistence-level failure and surfaces as
// a generic 500 without leaking internals.
func respondStoreError(w http.ResponseWriter, err error) {
	var storeErr *store.Error
	if !errors.As(err, &storeErr) {
		logrus.WithError(err).Error("request failed")
		respondError(w, http.StatusInternalServerError, "DATA_PERSISTENCE_ERROR", "A data persistence error occurred", nil)
		return
	}

	status := http.StatusInternalServerError
	switch storeErr.Code {
	case store.CodeBookNotFound, store.CodeAuthorNotFound, store.CodeUserNotFound, store.CodeOrderNotFound:
		status = http.StatusNotFound
	case store.CodeBookAlreadyExists, store.CodeAuthorAlreadyExists, store.CodeUserAlreadyExists:
		status = http.StatusConflict
	case store.CodeOutOfStock, store.CodeInvalidOrderState, store.CodeImmutableField:
		status = http.StatusBadRequest
	case store.CodeAccessDenied:
		status = http.StatusForbidden
	}

	respondError(w, status, storeErr.Code, storeErr.Message, storeErr.Fields)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logrus.WithError(err).Error("encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string, fields map[string]string) {
	respondJSON(w, status, apiError{
		ErrorCode: code,
		Message:   message,
		Errors:    fields,
	})
}
