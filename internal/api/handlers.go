package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/commodex/marketplace/internal/auth"
	"github.com/commodex/marketplace/internal/db"
	"github.com/commodex/marketplace/internal/engine"
	"github.com/commodex/marketplace/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Engine      *engine.Engine
	AuthService *auth.AuthService
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, eng *engine.Engine, authService *auth.AuthService) *Handler {
	return &Handler{DB: db, Engine: eng, AuthService: authService}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username     string `json:"username"`
		Email        string `json:"email"`
		Password     string `json:"password"`
		Organization string `json:"organization"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Email, req.Password, req.Organization)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

// Login handles user login; identifier may be username or email
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		// Add user_id to context
		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUserID(r *http.Request) (int, bool) {
	userID, ok := r.Context().Value("user_id").(int)
	return userID, ok
}

func urlParamInt(r *http.Request, name string) (int, error) {
	return strconv.Atoi(chi.URLParam(r, name))
}

// CreateListing creates a new commodity listing owned by the caller
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Quantity         decimal.Decimal `json:"quantity_available"`
		UnitPrice        decimal.Decimal `json:"unit_price"`
		LocationRegion   string          `json:"location_region"`
		ProductionMethod string          `json:"production_method"`
		DeliveryTerms    string          `json:"delivery_terms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	listing, err := h.DB.CreateListing(r.Context(), &models.Listing{
		SellerID:          userID,
		QuantityAvailable: req.Quantity,
		UnitPrice:         req.UnitPrice,
		LocationRegion:    req.LocationRegion,
		ProductionMethod:  req.ProductionMethod,
		DeliveryTerms:     req.DeliveryTerms,
	})
	if err != nil {
		http.Error(w, `{"error": "Failed to create listing"}`, http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(listing)
}

// ListListings returns all active listings
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.DB.ListActiveListings(r.Context())
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve listings"}`, http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []models.Listing{}
	}
	json.NewEncoder(w).Encode(listings)
}

// GetListing returns one listing by id
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	listingID, err := urlParamInt(r, "id")
	if err != nil {
		http.Error(w, `{"error": "Invalid listing ID"}`, http.StatusBadRequest)
		return
	}

	listing, err := h.DB.GetListing(r.Context(), listingID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, `{"error": "Listing not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "Failed to retrieve listing"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(listing)
}

// UpdateListing updates a listing's mutable fields; owner only
func (h *Handler) UpdateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	listingID, err := urlParamInt(r, "id")
	if err != nil {
		http.Error(w, `{"error": "Invalid listing ID"}`, http.StatusBadRequest)
		return
	}

	listing, err := h.DB.GetListing(r.Context(), listingID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, `{"error": "Listing not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "Failed to retrieve listing"}`, http.StatusInternalServerError)
		return
	}
	if listing.SellerID != userID {
		http.Error(w, `{"error": "Not authorized to update this listing"}`, http.StatusForbidden)
		return
	}

	var req struct {
		Quantity         *decimal.Decimal      `json:"quantity_available"`
		UnitPrice        *decimal.Decimal      `json:"unit_price"`
		LocationRegion   *string               `json:"location_region"`
		ProductionMethod *string               `json:"production_method"`
		DeliveryTerms    *string               `json:"delivery_terms"`
		Status           *models.ListingStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Quantity != nil {
		listing.QuantityAvailable = *req.Quantity
	}
	if req.UnitPrice != nil {
		listing.UnitPrice = *req.UnitPrice
	}
	if req.LocationRegion != nil {
		listing.LocationRegion = *req.LocationRegion
	}
	if req.ProductionMethod != nil {
		listing.ProductionMethod = *req.ProductionMethod
	}
	if req.DeliveryTerms != nil {
		listing.DeliveryTerms = *req.DeliveryTerms
	}
	if req.Status != nil {
		listing.Status = *req.Status
	}

	updated, err := h.DB.UpdateListing(r.Context(), listing)
	if err != nil {
		http.Error(w, `{"error": "Failed to update listing"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(updated)
}

// DeleteListing removes a listing; owner only
func (h *Handler) DeleteListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	listingID, err := urlParamInt(r, "id")
	if err != nil {
		http.Error(w, `{"error": "Invalid listing ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.DB.DeleteListing(r.Context(), listingID, userID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, `{"error": "Listing not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "Failed to delete listing"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Listing deleted"})
}

// PlaceOrder persists a pending order and immediately runs the
// matching engine against it. Sell orders must reference a listing
// owned by the caller and fit within its available quantity.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Side       models.Side     `json:"side"`
		ListingID  *int            `json:"listing_id"`
		Quantity   decimal.Decimal `json:"quantity"`
		LimitPrice decimal.Decimal `json:"limit_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	// Validate input
	if !req.Side.Valid() {
		http.Error(w, `{"error": "Side must be 'buy' or 'sell'"}`, http.StatusBadRequest)
		return
	}
	if !req.LimitPrice.IsPositive() || !req.Quantity.IsPositive() {
		http.Error(w, `{"error": "Price and quantity must be positive"}`, http.StatusBadRequest)
		return
	}
	if req.Side == models.SideSell && req.ListingID == nil {
		http.Error(w, `{"error": "Sell orders require a listing_id"}`, http.StatusBadRequest)
		return
	}

	if req.ListingID != nil {
		listing, err := h.DB.GetListing(r.Context(), *req.ListingID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				http.Error(w, `{"error": "Listing not found"}`, http.StatusNotFound)
				return
			}
			http.Error(w, `{"error": "Failed to retrieve listing"}`, http.StatusInternalServerError)
			return
		}
		if req.Side == models.SideSell {
			if listing.SellerID != userID {
				http.Error(w, `{"error": "You can only sell against your own listings"}`, http.StatusForbidden)
				return
			}
			if req.Quantity.GreaterThan(listing.QuantityAvailable) {
				http.Error(w, `{"error": "Sell quantity exceeds available listing quantity"}`, http.StatusBadRequest)
				return
			}
		}
	}

	// Save order to database
	order, err := h.DB.CreateOrder(r.Context(), &models.Order{
		UserID:            userID,
		Side:              req.Side,
		ListingID:         req.ListingID,
		QuantityRemaining: req.Quantity,
		LimitPrice:        req.LimitPrice,
	})
	if err != nil {
		http.Error(w, `{"error": "Failed to create order"}`, http.StatusInternalServerError)
		return
	}

	// Try to match order
	trades, err := h.Engine.AttemptMatch(r.Context(), order.ID)
	if err != nil {
		http.Error(w, `{"error": "Matching failed"}`, http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}

	// Re-read: matching may have updated status and remaining quantity
	order, err = h.DB.GetOrder(r.Context(), order.ID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve order"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"order":  order,
		"trades": trades,
	})
}

// GetUserOrders retrieves the caller's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []models.Order{}
	}
	json.NewEncoder(w).Encode(orders)
}

// GetOrder retrieves one order; visible to its placer and to the
// owner of the listing it targets
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	orderID, err := urlParamInt(r, "id")
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	order, err := h.DB.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, `{"error": "Order not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "Failed to retrieve order"}`, http.StatusInternalServerError)
		return
	}

	if order.UserID != userID {
		allowed := false
		if order.ListingID != nil {
			listing, err := h.DB.GetListing(r.Context(), *order.ListingID)
			if err == nil && listing.SellerID == userID {
				allowed = true
			}
		}
		if !allowed {
			http.Error(w, `{"error": "Not authorized to view this order"}`, http.StatusForbidden)
			return
		}
	}
	json.NewEncoder(w).Encode(order)
}

// CancelOrder cancels a live order owned by the caller
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	orderID, err := urlParamInt(r, "id")
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	if err := h.DB.CancelOrder(r.Context(), orderID, userID); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			http.Error(w, `{"error": "Order not found"}`, http.StatusNotFound)
		case errors.Is(err, db.ErrInvalidState):
			http.Error(w, `{"error": "Order can no longer be cancelled"}`, http.StatusBadRequest)
		default:
			http.Error(w, `{"error": "Failed to cancel order"}`, http.StatusInternalServerError)
		}
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": "Order cancelled"})
}

// GetUserTrades retrieves the caller's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	trades, err := h.DB.GetUserTrades(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve trades"}`, http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	json.NewEncoder(w).Encode(trades)
}

// GetTrade retrieves one trade; visible only to its buyer and seller
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	tradeID, err := urlParamInt(r, "id")
	if err != nil {
		http.Error(w, `{"error": "Invalid trade ID"}`, http.StatusBadRequest)
		return
	}

	trade, err := h.DB.GetTrade(r.Context(), tradeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, `{"error": "Trade not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "Failed to retrieve trade"}`, http.StatusInternalServerError)
		return
	}
	if trade.BuyerID != userID && trade.SellerID != userID {
		http.Error(w, `{"error": "Not authorized to view this trade"}`, http.StatusForbidden)
		return
	}
	json.NewEncoder(w).Encode(trade)
}

// GetListingTrades retrieves trades for a listing; owner only
func (h *Handler) GetListingTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	listingID, err := urlParamInt(r, "id")
	if err != nil {
		http.Error(w, `{"error": "Invalid listing ID"}`, http.StatusBadRequest)
		return
	}

	listing, err := h.DB.GetListing(r.Context(), listingID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, `{"error": "Listing not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error": "Failed to retrieve listing"}`, http.StatusInternalServerError)
		return
	}
	if listing.SellerID != userID {
		http.Error(w, `{"error": "Not authorized to view trades for this listing"}`, http.StatusForbidden)
		return
	}

	trades, err := h.DB.GetListingTrades(r.Context(), listingID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve trades"}`, http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	json.NewEncoder(w).Encode(trades)
}

// GetOrderBook returns the pending bid/ask ladders for a listing
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	listingID, err := urlParamInt(r, "id")
	if err != nil {
		http.Error(w, `{"error": "Invalid listing ID"}`, http.StatusBadRequest)
		return
	}

	book, err := h.Engine.OrderBook(r.Context(), listingID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve order book"}`, http.StatusInternalServerError)
		return
	}
	if book.Bids == nil {
		book.Bids = []models.Order{}
	}
	if book.Asks == nil {
		book.Asks = []models.Order{}
	}
	json.NewEncoder(w).Encode(book)
}
