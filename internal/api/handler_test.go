package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cart-service/internal/cartapi"
	"cart-service/internal/models"
	"cart-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubRemote struct {
	mu     sync.Mutex
	items  []models.CartItem
	addErr error
}

func (s *stubRemote) ListItems(ctx context.Context) ([]models.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CartItem(nil), s.items...), nil
}

func (s *stubRemote) AddItem(ctx context.Context, productID string, quantity int) (*models.CartItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return nil, s.addErr
	}
	item := models.CartItem{ServerItemID: "srv-" + productID, ProductID: productID, Quantity: quantity, ProductStatus: models.ProductStatusAvailable}
	s.items = append(s.items, item)
	return &item, nil
}

func (s *stubRemote) UpdateItem(ctx context.Context, itemID string, quantity int) (*models.CartItem, error) {
	return nil, &cartapi.APIError{StatusCode: 404, Message: "Cart item not found"}
}

func (s *stubRemote) RemoveItem(ctx context.Context, itemID string) error { return nil }

func (s *stubRemote) Clear(ctx context.Context) error { return nil }

type memoryLocal struct {
	mu    sync.Mutex
	carts map[string][]models.CartItem
}

func (m *memoryLocal) LoadGuestCart(ctx context.Context, sessionID string) ([]models.CartItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CartItem(nil), m.carts[sessionID]...), nil
}

func (m *memoryLocal) SaveGuestCart(ctx context.Context, sessionID string, items []models.CartItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[sessionID] = append([]models.CartItem(nil), items...)
	return nil
}

func (m *memoryLocal) ClearGuestCart(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, sessionID)
	return nil
}

func setupRouter(remote *stubRemote, checks ...ReadinessCheck) *gin.Engine {
	gin.SetMode(gin.TestMode)
	registry := service.NewRegistry(service.Dependencies{
		Remote: remote,
		Local:  &memoryLocal{carts: make(map[string][]models.CartItem)},
	}, nil, "")

	router := gin.New()
	NewHandler(registry, testSecret, checks...).SetupRoutes(router)
	return router
}

func signedToken(t *testing.T, secret, subject string) string {
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	if subject != "" {
		claims["sub"] = subject
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return raw
}

func perform(router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeCart(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	cart, ok := body["cart"].(map[string]interface{})
	require.True(t, ok, "response has no cart: %s", w.Body.String())
	return cart
}

func TestHealthCheck(t *testing.T) {
	router := setupRouter(&stubRemote{})
	w := perform(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessReportsFailedCheck(t *testing.T) {
	router := setupRouter(&stubRemote{}, ReadinessCheck{
		Name:  "redis",
		Check: func(ctx context.Context) error { return assert.AnError },
	})
	w := perform(router, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestGuestAddPersistsAcrossRequests(t *testing.T) {
	router := setupRouter(&stubRemote{})

	w := perform(router, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"P1","quantity":5,"unitPrice":"2.50","availableStock":3}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	session := w.Header().Get(sessionHeader)
	require.NotEmpty(t, session)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	warnings, ok := body["warnings"].([]interface{})
	require.True(t, ok)
	assert.Len(t, warnings, 1)

	w = perform(router, http.MethodGet, "/api/v1/cart", "", map[string]string{sessionHeader: session})
	require.Equal(t, http.StatusOK, w.Code)
	cart := decodeCart(t, w)
	assert.Equal(t, "guest", cart["mode"])
	assert.Equal(t, float64(3), cart["totalQuantity"])
	assert.Equal(t, "7.5", cart["subtotal"])
	assert.Equal(t, true, cart["canCheckout"])
}

func TestAddUnavailableProductIsRejected(t *testing.T) {
	router := setupRouter(&stubRemote{})
	w := perform(router, http.MethodPost, "/api/v1/cart/items",
		`{"productId":"P1","quantity":1,"productStatus":"Unavailable"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "validation")
}

func TestAddRequiresProductID(t *testing.T) {
	router := setupRouter(&stubRemote{})
	w := perform(router, http.MethodPost, "/api/v1/cart/items", `{"quantity":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(router, http.MethodPost, "/api/v1/cart/items", `{"productId":"P1","quantity":1,"productStatus":"Gone"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInvalidTokenIsUnauthorized(t *testing.T) {
	router := setupRouter(&stubRemote{})
	w := perform(router, http.MethodGet, "/api/v1/cart", "",
		map[string]string{"Authorization": "Bearer " + signedToken(t, "wrong-secret", "user-1")})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = perform(router, http.MethodGet, "/api/v1/cart", "", map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = perform(router, http.MethodGet, "/api/v1/cart", "",
		map[string]string{"Authorization": "Bearer " + signedToken(t, testSecret, "")})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSessionIsNotSharedBetweenUsers(t *testing.T) {
	remote := &stubRemote{items: []models.CartItem{{
		ServerItemID:  "srv-A",
		ProductID:     "ALICE-ITEM",
		Quantity:      1,
		ProductStatus: models.ProductStatusAvailable,
	}}}
	router := setupRouter(remote)
	alice := map[string]string{
		sessionHeader:   "shared-session",
		"Authorization": "Bearer " + signedToken(t, testSecret, "alice"),
	}
	bob := map[string]string{
		sessionHeader:   "shared-session",
		"Authorization": "Bearer " + signedToken(t, testSecret, "bob"),
	}

	w := perform(router, http.MethodGet, "/api/v1/cart", "", alice)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decodeCart(t, w)["totalQuantity"])

	// Bob's server cart is empty.
	remote.mu.Lock()
	remote.items = nil
	remote.mu.Unlock()

	w = perform(router, http.MethodGet, "/api/v1/cart", "", bob)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cart := decodeCart(t, w)
	assert.Equal(t, "member", cart["mode"])
	assert.Empty(t, cart["items"])
	assert.NotContains(t, w.Body.String(), "ALICE-ITEM")

	// A guest presenting the same session id sees neither member cart.
	w = perform(router, http.MethodGet, "/api/v1/cart", "", map[string]string{sessionHeader: "shared-session"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "ALICE-ITEM")
}

func TestLoginMergesGuestCart(t *testing.T) {
	remote := &stubRemote{}
	router := setupRouter(remote)
	headers := map[string]string{sessionHeader: "browser-1"}

	w := perform(router, http.MethodPost, "/api/v1/cart/items", `{"productId":"P1","quantity":2}`, headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	headers["Authorization"] = "Bearer " + signedToken(t, testSecret, "user-1")
	w = perform(router, http.MethodGet, "/api/v1/cart", "", headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cart := decodeCart(t, w)
	assert.Equal(t, "member", cart["mode"])
	assert.Equal(t, float64(2), cart["totalQuantity"])
	require.Len(t, remote.items, 1)
}

func TestRemoteFailureMapsToBadGateway(t *testing.T) {
	remote := &stubRemote{addErr: &cartapi.APIError{StatusCode: 503, Message: "Service unavailable"}}
	router := setupRouter(remote)
	headers := map[string]string{"Authorization": "Bearer " + signedToken(t, testSecret, "user-1")}

	w := perform(router, http.MethodPost, "/api/v1/cart/items", `{"productId":"P1","quantity":1}`, headers)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"upstreamStatus":503`)
}

func TestUpdateRequiresQuantity(t *testing.T) {
	router := setupRouter(&stubRemote{})
	w := perform(router, http.MethodPut, "/api/v1/cart/items/P1", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = perform(router, http.MethodPut, "/api/v1/cart/items/P1", `{"quantity":2}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
