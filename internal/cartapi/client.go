package cartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cart-service/internal/models"
	"cart-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// APIError is the normalized failure side of every remote cart call. StatusCode is 0 when the
// request never produced a response.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("cart api unreachable: %s", e.Message)
	}
	return fmt.Sprintf("cart api status %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// envelope is the response shape shared by every endpoint.
type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// remoteItem is the wire form of a member cart line. Listings carry the line id as "id";
// add and update echo it as "serverItemId".
type remoteItem struct {
	ID             string           `json:"id"`
	ServerItemID   string           `json:"serverItemId"`
	ProductID      string           `json:"productId"`
	Quantity       int              `json:"quantity"`
	UnitPrice      decimal.Decimal  `json:"unitPrice"`
	AvailableStock *int             `json:"availableStock"`
	ProductStatus  string           `json:"productStatus"`
	SubTotal       *decimal.Decimal `json:"subTotal"`
}

func (r remoteItem) toModel() (models.CartItem, error) {
	status, err := models.ParseProductStatus(r.ProductStatus)
	if err != nil {
		return models.CartItem{}, err
	}
	return models.CartItem{
		ServerItemID:   r.itemID(),
		ProductID:      r.ProductID,
		Quantity:       r.Quantity,
		UnitPrice:      r.UnitPrice,
		AvailableStock: r.AvailableStock,
		ProductStatus:  status,
		SubTotal:       r.SubTotal,
	}, nil
}

func (r remoteItem) itemID() string {
	if r.ID != "" {
		return r.ID
	}
	return r.ServerItemID
}

type tokenKey struct{}

// WithToken attaches the member's bearer token to outgoing cart calls.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func tokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// Client talks to the remote cart REST API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client with a fixed request timeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  util.GetLogger().Named("cartapi"),
	}
}

// ListItems fetches the member cart.
func (c *Client) ListItems(ctx context.Context) ([]models.CartItem, error) {
	var raw []remoteItem
	if err := c.do(ctx, http.MethodGet, "/cart/items", "/cart/items", nil, &raw); err != nil {
		return nil, err
	}

	items := make([]models.CartItem, 0, len(raw))
	for _, r := range raw {
		item, err := r.toModel()
		if err != nil {
			return nil, &APIError{StatusCode: http.StatusOK, Message: "malformed cart item", Err: err}
		}
		items = append(items, item)
	}
	return items, nil
}

// AddItem adds or merges a product into the member cart and returns the resulting line.
func (c *Client) AddItem(ctx context.Context, productID string, quantity int) (*models.CartItem, error) {
	body := map[string]any{"productId": productID, "quantity": quantity}
	return c.itemCall(ctx, http.MethodPost, "/cart/items", "/cart/items", body)
}

// UpdateItem sets the quantity of a member cart line.
func (c *Client) UpdateItem(ctx context.Context, itemID string, quantity int) (*models.CartItem, error) {
	body := map[string]any{"quantity": quantity}
	return c.itemCall(ctx, http.MethodPut, "/cart/items/"+url.PathEscape(itemID), "/cart/items/{id}", body)
}

// RemoveItem deletes a member cart line.
func (c *Client) RemoveItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, "/cart/items/"+url.PathEscape(itemID), "/cart/items/{id}", nil, nil)
}

// Clear empties the member cart.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/cart/clear", "/cart/clear", nil, nil)
}

func (c *Client) itemCall(ctx context.Context, method, path, endpoint string, body any) (*models.CartItem, error) {
	var raw remoteItem
	if err := c.do(ctx, method, path, endpoint, body, &raw); err != nil {
		return nil, err
	}
	if raw.itemID() == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "response carried no cart item"}
	}
	item, err := raw.toModel()
	if err != nil {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "malformed cart item", Err: err}
	}
	return &item, nil
}

// do performs one call and decodes the envelope value into out when the call succeeds.
func (c *Client) do(ctx context.Context, method, path, endpoint string, body, out any) (err error) {
	ctx, span := util.StartSpan(ctx, "CartAPI "+method+" "+endpoint,
		attribute.String("http.method", method),
		attribute.String("cart.endpoint", endpoint))
	defer span.End()

	start := time.Now()
	status := 0
	defer func() {
		util.RemoteCartLatency.WithLabelValues(method, endpoint, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
		util.RecordError(span, err)
	}()

	var reader io.Reader
	if body != nil {
		payload, mErr := json.Marshal(body)
		if mErr != nil {
			return &APIError{Message: "failed to encode request", Err: mErr}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &APIError{Message: "failed to build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := tokenFrom(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Cart API request failed",
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Error(err))
		return &APIError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var env envelope
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode != http.StatusOK {
				return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
			}
			return &APIError{StatusCode: resp.StatusCode, Message: "malformed response envelope", Err: err}
		}
	}
	if env.StatusCode == 0 {
		env.StatusCode = resp.StatusCode
	}
	status = env.StatusCode

	if env.StatusCode != http.StatusOK {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(env.StatusCode)
		}
		return &APIError{StatusCode: env.StatusCode, Message: msg}
	}

	if out != nil && len(env.Value) > 0 && !bytes.Equal(env.Value, []byte("null")) {
		if err := json.Unmarshal(env.Value, out); err != nil {
			return &APIError{StatusCode: env.StatusCode, Message: "malformed response value", Err: err}
		}
	}
	return nil
}

// StatusOf extracts the upstream status code from err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
