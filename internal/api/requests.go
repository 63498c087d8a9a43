package api

import (
	"cart-service/internal/models"
	"cart-service/internal/service"

	"github.com/shopspring/decimal"
)

// AddItemRequest is the body of POST /api/v1/cart/items. The product metadata is what the
// catalog page showed when the shopper clicked add.
type AddItemRequest struct {
	ProductID      string          `json:"productId" binding:"required"`
	Quantity       int             `json:"quantity" binding:"required"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	AvailableStock *int            `json:"availableStock"`
	ProductStatus  string          `json:"productStatus"`
}

func (r AddItemRequest) toInput() (service.AddItemInput, error) {
	status, err := models.ParseProductStatus(r.ProductStatus)
	if err != nil {
		return service.AddItemInput{}, err
	}
	return service.AddItemInput{
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
		Meta: service.ItemMeta{
			UnitPrice:      r.UnitPrice,
			AvailableStock: r.AvailableStock,
			ProductStatus:  status,
		},
	}, nil
}

// UpdateItemRequest is the body of PUT /api/v1/cart/items/:key. Zero removes the line.
type UpdateItemRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}
