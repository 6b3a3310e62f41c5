package handler

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/lojix/promo-engine/internal/domain/promotion"
)

type orderItemRequest struct {
	ProductID string  `json:"productId"`
	Category  string  `json:"category"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
}

type validateCouponRequest struct {
	Code       string             `json:"code"`
	UserID     string             `json:"userId"`
	CompanyID  string             `json:"companyId"`
	OrderTotal float64            `json:"orderTotal"`
	OrderItems []orderItemRequest `json:"orderItems"`
}

// promotionSummary is the trimmed promotion shape returned with a quote.
type promotionSummary struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	DiscountValue  float64 `json:"discountValue"`
	IsFreeShipping bool    `json:"isFreeShipping"`
}

type validateCouponResponse struct {
	IsValid        bool             `json:"isValid"`
	Promotion      promotionSummary `json:"promotion"`
	DiscountAmount float64          `json:"discountAmount"`
	FinalTotal     float64          `json:"finalTotal"`
}

func (h *Handler) validateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Code == "" {
		badRequest(w, "code is required")
		return
	}
	if req.UserID == "" {
		badRequest(w, "userId is required")
		return
	}

	quote, err := h.promotions.ValidateCoupon(r.Context(), promotion.ValidateCouponRequest{
		Code:       req.Code,
		UserID:     req.UserID,
		CompanyID:  req.CompanyID,
		OrderTotal: decimal.NewFromFloat(req.OrderTotal),
		Items:      toOrderItems(req.OrderItems),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, validateCouponResponse{
		IsValid: true,
		Promotion: promotionSummary{
			ID:             quote.Promotion.ID,
			Name:           quote.Promotion.Name,
			Type:           string(quote.Promotion.Type),
			DiscountValue:  quote.Promotion.DiscountValue.InexactFloat64(),
			IsFreeShipping: quote.Promotion.FreeShipping,
		},
		DiscountAmount: quote.DiscountAmount.InexactFloat64(),
		FinalTotal:     quote.FinalTotal.InexactFloat64(),
	})
}

type applyRequest struct {
	PromotionID string `json:"promotionId"`
	OrderID     string `json:"orderId"`
	UserID      string `json:"userId"`
}

type applyResponse struct {
	Usage           usageResponse    `json:"usage"`
	Promotion       promotionSummary `json:"promotion"`
	DiscountApplied float64          `json:"discountApplied"`
}

func (h *Handler) applyPromotion(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.PromotionID == "" || req.OrderID == "" || req.UserID == "" {
		badRequest(w, "promotionId, orderId and userId are required")
		return
	}

	res, err := h.promotions.Apply(r.Context(), promotion.ApplyRequest{
		PromotionID: req.PromotionID,
		OrderID:     req.OrderID,
		UserID:      req.UserID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, applyResponse{
		Usage: toUsageResponse(*res.Usage),
		Promotion: promotionSummary{
			ID:             res.Promotion.ID,
			Name:           res.Promotion.Name,
			Type:           string(res.Promotion.Type),
			DiscountValue:  res.Promotion.DiscountValue.InexactFloat64(),
			IsFreeShipping: res.Promotion.FreeShipping,
		},
		DiscountApplied: res.DiscountApplied.InexactFloat64(),
	})
}

func toOrderItems(items []orderItemRequest) []promotion.OrderItem {
	out := make([]promotion.OrderItem, len(items))
	for i, it := range items {
		out[i] = promotion.OrderItem{
			ProductID: it.ProductID,
			Category:  it.Category,
			Quantity:  it.Quantity,
			Price:     decimal.NewFromFloat(it.Price),
		}
	}
	return out
}
