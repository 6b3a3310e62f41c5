package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lojix/promo-engine/internal/domain/promotion"
)

// promotionResponse is the wire representation of a promotion.
type promotionResponse struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	Type                 string     `json:"type"`
	DiscountValue        float64    `json:"discountValue"`
	MaxDiscountAmount    float64    `json:"maxDiscountAmount,omitempty"`
	Code                 string     `json:"code,omitempty"`
	IsCouponRequired     bool       `json:"isCouponRequired"`
	StartDate            time.Time  `json:"startDate"`
	EndDate              *time.Time `json:"endDate,omitempty"`
	IsActive             bool       `json:"isActive"`
	UsageLimit           int        `json:"usageLimit,omitempty"`
	UsageLimitPerUser    int        `json:"usageLimitPerUser,omitempty"`
	UsageCount           int        `json:"usageCount"`
	MinPurchaseAmount    float64    `json:"minPurchaseAmount,omitempty"`
	MinQuantity          int        `json:"minQuantity,omitempty"`
	ApplicableProductIDs []string   `json:"applicableProductIds,omitempty"`
	ApplicableCategories []string   `json:"applicableCategories,omitempty"`
	ApplicableCompanyIDs []string   `json:"applicableCompanyIds,omitempty"`
	IsFirstPurchaseOnly  bool       `json:"isFirstPurchaseOnly"`
	IsFreeShipping       bool       `json:"isFreeShipping"`
	CanStackWithOthers   bool       `json:"canStackWithOthers"`
	Priority             int        `json:"priority"`
	BuyQuantity          int        `json:"buyQuantity,omitempty"`
	GetQuantity          int        `json:"getQuantity,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

func toPromotionResponse(p *promotion.Promotion) promotionResponse {
	return promotionResponse{
		ID:                   p.ID,
		Name:                 p.Name,
		Description:          p.Description,
		Type:                 string(p.Type),
		DiscountValue:        p.DiscountValue.InexactFloat64(),
		MaxDiscountAmount:    p.MaxDiscountAmount.InexactFloat64(),
		Code:                 p.Code,
		IsCouponRequired:     p.CouponRequired,
		StartDate:            p.StartDate,
		EndDate:              p.EndDate,
		IsActive:             p.Active,
		UsageLimit:           p.UsageLimit,
		UsageLimitPerUser:    p.UsageLimitPerUser,
		UsageCount:           p.UsageCount,
		MinPurchaseAmount:    p.MinPurchaseAmount.InexactFloat64(),
		MinQuantity:          p.MinQuantity,
		ApplicableProductIDs: p.ApplicableProductIDs,
		ApplicableCategories: p.ApplicableCategories,
		ApplicableCompanyIDs: p.ApplicableCompanyIDs,
		IsFirstPurchaseOnly:  p.FirstPurchaseOnly,
		IsFreeShipping:       p.FreeShipping,
		CanStackWithOthers:   p.Stackable,
		Priority:             p.Priority,
		BuyQuantity:          p.BuyQuantity,
		GetQuantity:          p.GetQuantity,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
}

// promotionRequest carries the writable promotion fields. All fields are
// optional pointers so the same shape serves partial updates.
type promotionRequest struct {
	Name                 *string    `json:"name"`
	Description          *string    `json:"description"`
	Type                 *string    `json:"type"`
	DiscountValue        *float64   `json:"discountValue"`
	MaxDiscountAmount    *float64   `json:"maxDiscountAmount"`
	Code                 *string    `json:"code"`
	IsCouponRequired     *bool      `json:"isCouponRequired"`
	StartDate            *time.Time `json:"startDate"`
	EndDate              *time.Time `json:"endDate"`
	IsActive             *bool      `json:"isActive"`
	UsageLimit           *int       `json:"usageLimit"`
	UsageLimitPerUser    *int       `json:"usageLimitPerUser"`
	MinPurchaseAmount    *float64   `json:"minPurchaseAmount"`
	MinQuantity          *int       `json:"minQuantity"`
	ApplicableProductIDs *[]string  `json:"applicableProductIds"`
	ApplicableCategories *[]string  `json:"applicableCategories"`
	ApplicableCompanyIDs *[]string  `json:"applicableCompanyIds"`
	IsFirstPurchaseOnly  *bool      `json:"isFirstPurchaseOnly"`
	IsFreeShipping       *bool      `json:"isFreeShipping"`
	CanStackWithOthers   *bool      `json:"canStackWithOthers"`
	Priority             *int       `json:"priority"`
	BuyQuantity          *int       `json:"buyQuantity"`
	GetQuantity          *int       `json:"getQuantity"`
}

// overlay applies the request's set fields onto p.
func (req *promotionRequest) overlay(p *promotion.Promotion) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setMoney := func(dst *decimal.Decimal, src *float64) {
		if src != nil {
			*dst = decimal.NewFromFloat(*src)
		}
	}

	setString(&p.Name, req.Name)
	setString(&p.Description, req.Description)
	if req.Type != nil {
		p.Type = promotion.Type(*req.Type)
	}
	setMoney(&p.DiscountValue, req.DiscountValue)
	setMoney(&p.MaxDiscountAmount, req.MaxDiscountAmount)
	setString(&p.Code, req.Code)
	setBool(&p.CouponRequired, req.IsCouponRequired)
	if req.StartDate != nil {
		p.StartDate = *req.StartDate
	}
	if req.EndDate != nil {
		p.EndDate = req.EndDate
	}
	setBool(&p.Active, req.IsActive)
	setInt(&p.UsageLimit, req.UsageLimit)
	setInt(&p.UsageLimitPerUser, req.UsageLimitPerUser)
	setMoney(&p.MinPurchaseAmount, req.MinPurchaseAmount)
	setInt(&p.MinQuantity, req.MinQuantity)
	if req.ApplicableProductIDs != nil {
		p.ApplicableProductIDs = *req.ApplicableProductIDs
	}
	if req.ApplicableCategories != nil {
		p.ApplicableCategories = *req.ApplicableCategories
	}
	if req.ApplicableCompanyIDs != nil {
		p.ApplicableCompanyIDs = *req.ApplicableCompanyIDs
	}
	setBool(&p.FirstPurchaseOnly, req.IsFirstPurchaseOnly)
	setBool(&p.FreeShipping, req.IsFreeShipping)
	setBool(&p.Stackable, req.CanStackWithOthers)
	setInt(&p.Priority, req.Priority)
	setInt(&p.BuyQuantity, req.BuyQuantity)
	setInt(&p.GetQuantity, req.GetQuantity)
}

func (h *Handler) createPromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Name == nil || *req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if req.Type == nil {
		badRequest(w, "type is required")
		return
	}
	if !promotion.Type(*req.Type).Valid() {
		badRequest(w, "unknown promotion type: "+*req.Type)
		return
	}
	if req.StartDate == nil {
		badRequest(w, "startDate is required")
		return
	}

	p := &promotion.Promotion{Active: true}
	req.overlay(p)

	created, err := h.promotions.Create(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPromotionResponse(created))
}

func (h *Handler) updatePromotion(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Type != nil && !promotion.Type(*req.Type).Valid() {
		badRequest(w, "unknown promotion type: "+*req.Type)
		return
	}

	existing, err := h.promotions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	updated := *existing
	req.overlay(&updated)

	result, err := h.promotions.Update(r.Context(), &updated)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromotionResponse(result))
}

func (h *Handler) deletePromotion(w http.ResponseWriter, r *http.Request) {
	if err := h.promotions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// promotionDetailResponse extends the promotion with stats and recent usages.
type promotionDetailResponse struct {
	promotionResponse
	Stats        statsResponse   `json:"stats"`
	RecentUsages []usageResponse `json:"recentUsages"`
}

type statsResponse struct {
	TotalUses             int     `json:"totalUses"`
	TotalDiscountGiven    float64 `json:"totalDiscountGiven"`
	UniqueUsers           int     `json:"uniqueUsers"`
	AverageDiscountPerUse float64 `json:"averageDiscountPerUse"`
}

type usageResponse struct {
	ID              string    `json:"id"`
	PromotionID     string    `json:"promotionId"`
	UserID          string    `json:"userId"`
	OrderID         string    `json:"orderId"`
	DiscountApplied float64   `json:"discountApplied"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toStatsResponse(s *promotion.Stats) statsResponse {
	return statsResponse{
		TotalUses:             s.TotalUses,
		TotalDiscountGiven:    s.TotalDiscountGiven.InexactFloat64(),
		UniqueUsers:           s.UniqueUsers,
		AverageDiscountPerUse: s.AverageDiscount.InexactFloat64(),
	}
}

func toUsageResponse(u promotion.Usage) usageResponse {
	return usageResponse{
		ID:              u.ID,
		PromotionID:     u.PromotionID,
		UserID:          u.UserID,
		OrderID:         u.OrderID,
		DiscountApplied: u.DiscountApplied.InexactFloat64(),
		CreatedAt:       u.CreatedAt,
	}
}

func (h *Handler) getPromotion(w http.ResponseWriter, r *http.Request) {
	detail, err := h.promotions.Detail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	usages := make([]usageResponse, len(detail.RecentUsages))
	for i, u := range detail.RecentUsages {
		usages[i] = toUsageResponse(u)
	}
	writeJSON(w, http.StatusOK, promotionDetailResponse{
		promotionResponse: toPromotionResponse(detail.Promotion),
		Stats:             toStatsResponse(detail.Stats),
		RecentUsages:      usages,
	})
}

func (h *Handler) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.promotions.Stats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsResponse(stats))
}

func (h *Handler) findByCode(w http.ResponseWriter, r *http.Request) {
	p, err := h.promotions.FindByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPromotionResponse(p))
}

// listResponse pages promotion listings.
type listResponse struct {
	Promotions []promotionResponse `json:"promotions"`
	Pagination paginationResponse  `json:"pagination"`
}

type paginationResponse struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

func (h *Handler) listPromotions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := promotion.ListFilter{
		Type:         promotion.Type(q.Get("type")),
		ActiveOnly:   q.Get("activeOnly") == "true",
		ValidOnly:    q.Get("validOnly") == "true",
		WithCodeOnly: q.Get("withCodeOnly") == "true",
		CompanyID:    q.Get("companyId"),
		Search:       q.Get("search"),
		Sort:         promotion.SortBy(q.Get("sortBy")),
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 10
	}

	promos, total, err := h.promotions.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]promotionResponse, len(promos))
	for i := range promos {
		items[i] = toPromotionResponse(&promos[i])
	}
	writeJSON(w, http.StatusOK, listResponse{
		Promotions: items,
		Pagination: paginationResponse{
			Total:      total,
			Page:       filter.Page,
			Limit:      filter.Limit,
			TotalPages: (total + filter.Limit - 1) / filter.Limit,
		},
	})
}
