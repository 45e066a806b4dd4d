package api

import (
	"net/http"
	"strconv"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/service"

	"github.com/gin-gonic/gin"
)

type ownerRequest struct {
	UserID    int64  `json:"user_id" form:"user_id"`
	SessionID string `json:"session_id" form:"session_id"`
}

func (r ownerRequest) identity() models.Identity {
	if r.UserID > 0 {
		return models.UserIdentity(r.UserID)
	}
	return models.GuestIdentity(r.SessionID)
}

type addCartItemRequest struct {
	ownerRequest
	VariantID int64 `json:"variant_id" binding:"required"`
	Quantity  int   `json:"quantity"`
}

type applyCouponRequest struct {
	ownerRequest
	Code string `json:"code" binding:"required"`
}

// queryOwner reads the cart owner from ?user_id= or ?session_id=
func queryOwner(c *gin.Context) (models.Identity, bool) {
	var owner ownerRequest
	if raw := c.Query("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid user_id",
				"code":    "INVALID_REQUEST",
				"details": gin.H{"user_id": raw},
			})
			return models.Identity{}, false
		}
		owner.UserID = id
	}
	owner.SessionID = c.Query("session_id")
	return owner.identity(), true
}

// getCart returns the priced cart of a user or session
func (h *Handler) getCart(c *gin.Context) {
	owner, ok := queryOwner(c)
	if !ok {
		return
	}

	cart, err := h.carts.GetCart(c.Request.Context(), owner)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, cart)
}

// addCartItem adds a variant to the cart
func (h *Handler) addCartItem(c *gin.Context) {
	req := addCartItemRequest{Quantity: 1}
	if !bindJSON(c, &req) {
		return
	}

	line, err := h.carts.AddItem(c.Request.Context(), req.identity(), req.VariantID, req.Quantity)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, line)
}

// clearCart empties the cart
func (h *Handler) clearCart(c *gin.Context) {
	owner, ok := queryOwner(c)
	if !ok {
		return
	}

	if err := h.carts.Clear(c.Request.Context(), owner); err != nil {
		h.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// applyCoupon previews a coupon against the current cart
func (h *Handler) applyCoupon(c *gin.Context) {
	var req applyCouponRequest
	if !bindJSON(c, &req) {
		return
	}

	preview, err := h.carts.PreviewCoupon(c.Request.Context(), req.identity(), req.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, preview)
}

// createCoupon creates a coupon
func (h *Handler) createCoupon(c *gin.Context) {
	var req service.CreateCouponRequest
	if !bindJSON(c, &req) {
		return
	}

	coupon, err := h.coupons.Create(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, coupon)
}

// toggleCoupon flips a coupon between active and inactive
func (h *Handler) toggleCoupon(c *gin.Context) {
	coupon, err := h.coupons.Toggle(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, coupon)
}
