package api

import (
	"errors"
	"net/http"

	"phyco-order-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details gin.H  `json:"details,omitempty"`
}

// writeError maps service errors to HTTP responses
func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, body)
}

func errorResponse(err error) (int, errorBody) {
	var (
		validation *service.ValidationError
		notFound   *service.NotFoundError
		stock      *service.InsufficientStockError
		coupon     *service.CouponError
		transition *service.InvalidTransitionError
		inFlight   *service.RequestInFlightError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorBody{
			Error:   validation.Error(),
			Code:    "VALIDATION_ERROR",
			Details: gin.H{"field": validation.Field},
		}
	case errors.As(err, &notFound):
		return http.StatusNotFound, errorBody{
			Error:   notFound.Error(),
			Code:    "NOT_FOUND",
			Details: gin.H{"entity": notFound.Entity, "key": notFound.Key},
		}
	case errors.As(err, &stock):
		return http.StatusBadRequest, errorBody{
			Error: stock.Error(),
			Code:  "INSUFFICIENT_STOCK",
			Details: gin.H{
				"variant_id": stock.VariantID,
				"requested":  stock.Requested,
				"available":  stock.Available,
			},
		}
	case errors.As(err, &coupon):
		details := gin.H{"coupon_code": coupon.Code}
		if coupon.Reason == service.CouponBelowMinimum {
			details["min_amount"] = coupon.MinAmount
		}
		return http.StatusBadRequest, errorBody{
			Error:   coupon.Error(),
			Code:    string(coupon.Reason),
			Details: details,
		}
	case errors.As(err, &transition):
		return http.StatusBadRequest, errorBody{
			Error: transition.Error(),
			Code:  "INVALID_TRANSITION",
			Details: gin.H{
				"order_id": transition.OrderID,
				"from":     transition.From,
				"to":       transition.To,
			},
		}
	case errors.As(err, &inFlight):
		return http.StatusConflict, errorBody{
			Error:   inFlight.Error(),
			Code:    "REQUEST_IN_FLIGHT",
			Details: gin.H{"idempotency_key": inFlight.Key},
		}
	default:
		return http.StatusInternalServerError, errorBody{
			Error: "internal error",
			Code:  "PERSISTENCE_FAILURE",
		}
	}
}
