package service

import (
	"errors"
	"fmt"

	"phyco-order-service/internal/models"
	"phyco-order-service/internal/store"
)

// ValidationError reports a malformed or incomplete request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports a missing order, coupon or variant.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// InsufficientStockError reports the first variant that could not be reserved.
type InsufficientStockError struct {
	VariantID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %d: requested %d, available %d",
		e.VariantID, e.Requested, e.Available)
}

// CouponReason is the machine readable cause of a coupon rejection.
type CouponReason string

const (
	CouponNotFound          CouponReason = "COUPON_NOT_FOUND"
	CouponInactive          CouponReason = "COUPON_INACTIVE"
	CouponNotYetStarted     CouponReason = "COUPON_NOT_YET_STARTED"
	CouponExpired           CouponReason = "COUPON_EXPIRED"
	CouponUsageLimitReached CouponReason = "COUPON_USAGE_LIMIT_REACHED"
	CouponBelowMinimum      CouponReason = "COUPON_BELOW_MINIMUM"
)

var couponMessages = map[CouponReason]string{
	CouponNotFound:          "coupon does not exist",
	CouponInactive:          "coupon is not active",
	CouponNotYetStarted:     "coupon is not valid yet",
	CouponExpired:           "coupon has expired",
	CouponUsageLimitReached: "coupon usage limit reached",
	CouponBelowMinimum:      "order subtotal is below the coupon minimum",
}

// CouponError reports why a coupon cannot be applied. MinAmount is set for
// CouponBelowMinimum.
type CouponError struct {
	Reason    CouponReason
	Code      string
	MinAmount int64
}

func (e *CouponError) Error() string {
	msg := couponMessages[e.Reason]
	if e.Reason == CouponBelowMinimum {
		msg = fmt.Sprintf("%s (%d)", msg, e.MinAmount)
	}
	return fmt.Sprintf("coupon %s: %s", e.Code, msg)
}

// InvalidTransitionError reports a status change the order state machine forbids.
type InvalidTransitionError struct {
	OrderID int64
	From    models.OrderStatus
	To      models.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order %d cannot move from %s to %s", e.OrderID, e.From, e.To)
}

// RequestInFlightError reports a placement whose idempotency key is held by
// another request that has not finished yet.
type RequestInFlightError struct {
	Key string
}

func (e *RequestInFlightError) Error() string {
	return fmt.Sprintf("request with idempotency key %s is already in progress", e.Key)
}

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// persistence wraps err unless it already is a domain error.
func persistence(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		stock      *InsufficientStockError
		coupon     *CouponError
		transition *InvalidTransitionError
		inFlight   *RequestInFlightError
		persisted  *PersistenceError
	)
	return errors.As(err, &validation) ||
		errors.As(err, &notFound) ||
		errors.As(err, &stock) ||
		errors.As(err, &coupon) ||
		errors.As(err, &transition) ||
		errors.As(err, &inFlight) ||
		errors.As(err, &persisted)
}

// isPersistenceFailure reports whether err came from the store rather than
// from a business rule.
func isPersistenceFailure(err error) bool {
	var persisted *PersistenceError
	return errors.As(err, &persisted) || !isDomainError(err)
}

// lookup turns store.ErrNotFound into a NotFoundError for entity and wraps
// anything else as a persistence failure.
func lookup(entity, key string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Entity: entity, Key: key}
	}
	return persistence("load "+entity, err)
}

// failureReason is the metric label for a rejected operation.
func failureReason(err error) string {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		stock      *InsufficientStockError
		coupon     *CouponError
		transition *InvalidTransitionError
		inFlight   *RequestInFlightError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &stock):
		return "insufficient_stock"
	case errors.As(err, &coupon):
		return "coupon"
	case errors.As(err, &transition):
		return "invalid_transition"
	case errors.As(err, &inFlight):
		return "in_flight"
	default:
		return "persistence"
	}
}
