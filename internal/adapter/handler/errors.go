package handler

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/stall-market/internal/core/domain"
	"github.com/rl1809/stall-market/internal/core/service"
	"github.com/rl1809/stall-market/internal/port"
)

// Checked in order; the first match wins.
var errorCodes = []struct {
	err  error
	http int
	grpc codes.Code
}{
	{service.ErrChargedNotCommitted, http.StatusInternalServerError, codes.Internal},
	{service.ErrDuplicateRequest, http.StatusConflict, codes.AlreadyExists},
	{service.ErrSessionNotFound, http.StatusNotFound, codes.NotFound},
	{service.ErrSessionMismatch, http.StatusForbidden, codes.PermissionDenied},
	{service.ErrBulkPurchase, http.StatusBadRequest, codes.InvalidArgument},
	{service.ErrStallClosed, http.StatusConflict, codes.FailedPrecondition},
	{service.ErrSoldToAnotherBuyer, http.StatusGone, codes.Aborted},
	{service.ErrNoPaymentOption, http.StatusPaymentRequired, codes.FailedPrecondition},
	{service.ErrNegotiationNotFound, http.StatusNotFound, codes.NotFound},
	{service.ErrNegotiationExpired, http.StatusGone, codes.DeadlineExceeded},
	{service.ErrStallChanged, http.StatusConflict, codes.Aborted},
	{service.ErrPaymentOptionDisabled, http.StatusConflict, codes.FailedPrecondition},
	{port.ErrInsufficientFunds, http.StatusPaymentRequired, codes.FailedPrecondition},
	{port.ErrWithdrawalRejected, http.StatusPaymentRequired, codes.FailedPrecondition},
	{port.ErrAccountNotFound, http.StatusNotFound, codes.NotFound},
	{port.ErrNotPresent, http.StatusConflict, codes.FailedPrecondition},
	{port.ErrDeliveryFailed, http.StatusBadGateway, codes.Unavailable},
	{domain.ErrInsufficientStock, http.StatusGone, codes.FailedPrecondition},
	{domain.ErrAlreadyOwned, http.StatusConflict, codes.AlreadyExists},
	{domain.ErrNotOwned, http.StatusConflict, codes.FailedPrecondition},
	{domain.ErrNotOwner, http.StatusForbidden, codes.PermissionDenied},
	{domain.ErrUnauthorized, http.StatusForbidden, codes.PermissionDenied},
	{domain.ErrStallInactive, http.StatusConflict, codes.FailedPrecondition},
	{domain.ErrDescriptorMismatch, http.StatusConflict, codes.Aborted},
	{domain.ErrProductNotFound, http.StatusNotFound, codes.NotFound},
	{domain.ErrPriceOutOfRange, http.StatusBadRequest, codes.InvalidArgument},
	{domain.ErrInvalidQuantity, http.StatusBadRequest, codes.InvalidArgument},
	{domain.ErrStallNotFound, http.StatusNotFound, codes.NotFound},
	{domain.ErrConflict, http.StatusConflict, codes.Aborted},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, codes.DeadlineExceeded},
	{context.Canceled, http.StatusRequestTimeout, codes.Canceled},
}

func httpStatus(err error) int {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.http
		}
	}
	return http.StatusInternalServerError
}

func grpcCode(err error) codes.Code {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.grpc
		}
	}
	return codes.Internal
}
