package api

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dealbrain/dealbrain/internal/types"
)

// invalidArgument lists the sentinels a caller can fix by changing the request.
var invalidArgument = []error{
	types.ErrInvalidCondition,
	types.ErrInvalidAction,
	types.ErrInvalidFormula,
	types.ErrInvalidOperator,
	types.ErrInvalidPath,
	types.ErrPathTooDeep,
	types.ErrTooManyWildcards,
	types.ErrTooManyInValues,
	types.ErrCoercionFailed,
	types.ErrInvalidBundle,
	types.ErrHashMismatch,
}

// Code maps a service error to its gRPC code.
// Validation errors map to INVALID_ARGUMENT.
// Missing entities map to NOT_FOUND.
// Concurrent changes map to ABORTED so clients retry.
// Writes to a baseline map to FAILED_PRECONDITION.
// Context timeouts map to DEADLINE_EXCEEDED.
// Anything else is INTERNAL.
func Code(err error) codes.Code {
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return status.Code(err)
	}
	var ve *types.ValidationError
	switch {
	case errors.As(err, &ve):
		return codes.InvalidArgument
	case errors.Is(err, types.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, types.ErrConflict):
		return codes.Aborted
	case errors.Is(err, types.ErrReadOnly):
		return codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	for _, s := range invalidArgument {
		if errors.Is(err, s) {
			return codes.InvalidArgument
		}
	}
	return codes.Internal
}

// ErrorInterceptor converts handler errors to gRPC statuses. Internal
// errors are logged and their detail withheld from the client.
func ErrorInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		code := Code(err)
		if code == codes.Internal {
			logger.Error("request failed", "method", info.FullMethod, "error", err)
			return nil, status.Error(code, "internal error")
		}
		return nil, status.Error(code, err.Error())
	}
}
