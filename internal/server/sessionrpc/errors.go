package sessionrpc

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flarebyte/redstore/internal/store"
)

// grpcCode maps the store error taxonomy to gRPC status codes.
func grpcCode(err error) codes.Code {
	switch store.Code(err) {
	case "ok":
		return codes.OK
	case "not_found":
		return codes.NotFound
	case "duplicate_name":
		return codes.AlreadyExists
	case "out_of_order_turn", "referential_conflict", "configuration_error":
		return codes.FailedPrecondition
	case "migration_in_progress", "migration_validation_failed":
		return codes.Aborted
	case "backend_unavailable":
		return codes.Unavailable
	case "invalid_argument":
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// toStatus converts err to a gRPC status error. The message starts with the
// store code so JSON clients can match on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	return status.Error(grpcCode(err), store.Code(err)+": "+err.Error())
}
