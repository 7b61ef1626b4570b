// Package classify maps raw failures to an error category and a retry decision.
//
// Classification only looks at error metadata: tagged domain errors, typed driver
// errors (pgx, lib/pq, go-redis, gRPC status, net), status codes and message
// patterns. It is deterministic and never depends on retry state.
package classify

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vietddude/aiguard/internal/core/domain"
)

// StatusCoder is implemented by errors carrying an HTTP-like status code.
type StatusCoder interface {
	StatusCode() int
}

// CodeCancelled tags errors caused by the caller cancelling its context.
const CodeCancelled = "CANCELLED"

var nonRetryableStatus = map[int]bool{400: true, 401: true, 403: true, 404: true, 422: true}

// Classify returns the category of err.
func Classify(err error) domain.Category {
	if err == nil {
		return domain.CategoryUnknown
	}
	return Normalize(err).Category
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Normalize(err).Retryable
}

// Normalize converts any failure into a tagged domain error. Tagged errors are
// returned as-is so metadata set at the boundary is never overwritten.
func Normalize(err error) *domain.Error {
	if err == nil {
		return nil
	}
	if de, ok := domain.AsError(err); ok {
		return de
	}

	de := fromTyped(err)
	if de == nil {
		de = fromMessage(err)
	}
	if de.Category.Fatal() || nonRetryableStatus[de.StatusCode] {
		de.Retryable = false
	}
	return de
}

func fromTyped(err error) *domain.Error {
	if errors.Is(err, context.Canceled) {
		// the caller went away; another attempt has nobody to answer
		de := domain.NewError(domain.CategoryUnknown, "request cancelled by caller", err).WithCode(CodeCancelled)
		de.Retryable = false
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.CategoryTimeout, err.Error(), err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fromSQLState(pgErr.Code, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fromSQLState(string(pqErr.Code), err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewError(domain.CategoryValidation, "record not found", err).WithStatus(404)
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, redis.ErrClosed) {
		return domain.NewError(domain.CategoryDatabase, err.Error(), err)
	}
	if errors.Is(err, redis.Nil) {
		return domain.NewError(domain.CategoryValidation, "cache key not found", err).WithStatus(404)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return fromGRPC(st, err)
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return fromStatus(sc.StatusCode(), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return domain.NewError(domain.CategoryTimeout, err.Error(), err)
		}
		return domain.NewError(domain.CategoryNetwork, err.Error(), err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.NewError(domain.CategoryNetwork, err.Error(), err)
	}
	return nil
}

// fromSQLState maps Postgres SQLSTATE codes.
func fromSQLState(code string, err error) *domain.Error {
	switch {
	case code == "23505", code == "23503", code == "23502", strings.HasPrefix(code, "22"):
		// integrity and data exceptions are caller mistakes
		return domain.NewError(domain.CategoryValidation, err.Error(), err).WithCode(code)
	case code == "28000", code == "28P01":
		return domain.NewError(domain.CategoryAuthentication, err.Error(), err).WithCode(code)
	case code == "57014":
		return domain.NewError(domain.CategoryTimeout, err.Error(), err).WithCode(code)
	}
	// 40001 serialization_failure, 40P01 deadlock_detected, 08xxx connection, 53xxx resources
	return domain.NewError(domain.CategoryDatabase, err.Error(), err).WithCode(code)
}

func fromGRPC(st *status.Status, err error) *domain.Error {
	var de *domain.Error
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.NotFound, codes.AlreadyExists:
		de = domain.NewError(domain.CategoryValidation, st.Message(), err)
	case codes.Unauthenticated, codes.PermissionDenied:
		de = domain.NewError(domain.CategoryAuthentication, st.Message(), err)
	case codes.ResourceExhausted:
		de = domain.NewError(domain.CategoryRateLimit, st.Message(), err)
	case codes.DeadlineExceeded:
		de = domain.NewError(domain.CategoryTimeout, st.Message(), err)
	case codes.Unavailable, codes.Aborted:
		de = domain.NewError(domain.CategoryNetwork, st.Message(), err)
	default:
		de = domain.NewError(domain.CategoryAIService, st.Message(), err)
	}
	return de.WithCode(st.Code().String())
}

func fromStatus(code int, err error) *domain.Error {
	var de *domain.Error
	switch {
	case code == 429:
		de = domain.NewError(domain.CategoryRateLimit, err.Error(), err)
	case code == 401 || code == 403:
		de = domain.NewError(domain.CategoryAuthentication, err.Error(), err)
	case code == 408 || code == 504:
		de = domain.NewError(domain.CategoryTimeout, err.Error(), err)
	case code >= 400 && code < 500:
		de = domain.NewError(domain.CategoryValidation, err.Error(), err)
	case code >= 500:
		de = domain.NewError(domain.CategoryAIService, err.Error(), err)
	default:
		de = domain.NewError(domain.CategoryUnknown, err.Error(), err)
	}
	return de.WithStatus(code)
}

// fromMessage falls back to message patterns, mirroring how providers word errors.
func fromMessage(err error) *domain.Error {
	s := strings.ToLower(err.Error())
	has := func(subs ...string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}

	switch {
	case has("circuit open"):
		return domain.NewError(domain.CategoryCircuitOpen, err.Error(), err)
	case has("unauthorized", "authentication", "invalid api key", "forbidden"):
		return domain.NewError(domain.CategoryAuthentication, err.Error(), err)
	case has("429", "rate limit", "too many requests"):
		return domain.NewError(domain.CategoryRateLimit, err.Error(), err).WithStatus(429)
	case has("timed out", "timeout", "deadline exceeded", "etimedout"):
		return domain.NewError(domain.CategoryTimeout, err.Error(), err)
	case has("openai", "insufficient_quota", "context_length_exceeded", "model", "completion"):
		return domain.NewError(domain.CategoryAIService, err.Error(), err)
	case has("database", "sql", "postgres", "deadlock", "redis"):
		return domain.NewError(domain.CategoryDatabase, err.Error(), err)
	case has("network", "econnrefused", "econnreset", "connection refused", "connection reset",
		"no such host", "enotfound", "broken pipe", "eof"):
		return domain.NewError(domain.CategoryNetwork, err.Error(), err)
	case has("validation", "invalid", "required", "malformed input"):
		return domain.NewError(domain.CategoryValidation, err.Error(), err)
	}
	return domain.NewError(domain.CategoryUnknown, err.Error(), err)
}
