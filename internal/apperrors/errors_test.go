package apperrors

import (
	"errors"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestApperrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "apperrors Suite")
}

var _ = Describe("AppError", func() {
	Context("basic error creation", func() {
		It("creates an error with correct properties", func() {
			err := New(ErrorTypeValidation, "test message")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("implements the error interface", func() {
			err := New(ErrorTypeValidation, "test message")
			Expect(err.Error()).To(Equal("validation: test message"))
		})

		It("includes details in the error string when present", func() {
			err := New(ErrorTypeValidation, "test message").WithDetails("extra info")
			Expect(err.Error()).To(Equal("validation: test message (extra info)"))
		})
	})

	Context("error wrapping", func() {
		It("wraps an underlying error", func() {
			originalErr := errors.New("original error")
			wrapped := Wrap(originalErr, ErrorTypeStorage, "operation failed")

			Expect(wrapped.Type).To(Equal(ErrorTypeStorage))
			Expect(wrapped.Cause).To(Equal(originalErr))
			Expect(wrapped.Unwrap()).To(Equal(originalErr))
			Expect(errors.Is(wrapped, originalErr)).To(BeFalse()) // not a sentinel match
			Expect(errors.Unwrap(wrapped)).To(Equal(originalErr))
		})

		It("formats wrapped errors with arguments", func() {
			originalErr := errors.New("connection refused")
			wrapped := Wrapf(originalErr, ErrorTypeTransientNetwork, "failed to connect to %s:%d", "localhost", 6379)

			Expect(wrapped.Message).To(Equal("failed to connect to localhost:6379"))
			Expect(wrapped.Cause).To(Equal(originalErr))
		})
	})

	Context("Is helper", func() {
		It("matches on the wrapped type through errors.As", func() {
			err := error(New(ErrorTypeQuota, "over quota"))
			Expect(Is(err, ErrorTypeQuota)).To(BeTrue())
			Expect(Is(err, ErrorTypeAuth)).To(BeFalse())
		})

		It("returns false for non-AppError errors", func() {
			Expect(Is(errors.New("plain"), ErrorTypeInternal)).To(BeFalse())
		})
	})

	Describe("status code mapping", func() {
		It("maps every error type to an HTTP status", func() {
			cases := map[ErrorType]int{
				ErrorTypeValidation:       http.StatusBadRequest,
				ErrorTypeAuth:             http.StatusUnauthorized,
				ErrorTypeNotFound:         http.StatusNotFound,
				ErrorTypeConflict:         http.StatusConflict,
				ErrorTypeRateLimit:        http.StatusTooManyRequests,
				ErrorTypeQuota:            http.StatusTooManyRequests,
				ErrorTypeStorage:          http.StatusInternalServerError,
				ErrorTypeTransientNetwork: http.StatusBadGateway,
				ErrorTypeInternal:         http.StatusInternalServerError,
				ErrorTypeRatchet:          http.StatusConflict,
				ErrorTypeSchema:           http.StatusUnprocessableEntity,
				ErrorTypePermanent:        http.StatusUnprocessableEntity,
			}

			for errType, status := range cases {
				Expect(New(errType, "x").StatusCode).To(Equal(status))
			}
		})
	})

	Describe("predefined constructors", func() {
		It("creates a validation error", func() {
			err := NewValidationError("invalid input")
			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("invalid input"))
		})

		It("creates a storage error wrapping the cause", func() {
			cause := errors.New("connection lost")
			err := NewStorageError("insert location", cause)
			Expect(err.Type).To(Equal(ErrorTypeStorage))
			Expect(err.Message).To(ContainSubstring("insert location"))
			Expect(err.Cause).To(Equal(cause))
		})

		It("creates a not-found error", func() {
			err := NewNotFoundError("job")
			Expect(err.Message).To(Equal("job not found"))
		})
	})
})
