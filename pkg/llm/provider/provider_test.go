package provider

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

func TestProvider(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "provider Suite")
}

type fakeProvider struct {
	name    string
	calls   int
	failErr error
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Model() string { return "fake-model" }
func (f *fakeProvider) Authenticated(ctx context.Context) bool {
	return true
}
func (f *fakeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	f.calls++
	if f.failErr != nil {
		return Response{}, f.failErr
	}
	return Response{Text: "ok"}, nil
}

var _ = Describe("registry", func() {
	It("dispatches to the registered factory by name", func() {
		Register("fake-dispatch", func(cfg Config) (Provider, error) {
			return &fakeProvider{name: "fake-dispatch"}, nil
		})

		p, err := New(Config{Name: "fake-dispatch"})
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Name()).To(Equal("fake-dispatch"))
	})

	It("errors on an unknown provider name", func() {
		_, err := New(Config{Name: "does-not-exist"})
		Expect(err).To(HaveOccurred())
		Expect(apperrors.Is(err, apperrors.ErrorTypeValidation)).To(BeTrue())
	})
})

var _ = Describe("breakerProvider", func() {
	It("passes through successful completions", func() {
		inner := &fakeProvider{name: "fake-ok"}
		p := withBreaker(inner)

		resp, err := p.Complete(context.Background(), Request{UserPrompt: "hi"})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Text).To(Equal("ok"))
		Expect(inner.calls).To(Equal(1))
	})

	It("trips open after repeated consecutive failures", func() {
		inner := &fakeProvider{name: "fake-fail", failErr: apperrors.New(apperrors.ErrorTypeTransientNetwork, "boom")}
		p := withBreaker(inner)

		for i := 0; i < 5; i++ {
			_, _ = p.Complete(context.Background(), Request{})
		}

		_, err := p.Complete(context.Background(), Request{})
		Expect(err).To(HaveOccurred())
		Expect(apperrors.Is(err, apperrors.ErrorTypeTransientNetwork)).To(BeTrue())
	})
})

var _ = Describe("typed failure classification", func() {
	It("exposes the five closed failure kinds", func() {
		Expect(ErrRateLimited).To(Equal(apperrors.ErrorTypeRateLimit))
		Expect(ErrQuotaExceeded).To(Equal(apperrors.ErrorTypeQuota))
		Expect(ErrNotAuthenticated).To(Equal(apperrors.ErrorTypeAuth))
		Expect(ErrTransient).To(Equal(apperrors.ErrorTypeTransientNetwork))
		Expect(ErrPermanent).To(Equal(apperrors.ErrorTypePermanent))
	})
})

var _ = Describe("errors.Is passthrough", func() {
	It("retains AppError identity through errors.As", func() {
		wrapped := apperrors.Wrap(errors.New("root cause"), apperrors.ErrorTypeRateLimit, "rate limited")
		Expect(apperrors.Is(wrapped, apperrors.ErrorTypeRateLimit)).To(BeTrue())
	})
})
