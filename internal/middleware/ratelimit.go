package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"
)

// paymentReferenceParams are the query names processors use for the payment
// reference on the return URL.
var paymentReferenceParams = []string{"paymentReference", "paymentId", "token"}

// CallbackRateLimit limits processor redirects per client IP and payment
// reference.
func CallbackRateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP, keyByPaymentReference),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "too many checkout callbacks", "rate_limit")
		}),
	)
}

func keyByPaymentReference(r *http.Request) (string, error) {
	q := r.URL.Query()
	for _, name := range paymentReferenceParams {
		if v := strings.TrimSpace(q.Get(name)); v != "" {
			return v, nil
		}
	}
	return "", nil
}
