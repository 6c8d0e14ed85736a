package rest

import (
	"net/http"
	"strings"

	appCtx "github.com/baechuer/advert-service/internal/pkg/context"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

// RequestID propagates or mints a request id. Device firmware often omits it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if rid == "" || len(rid) > 128 {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)

		next.ServeHTTP(w, r.WithContext(appCtx.WithRequestID(r.Context(), rid)))
	})
}
