package middleware

import (
	"log/slog"
	"net/http"
)

// SessionCounter reports the number of live sessions on this process.
type SessionCounter func() int

// NewConnectionLimiter refuses new upgrades once the process is at its
// configured connection ceiling. Existing connections continue unaffected;
// refused clients are expected to retry against another gateway.
func NewConnectionLimiter(logger *slog.Logger, counter SessionCounter, maxConnections int) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxConnections <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			count := counter()
			if count < maxConnections {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, _ := ReqMetadataFrom(r.Context())
			var ip string
			if reqMeta != nil {
				ip = reqMeta.IP
			}
			logger.Warn("Process connection ceiling reached, refusing upgrade",
				slog.Int("count", count), slog.String("ip", ip))
			http.Error(w, "Capacity Exceeded", http.StatusServiceUnavailable)
		})
	}
}
