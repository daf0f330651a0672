package httpserver

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	apperrors "github.com/skill-collectors/guesstimator/internal/platform/errors"
)

const (
	rateLimiterExpiry = 5 * time.Minute
	rateLimitedKind   = "rate_limited"
)

// newRateLimiter throttles the REST API per client IP. Denied requests carry
// Retry-After, the time one token takes to refill. m may be nil.
func newRateLimiter(ratePerSecond float64, burst int, m *metrics.ErrorMetrics) echo.MiddlewareFunc {
	retryAfter := "1"
	if ratePerSecond > 0 {
		retryAfter = strconv.Itoa(max(1, int(math.Ceil(1/ratePerSecond))))
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(ratePerSecond),
		Burst:     burst,
		ExpiresIn: rateLimiterExpiry,
	})

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, ip string, _ error) error {
			slog.WarnContext(c.Request().Context(), "API rate limit exceeded", "ip", ip, "path", c.Request().URL.Path)
			if m != nil {
				m.Total.WithLabelValues(rateLimitedKind, "http").Inc()
			}
			c.Response().Header().Set("Retry-After", retryAfter)
			return c.JSON(http.StatusTooManyRequests, apperrors.Response{
				Status: http.StatusTooManyRequests,
				Error:  "rate limit exceeded",
			})
		},
	})
}
