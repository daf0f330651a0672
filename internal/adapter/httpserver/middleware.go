package httpserver

import (
	"errors"
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/skill-collectors/guesstimator/internal/adapter/metrics"
	"github.com/skill-collectors/guesstimator/internal/platform/correlation"
	apperrors "github.com/skill-collectors/guesstimator/internal/platform/errors"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := correlation.WithID(c.Request().Context(), correlation.NewID())
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// ErrorHandlingMiddleware renders errors returned by handlers as
// {status, error}. Echo's own HTTP errors pass through untouched. m may be nil.
func ErrorHandlingMiddleware(m *metrics.ErrorMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			return HandleError(c, m, err)
		}
	}
}

// HandleError logs err by kind and writes it as the response.
func HandleError(c echo.Context, m *metrics.ErrorMetrics, err error) error {
	if err == nil {
		return nil
	}

	ctx := c.Request().Context()
	structured := apperrors.As(ctx, err)
	apperrors.Log(ctx, structured,
		"path", c.Request().URL.Path,
		"method", c.Request().Method)
	if m != nil {
		m.Total.WithLabelValues(string(structured.Kind), "http").Inc()
	}

	if err := c.JSON(structured.Status(), structured.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}
