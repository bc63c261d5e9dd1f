package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/repository"
	"github.com/IKRedHat/webhook-gateway/internal/service/ingest"
	echo "github.com/labstack/echo/v4"
)

func parseLimit(c echo.Context, def, max int) int {
	limit := def
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= max {
			limit = n
		}
	}
	return limit
}

func listDeliveriesHandler(devs repository.DeliveriesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := parseLimit(c, 50, 1000)
		subID := strings.TrimSpace(c.QueryParam("subscription_id"))

		var st model.DeliveryStatus
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			tmp := model.DeliveryStatus(raw)
			if !tmp.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
			st = tmp
		}

		rows, err := devs.List(c.Request().Context(), subID, st, limit)
		if err != nil {
			c.Logger().Errorf("delivery list: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(rows),
			"results": rows,
		})
	}
}

// pendingDeliveriesHandler lists retrying rows that are due now, the
// operator view of the retry backlog.
func pendingDeliveriesHandler(devs repository.DeliveriesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := parseLimit(c, 50, 1000)

		rows, err := devs.ListDueRetries(c.Request().Context(), time.Now().UTC(), limit)
		if err != nil {
			c.Logger().Errorf("pending list: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(rows),
			"results": rows,
		})
	}
}

func getDeliveryHandler(devs repository.DeliveriesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		d, err := devs.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			c.Logger().Errorf("delivery get: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if d == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "delivery not found"})
		}
		return c.JSON(http.StatusOK, d)
	}
}

func listAttemptsHandler(devs repository.DeliveriesRepository, attempts repository.AttemptsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")

		d, err := devs.Get(c.Request().Context(), id)
		if err != nil {
			c.Logger().Errorf("delivery get: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if d == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "delivery not found"})
		}

		rows, err := attempts.ListByDelivery(c.Request().Context(), id, parseLimit(c, 100, 1000))
		if err != nil {
			c.Logger().Errorf("attempt list: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"delivery_id": id,
			"count":       len(rows),
			"results":     rows,
		})
	}
}

// retryDeliveryHandler grants one more attempt to any delivery that is not
// currently in flight.
func retryDeliveryHandler(ingestSvc *ingest.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		d, err := ingestSvc.RetryDelivery(c.Request().Context(), c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrDeliveryNotFound):
				return c.JSON(http.StatusNotFound, map[string]string{"error": "delivery not found"})
			case errors.Is(err, ingest.ErrDeliveryInFlight):
				return c.JSON(http.StatusConflict, map[string]string{"error": "delivery is in flight"})
			default:
				c.Logger().Errorf("retry delivery: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"id":           d.ID,
			"status":       d.Status,
			"max_attempts": d.MaxAttempts,
		})
	}
}
