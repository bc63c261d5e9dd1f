package http

import (
	"net/http"

	"github.com/IKRedHat/webhook-gateway/internal/repository"
	echo "github.com/labstack/echo/v4"
)

// statsHandler aggregates delivery state from MySQL and attempt history
// from the ClickHouse ledger into one operator snapshot.
func statsHandler(devs repository.DeliveriesRepository, attempts repository.AttemptsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		byStatus, err := devs.CountByStatus(ctx)
		if err != nil {
			c.Logger().Errorf("count by status: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		byType, err := devs.CountByEventType(ctx, parseLimit(c, 20, 100))
		if err != nil {
			c.Logger().Errorf("count by event type: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		statuses := make(map[string]int64, len(byStatus))
		for _, sc := range byStatus {
			statuses[sc.Status] = sc.Count
		}
		types := make(map[string]int64, len(byType))
		for _, tc := range byType {
			types[tc.EventType] = tc.Count
		}

		out := map[string]any{
			"deliveries_by_status": statuses,
			"deliveries_by_type":   types,
		}

		// The ledger is best-effort: a degraded ClickHouse must not take
		// the whole endpoint down.
		if ledger, err := attempts.Stats(ctx); err != nil {
			c.Logger().Errorf("attempt stats: %v", err)
		} else {
			out["attempts"] = ledger
		}

		return c.JSON(http.StatusOK, out)
	}
}
