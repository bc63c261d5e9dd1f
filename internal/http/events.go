package http

import (
	"errors"
	"net/http"

	"github.com/IKRedHat/webhook-gateway/internal/service/ingest"
	echo "github.com/labstack/echo/v4"
)

// maxBatchItems bounds one publishBatch call; producers with more split
// client-side.
const maxBatchItems = 100

func publishEventHandler(ingestSvc *ingest.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ingest.PublishInput
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		id, err := ingestSvc.Publish(c.Request().Context(), req)
		if err != nil {
			var verr *ingest.ValidationError
			if errors.As(err, &verr) {
				return c.JSON(http.StatusBadRequest, map[string]string{
					"error": verr.Reason,
					"field": verr.Field,
				})
			}
			if errors.Is(err, ingest.ErrSignatureComputation) {
				c.Logger().Errorf("publish %q: %v", req.Type, err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "signature computation failed"})
			}
			c.Logger().Errorf("publish %q: %v", req.Type, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusCreated, map[string]string{"id": id})
	}
}

type batchReq struct {
	Events []ingest.PublishInput `json:"events"`
}

type batchItemResult struct {
	Index  int    `json:"index"`
	Status int    `json:"status"`
	ID     string `json:"id,omitempty"`
	Error  string `json:"error,omitempty"`
	Field  string `json:"field,omitempty"`
}

// publishBatchHandler persists each item independently and always answers
// 207: one malformed item must not abort its neighbours.
func publishBatchHandler(ingestSvc *ingest.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req batchReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if len(req.Events) == 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty batch"})
		}
		if len(req.Events) > maxBatchItems {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "batch too large"})
		}

		results := make([]batchItemResult, 0, len(req.Events))
		for _, r := range ingestSvc.PublishBatch(c.Request().Context(), req.Events) {
			item := batchItemResult{Index: r.Index}
			switch {
			case r.Err == nil:
				item.Status = http.StatusCreated
				item.ID = r.EventID
			default:
				var verr *ingest.ValidationError
				if errors.As(r.Err, &verr) {
					item.Status = http.StatusBadRequest
					item.Error = verr.Reason
					item.Field = verr.Field
				} else {
					c.Logger().Errorf("batch item %d: %v", r.Index, r.Err)
					item.Status = http.StatusInternalServerError
					item.Error = "internal error"
				}
			}
			results = append(results, item)
		}

		return c.JSON(http.StatusMultiStatus, map[string]any{"results": results})
	}
}
