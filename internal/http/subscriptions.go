package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/IKRedHat/webhook-gateway/internal/model"
	"github.com/IKRedHat/webhook-gateway/internal/service/ingest"
	"github.com/IKRedHat/webhook-gateway/internal/service/registry"
	echo "github.com/labstack/echo/v4"
)

type subscriptionReq struct {
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	Events    []string   `json:"events"`
	Filters   model.Tags `json:"filters"`
	RateLimit *int       `json:"rate_limit"`
}

// subscriptionWithSecret is the create/rotate response shape: the only two
// places the secret ever appears. Subscription itself never serializes it.
type subscriptionWithSecret struct {
	*model.Subscription
	Secret string `json:"secret"`
}

func registryError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "subscription not found"})
	case errors.Is(err, registry.ErrInvalidURL), errors.Is(err, registry.ErrInvalidEventPattern):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		c.Logger().Errorf("registry: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
	}
}

func createSubscriptionHandler(reg *registry.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req subscriptionReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
		}

		sub, err := reg.Create(c.Request().Context(), registry.CreateInput{
			Name:      req.Name,
			URL:       strings.TrimSpace(req.URL),
			Events:    req.Events,
			Filters:   req.Filters,
			RateLimit: req.RateLimit,
		})
		if err != nil {
			return registryError(c, err)
		}

		return c.JSON(http.StatusCreated, subscriptionWithSecret{Subscription: sub, Secret: sub.Secret})
	}
}

func listSubscriptionsHandler(reg *registry.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		activeOnly := false
		if v := c.QueryParam("active_only"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				activeOnly = b
			}
		}
		eventType := strings.TrimSpace(c.QueryParam("event_type"))

		subs, err := reg.List(c.Request().Context(), activeOnly, eventType)
		if err != nil {
			return registryError(c, err)
		}

		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(subs),
			"results": subs,
		})
	}
}

func getSubscriptionHandler(reg *registry.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, err := reg.Get(c.Request().Context(), c.Param("id"))
		if err != nil {
			return registryError(c, err)
		}
		return c.JSON(http.StatusOK, sub)
	}
}

type subscriptionPatchReq struct {
	Name      *string     `json:"name"`
	URL       *string     `json:"url"`
	Events    *[]string   `json:"events"`
	Filters   *model.Tags `json:"filters"`
	RateLimit *int        `json:"rate_limit"`
}

func updateSubscriptionHandler(reg *registry.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req subscriptionPatchReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		sub, err := reg.Update(c.Request().Context(), c.Param("id"), registry.UpdateInput{
			Name:      req.Name,
			URL:       req.URL,
			Events:    req.Events,
			Filters:   req.Filters,
			RateLimit: req.RateLimit,
		})
		if err != nil {
			return registryError(c, err)
		}

		return c.JSON(http.StatusOK, sub)
	}
}

func deleteSubscriptionHandler(reg *registry.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		cancelled, err := reg.Delete(c.Request().Context(), c.Param("id"))
		if err != nil {
			return registryError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"deleted":              true,
			"cancelled_deliveries": cancelled,
		})
	}
}

func toggleSubscriptionHandler(reg *registry.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, cancelled, err := reg.Toggle(c.Request().Context(), c.Param("id"))
		if err != nil {
			return registryError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"id":                   sub.ID,
			"active":               sub.Active,
			"cancelled_deliveries": cancelled,
		})
	}
}

func rotateSecretHandler(reg *registry.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		sub, err := reg.RotateSecret(c.Request().Context(), c.Param("id"))
		if err != nil {
			return registryError(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{
			"id":     sub.ID,
			"secret": sub.Secret,
		})
	}
}

// testSubscriptionHandler pushes a synthetic event through the full
// pipeline so operators can verify an endpoint end to end.
func testSubscriptionHandler(ingestSvc *ingest.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		eventID, deliveryID, err := ingestSvc.TestDelivery(c.Request().Context(), c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrSubscriptionNotFound):
				return c.JSON(http.StatusNotFound, map[string]string{"error": "subscription not found"})
			case errors.Is(err, ingest.ErrSubscriptionInactive):
				return c.JSON(http.StatusConflict, map[string]string{"error": "subscription is inactive"})
			default:
				c.Logger().Errorf("test delivery: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
		}

		return c.JSON(http.StatusAccepted, map[string]string{
			"event_id":    eventID,
			"delivery_id": deliveryID,
		})
	}
}
