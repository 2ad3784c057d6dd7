package queue

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/edqueue/edqueue/internal/platform/auth"
	"github.com/edqueue/edqueue/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Public, read-only
	api.GET("/shared/:token", h.GetSharedStatus)

	// Any authenticated principal; ownership is checked per ticket
	api.POST("/tickets", h.CreateTicket, auth.RequireRole(auth.RolePatient))
	api.GET("/tickets/patient/active", h.ListActive)
	api.GET("/tickets/patient/history", h.ListHistory)
	api.GET("/tickets/:id", h.GetTicket)
	api.GET("/tickets/:id/history", h.GetStatusHistory)
	api.GET("/tickets/:id/checkin-code", h.GetCheckInCode)
	api.POST("/tickets/:id/share", h.RotateShareToken)
	api.DELETE("/tickets/:id/share", h.RevokeShareToken)
	api.PATCH("/tickets/:id/checkin", h.CheckIn)
	api.PATCH("/tickets/:id/cancel", h.Cancel)

	// Staff
	staff := api.Group("", auth.RequireRole(auth.RoleNurse, auth.RoleDoctor))
	staff.GET("/hospitals/:id/queue", h.GetQueue)
	staff.GET("/hospitals/:id/alerts", h.ListAlerts)
	staff.GET("/hospitals/:id/rooms", h.GetRooms)
	staff.GET("/hospitals/:id/stats", h.GetStats)
	staff.POST("/tickets/:id/alert/acknowledge", h.AcknowledgeAlert)

	nurses := api.Group("", auth.RequireRole(auth.RoleNurse))
	nurses.PATCH("/tickets/:id/triage", h.ValidateTriage)
	nurses.PATCH("/tickets/:id/assign-room", h.AssignRoom)
	nurses.POST("/checkin/scan", h.ScanCheckIn)

	doctors := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctors.PATCH("/tickets/:id/treat", h.MarkTreated)

	admins := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admins.PATCH("/tickets/:id/complete", h.Complete)
}

// httpError maps domain errors onto HTTP statuses. Anything unrecognised is
// a store or infrastructure failure.
func httpError(err error) error {
	var (
		validation *ValidationError
		notFound   *NotFoundError
		conflict   *ConflictError
		denied     *AuthorizationError
		transition *InvalidTransitionError
	)
	switch {
	case errors.As(err, &validation):
		return echo.NewHTTPError(http.StatusBadRequest, validation.Error())
	case errors.As(err, &notFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	case errors.As(err, &conflict):
		return echo.NewHTTPError(http.StatusConflict, conflict.Error())
	case errors.As(err, &denied):
		return echo.NewHTTPError(http.StatusForbidden, denied.Error())
	case errors.As(err, &transition):
		return echo.NewHTTPError(http.StatusConflict, transition.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "queue temporarily unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func principal(c echo.Context) (auth.Principal, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return auth.Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return p, nil
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// withID resolves the principal and the :id path parameter, then runs fn.
func (h *Handler) withID(c echo.Context, fn func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error)) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	result, err := fn(c.Request().Context(), p, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// -- Ticket Handlers --

func (h *Handler) CreateTicket(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var req CreateTicketRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.CreateTicket(c.Request().Context(), p, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTicket(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.GetTicket(ctx, p, id)
	})
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.StatusHistory(ctx, p, id)
	})
}

func (h *Handler) ListActive(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ActiveForPatient(c.Request().Context(), p)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Ticket{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListHistory(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.History(c.Request().Context(), p, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Ticket{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type validateTriageRequest struct {
	Priority int    `json:"priority"`
	Notes    string `json:"notes"`
}

func (h *Handler) ValidateTriage(c echo.Context) error {
	var req validateTriageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.ValidateTriage(ctx, p, id, req.Priority, req.Notes)
	})
}

type assignRoomRequest struct {
	Room string `json:"room"`
}

func (h *Handler) AssignRoom(c echo.Context) error {
	var req assignRoomRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.AssignRoom(ctx, p, id, req.Room)
	})
}

func (h *Handler) MarkTreated(c echo.Context) error {
	var req TreatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.MarkTreated(ctx, p, id, req)
	})
}

func (h *Handler) CheckIn(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.CheckIn(ctx, p, id)
	})
}

func (h *Handler) Cancel(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.Cancel(ctx, p, id)
	})
}

func (h *Handler) Complete(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.Complete(ctx, p, id)
	})
}

// -- Sharing and check-in --

func (h *Handler) RotateShareToken(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.RotateShareToken(ctx, p, id)
	})
}

func (h *Handler) RevokeShareToken(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.RevokeShareToken(c.Request().Context(), p, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetSharedStatus(c echo.Context) error {
	status, err := h.svc.GetSharedStatus(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handler) GetCheckInCode(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.CheckInCode(ctx, p, id)
	})
}

func (h *Handler) ScanCheckIn(c echo.Context) error {
	p, err := principal(c)
	if err != nil {
		return err
	}
	var code CheckInCode
	if err := c.Bind(&code); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.svc.ScanCheckIn(c.Request().Context(), p, code)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Hospital Handlers --

func (h *Handler) GetQueue(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		view, err := h.svc.GetQueue(ctx, p, id)
		if err == nil && view.Tickets == nil {
			view.Tickets = []*Ticket{}
		}
		return view, err
	})
}

func (h *Handler) GetRooms(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.Rooms(ctx, p, id)
	})
}

func (h *Handler) GetStats(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.Stats(ctx, p, id)
	})
}

func (h *Handler) ListAlerts(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		items, err := h.svc.ListAlerts(ctx, p, id)
		if err == nil && items == nil {
			items = []*Ticket{}
		}
		return items, err
	})
}

func (h *Handler) AcknowledgeAlert(c echo.Context) error {
	return h.withID(c, func(ctx context.Context, p auth.Principal, id uuid.UUID) (interface{}, error) {
		return h.svc.AcknowledgeAlert(ctx, p, id)
	})
}
