package triage

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

const disclaimer = "This estimate will be confirmed by a health professional on arrival."

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes mounts the public questionnaire endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/triage/categories", h.ListCategories)
	api.POST("/triage/calculate", h.Calculate)
}

func (h *Handler) ListCategories(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"categories": Categories(),
		"questions":  Questions(),
		"disclaimer": disclaimer,
	})
}

type calculateRequest struct {
	CategoryID string  `json:"category_id"`
	Answers    Answers `json:"answers"`
}

type calculateResponse struct {
	Result
	Recommendation Recommendation `json:"recommendation"`
	Disclaimer     string         `json:"disclaimer"`
}

func (h *Handler) Calculate(c echo.Context) error {
	var req calculateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.Answers.Validate(); err != nil {
		var invalid *InvalidAnswersError
		if errors.As(err, &invalid) {
			return echo.NewHTTPError(http.StatusBadRequest, invalid.Problems)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res := Score(req.CategoryID, req.Answers)
	return c.JSON(http.StatusOK, calculateResponse{
		Result:         res,
		Recommendation: RecommendationFor(res.Priority),
		Disclaimer:     disclaimer,
	})
}
