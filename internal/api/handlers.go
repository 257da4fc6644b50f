package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"reservation-engine/internal/booking"
	"reservation-engine/internal/db/models"
	"reservation-engine/internal/reservation"
)

// Engine is the slice of the coordinator the handlers need.
type Engine interface {
	Claim(ctx context.Context, callerTenant string, req reservation.ClaimRequest) (*reservation.ClaimResult, error)
	Availability(ctx context.Context, callerTenant, tenantID, calendarID string, from, to time.Time, slotDuration time.Duration) ([]time.Time, error)
	Confirm(ctx context.Context, bookingID, token string) (*models.Booking, error)
	Cancel(ctx context.Context, callerTenant, tenantID, bookingID string) (*models.Booking, error)
	GetBooking(ctx context.Context, callerTenant, bookingID string) (*models.Booking, error)
	CreateCalendar(ctx context.Context, callerTenant, name string) (*models.Calendar, error)
}

// Handler serves the engine's HTTP surface.
type Handler struct {
	engine Engine
}

// NewHandler creates a Handler over the engine.
func NewHandler(engine Engine) *Handler {
	return &Handler{engine: engine}
}

type claimBody struct {
	TenantID     string    `json:"tenant_id" binding:"required"`
	CalendarID   string    `json:"calendar_id" binding:"required"`
	StartTime    time.Time `json:"start_time" binding:"required"`
	EndTime      time.Time `json:"end_time" binding:"required"`
	RequesterRef string    `json:"requester_ref" binding:"required"`
	HoldMinutes  int       `json:"hold_minutes"`
	EventID      string    `json:"event_id"`
}

// ClaimSlot handles POST /v1/claims.
func (h *Handler) ClaimSlot(c *gin.Context) {
	var body claimBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	claims := callerClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller context"})
		return
	}

	result, err := h.engine.Claim(c.Request.Context(), claims.TenantID, reservation.ClaimRequest{
		TenantID:     body.TenantID,
		CalendarID:   body.CalendarID,
		Start:        body.StartTime,
		End:          body.EndTime,
		RequesterRef: body.RequesterRef,
		HoldMinutes:  body.HoldMinutes,
		EventID:      body.EventID,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	switch result.Outcome {
	case reservation.OutcomeClaimed:
		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		c.JSON(status, result)
	case reservation.OutcomeConflict:
		c.JSON(http.StatusConflict, result)
	case reservation.OutcomeBusy:
		c.Header("Retry-After", strconv.FormatInt((result.RetryAfterMs+999)/1000, 10))
		c.JSON(http.StatusServiceUnavailable, result)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown claim outcome"})
	}
}

// Availability handles GET /v1/calendars/:id/availability.
func (h *Handler) Availability(c *gin.Context) {
	claims := callerClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller context"})
		return
	}

	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from: must be RFC3339"})
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to: must be RFC3339"})
		return
	}
	slotMinutes, err := strconv.Atoi(c.DefaultQuery("slot_minutes", "30"))
	if err != nil || slotMinutes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot_minutes"})
		return
	}

	starts, err := h.engine.Availability(c.Request.Context(),
		claims.TenantID, claims.TenantID, c.Param("id"),
		from, to, time.Duration(slotMinutes)*time.Minute)
	if err != nil {
		respondError(c, err)
		return
	}
	if starts == nil {
		starts = []time.Time{}
	}
	c.JSON(http.StatusOK, gin.H{"available": starts})
}

type confirmBody struct {
	ConfirmationToken string `json:"confirmation_token" binding:"required"`
}

// ConfirmBooking handles POST /v1/bookings/:id/confirm. The token is the
// credential here; it was delivered out-of-band to the patient.
func (h *Handler) ConfirmBooking(c *gin.Context) {
	var body confirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}

	b, err := h.engine.Confirm(c.Request.Context(), c.Param("id"), body.ConfirmationToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "confirmed", "booking": b})
}

type cancelBody struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

// CancelBooking handles POST /v1/bookings/:id/cancel.
func (h *Handler) CancelBooking(c *gin.Context) {
	var body cancelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	claims := callerClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller context"})
		return
	}

	b, err := h.engine.Cancel(c.Request.Context(), claims.TenantID, body.TenantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "booking": b})
}

// GetBooking handles GET /v1/bookings/:id.
func (h *Handler) GetBooking(c *gin.Context) {
	claims := callerClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller context"})
		return
	}

	b, err := h.engine.GetBooking(c.Request.Context(), claims.TenantID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type calendarBody struct {
	Name string `json:"name" binding:"required"`
}

// CreateCalendar handles POST /v1/calendars.
func (h *Handler) CreateCalendar(c *gin.Context) {
	var body calendarBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	claims := callerClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing caller context"})
		return
	}

	cal, err := h.engine.CreateCalendar(c.Request.Context(), claims.TenantID, body.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cal)
}

// respondError maps the engine taxonomy onto HTTP. Forbidden is never
// downgraded to a 404 with an empty body; the distinction matters for
// detecting cross-tenant probing.
func respondError(c *gin.Context, err error) {
	var validation *booking.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error()})
	case errors.Is(err, booking.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, booking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, booking.ErrInvalidToken):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid confirmation token"})
	case errors.Is(err, booking.ErrHoldExpired):
		c.JSON(http.StatusGone, gin.H{"error": "hold expired"})
	case errors.Is(err, booking.ErrAlreadyConfirmed):
		c.JSON(http.StatusConflict, gin.H{"error": "already confirmed"})
	case errors.Is(err, booking.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid status transition"})
	case errors.Is(err, booking.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "version conflict"})
	case errors.Is(err, booking.ErrBusy):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry later"})
	default:
		log.Printf("internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
