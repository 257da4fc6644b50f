package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RouteOptions carries the cross-cutting knobs for the HTTP surface.
type RouteOptions struct {
	JWTSecret          []byte
	ClaimRatePerSecond float64
	ClaimBurst         int
}

// SetupRoutes wires the engine's endpoints. Confirmation is deliberately
// outside the auth group: the confirmation token, delivered out-of-band to
// the patient, is the credential there.
func SetupRoutes(r *gin.Engine, engine Engine, opts RouteOptions) {
	handler := NewHandler(engine)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/v1/bookings/:id/confirm", handler.ConfirmBooking)

	v1 := r.Group("/v1", AuthRequired(opts.JWTSecret))
	{
		v1.POST("/claims", RateLimit(opts.ClaimRatePerSecond, opts.ClaimBurst), handler.ClaimSlot)
		v1.GET("/calendars/:id/availability", handler.Availability)
		v1.POST("/calendars", handler.CreateCalendar)
		v1.GET("/bookings/:id", handler.GetBooking)
		v1.POST("/bookings/:id/cancel", handler.CancelBooking)
	}
}
