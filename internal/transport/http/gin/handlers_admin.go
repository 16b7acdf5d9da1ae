package httpgin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/kirinyoku/tixledger/internal/domain"
	"github.com/kirinyoku/tixledger/internal/service"
	"github.com/kirinyoku/tixledger/internal/service/admin"
)

// @Summary  Create venue
// @Param    req body CreateVenueRequest true "payload"
// @Success  201 {object} VenueResponse
// @Failure  409 {object} ErrorResponse "name taken"
// @Router   /admin/venues [post]
func handleCreateVenue(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateVenueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		v, err := svcs.Admin.CreateVenue(c.Request.Context(), req.Name)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, toVenue(v))
	}
}

// @Summary  Add seats and tables to a venue
// @Param    id  path string true "Venue ID"
// @Param    req body CreateUnitsRequest true "payload"
// @Success  201 {array} UnitResponse
// @Router   /admin/venues/{id}/units [post]
func handleCreateUnits(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		venueID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req CreateUnitsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		params := make([]admin.UnitParams, 0, len(req.Units))
		for _, u := range req.Units {
			p := admin.UnitParams{
				Kind:    domain.UnitKind(u.Kind),
				Section: u.Section,
				Label:   u.Label,
			}
			if u.X != nil && u.Y != nil {
				p.Position = &domain.Position{X: *u.X, Y: *u.Y}
			}
			params = append(params, p)
		}

		units, err := svcs.Admin.CreateUnits(c.Request.Context(), venueID, params)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, toUnits(units))
	}
}

// @Summary  Create draft event
// @Param    req body CreateEventRequest true "payload"
// @Success  201 {object} EventResponse
// @Router   /admin/events [post]
func handleCreateEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		organizer, ok := actorID(c)
		if !ok {
			return
		}
		var req CreateEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		startsAt, err := parseRFC3339(req.StartsAt)
		if err != nil {
			badRequest(c, "starts_at must be RFC3339")
			return
		}
		endsAt, err := parseRFC3339(req.EndsAt)
		if err != nil {
			badRequest(c, "ends_at must be RFC3339")
			return
		}

		e, err := svcs.Admin.CreateEvent(c.Request.Context(), admin.EventParams{
			VenueID:     req.VenueID,
			OrganizerID: organizer,
			Title:       req.Title,
			StartsAt:    startsAt,
			EndsAt:      endsAt,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, toEvent(e))
	}
}

// @Summary  Publish event
// @Param    id  path string true "Event ID"
// @Success  200 {object} EventResponse
// @Failure  409 {object} ErrorResponse "not a draft"
// @Router   /admin/events/{id}/publish [post]
func handlePublishEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		by, ok := actorID(c)
		if !ok {
			return
		}
		e, err := svcs.Admin.PublishEvent(c.Request.Context(), eventID, by)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, toEvent(*e))
	}
}

// @Summary  Create ticket type
// @Param    id  path string true "Event ID"
// @Param    req body CreateTicketTypeRequest true "payload"
// @Success  201 {object} TicketTypeResponse
// @Failure  400 {object} ErrorResponse
// @Router   /admin/events/{id}/ticket-types [post]
func handleCreateTicketType(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		var req CreateTicketTypeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}

		rate, err := parseTaxRate(req.TaxRate)
		if err != nil {
			badRequest(c, "tax_rate must be a decimal")
			return
		}
		start, err := parseRFC3339(req.SalesStart)
		if err != nil {
			badRequest(c, "sales_start must be RFC3339")
			return
		}
		end, err := parseRFC3339(req.SalesEnd)
		if err != nil {
			badRequest(c, "sales_end must be RFC3339")
			return
		}
		price, err := domain.NewPrice(req.BaseMinor, rate, req.Currency)
		if err != nil {
			respondErr(c, &domain.ValidationError{Reasons: []string{err.Error()}})
			return
		}

		tt, err := svcs.Admin.CreateTicketType(c.Request.Context(), domain.TicketTypeParams{
			EventID:            eventID,
			Name:               req.Name,
			Price:              price,
			Quantity:           req.Quantity,
			SalesStart:         start,
			SalesEnd:           end,
			MaxPerOrder:        req.MaxPerOrder,
			MaxPerUserPerEvent: req.MaxPerUserPerEvent,
			Category:           domain.TicketCategory(strings.ToUpper(req.Category)),
			EligibleUnitIDs:    req.EligibleUnitIDs,
		})
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusCreated, toTicketType(tt))
	}
}

// @Summary  Force-cancel an event and refund its paid orders
// @Param    id  path string true "Event ID"
// @Param    req body CancelEventRequest true "payload"
// @Success  200 {object} domain.CancellationSummary
// @Failure  409 {object} ErrorResponse "already cancelled"
// @Router   /admin/events/{id}/cancel [post]
func handleForceCancelEvent(svcs *service.Services) gin.HandlerFunc {
	return func(c *gin.Context) {
		eventID, ok := parseUUIDParam(c, "id")
		if !ok {
			return
		}
		by, ok := actorID(c)
		if !ok {
			return
		}
		var req CancelEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		sum, err := svcs.Settlement.ForceCancelEvent(c.Request.Context(), eventID, by, req.Reason)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, sum)
	}
}
