package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"civicreport/database"
	"civicreport/ids"
	"civicreport/location"
	"civicreport/models"
	"civicreport/pipeline"
	"civicreport/service"
	"civicreport/state"
	"civicreport/websocket"
)

// maxSubmitBytes caps the body of POST /reports, evidence included.
const maxSubmitBytes = 10 << 20

// SubmitRequest is the body of POST /reports.
type SubmitRequest struct {
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	// Evidence is a data URL or bare base64 image.
	Evidence string `json:"evidence"`
}

// Input converts the request, formatting coordinates when no location text was given.
func (r SubmitRequest) Input() models.ReportInput {
	loc := r.Location
	if loc == "" && r.Latitude != nil && r.Longitude != nil {
		loc = location.Format(*r.Latitude, *r.Longitude)
	}
	return models.ReportInput{
		Description: r.Description,
		Location:    loc,
		Evidence:    r.Evidence,
	}
}

// Handlers represents the HTTP handlers
type Handlers struct {
	svc *service.Service
	hub *websocket.Hub
}

// NewHandlers creates new HTTP handlers. hub may be nil, which disables /ws.
func NewHandlers(svc *service.Service, hub *websocket.Hub) *Handlers {
	return &Handlers{svc: svc, hub: hub}
}

// Register mounts the API routes on the group.
func (h *Handlers) Register(api gin.IRoutes) {
	api.GET("/health", h.HealthCheck)
	api.POST("/reports", h.SubmitReport)
	api.GET("/reports", h.ListReports)
	api.GET("/reports/:id", h.GetReport)
	api.GET("/track/:storageId", h.TrackReport)
	api.GET("/stats", h.GetStats)
	api.GET("/view", h.GetView)
	api.PUT("/view", h.SetView)
	api.GET("/ws", h.ListenReports)
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := gin.H{
		"status":    "healthy",
		"service":   "civicreport",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"pipelines": h.svc.States(),
	}
	if h.hub != nil {
		clients, broadcasts := h.hub.GetStats()
		response["connected_clients"] = clients
		response["broadcasts"] = broadcasts
	}
	c.JSON(http.StatusOK, response)
}

// SubmitReport starts a submission. By default the progress is streamed as
// server-sent events: one "state" event per pipeline state, then a "report"
// event, or an "error" event if a storage or ledger backend failed. With
// ?wait=true only the finished report is returned.
func (h *Handlers) SubmitReport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSubmitBytes)

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	updates, err := h.svc.Submit(req.Input())
	if err != nil {
		c.JSON(submitErrorStatus(err), gin.H{"error": err.Error()})
		return
	}

	if c.Query("wait") == "true" {
		for u := range updates {
			if u.Err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": u.Err.Error()})
				return
			}
			if u.Report != nil {
				c.JSON(http.StatusCreated, u.Report)
				return
			}
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Submission ended without a report"})
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		u, ok := <-updates
		if !ok {
			return false
		}
		if u.Err != nil {
			c.SSEvent("error", gin.H{"error": u.Err.Error()})
			return false
		}
		c.SSEvent("state", gin.H{"state": u.State})
		if u.Report != nil {
			c.SSEvent("report", u.Report)
			return false
		}
		return true
	})
}

func submitErrorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEmptyDescription), errors.Is(err, pipeline.ErrInvalidEvidence):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrBusy):
		return http.StatusConflict
	default:
		log.Errorf("Failed to submit report: %v", err)
		return http.StatusInternalServerError
	}
}

// ListReports returns the feed, newest first, without evidence payloads.
func (h *Handlers) ListReports(c *gin.Context) {
	filter := state.Filter{Query: c.Query("q")}
	switch status := models.Status(c.Query("status")); status {
	case "":
	case models.StatusVerified, models.StatusFlagged, models.StatusPending:
		filter.Status = status
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'status' parameter. Must be Verified, Flagged or Pending."})
		return
	}

	reports := h.svc.Reports(filter)
	for i := range reports {
		reports[i].Evidence = ""
	}
	if reports == nil {
		reports = []models.Report{}
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

// GetReport returns a single report with its evidence.
func (h *Handlers) GetReport(c *gin.Context) {
	id := c.Param("id")
	if !ids.IsReportID(id) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid report id"})
		return
	}
	report, err := h.svc.Report(id)
	h.writeReport(c, report, err)
}

// TrackReport looks a report up by its storage id.
func (h *Handlers) TrackReport(c *gin.Context) {
	storageID := c.Param("storageId")
	if !ids.IsStorageID(storageID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid storage id"})
		return
	}
	report, err := h.svc.Track(storageID)
	h.writeReport(c, report, err)
}

func (h *Handlers) writeReport(c *gin.Context, report *models.Report, err error) {
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return
	}
	if err != nil {
		log.Errorf("Failed to get report: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve report"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// GetStats returns the dashboard figures.
func (h *Handlers) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Stats())
}

// ViewRequest is the body of PUT /view.
type ViewRequest struct {
	Page string `json:"page" binding:"required"`
}

// GetView returns the current page.
func (h *Handlers) GetView(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"page": h.svc.Page()})
}

// SetView switches the current page.
func (h *Handlers) SetView(c *gin.Context) {
	var req ViewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	page, err := h.svc.Navigate(req.Page)
	if errors.Is(err, service.ErrUnknownPage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Errorf("Failed to change page: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to change page"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page})
}

// ListenReports upgrades to a websocket live feed.
func (h *Handlers) ListenReports(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Live feed disabled"})
		return
	}
	websocket.Serve(h.hub, c.Writer, c.Request)
}
