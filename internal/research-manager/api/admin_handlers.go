package api

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"scheduled-research-service/internal/research-manager/services"
)

type AdminHandler struct {
	Scheduler  *services.SchedulerService
	Reconciler *services.Reconciler
}

func NewAdminHandler(scheduler *services.SchedulerService, reconciler *services.Reconciler) *AdminHandler {
	return &AdminHandler{Scheduler: scheduler, Reconciler: reconciler}
}

func (h *AdminHandler) SchedulerStatus(ctx context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, h.Scheduler.Status())
}

// Reconcile runs one drift-repair pass. Orphan triggers are removed only
// when explicitly requested with ?remove_orphans=true.
func (h *AdminHandler) Reconcile(ctx context.Context, c *app.RequestContext) {
	removeOrphans := c.Query("remove_orphans") == "true"
	report := h.Reconciler.Reconcile(removeOrphans)
	c.JSON(http.StatusOK, report)
}

// ForceResync drops every trigger and rebuilds the set from stored
// active tasks.
func (h *AdminHandler) ForceResync(ctx context.Context, c *app.RequestContext) {
	report := h.Reconciler.ForceResync()
	c.JSON(http.StatusOK, report)
}
