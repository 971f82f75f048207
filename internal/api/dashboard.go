package api

import (
	"errors"
	"net/http"

	"github.com/playok/fleetmon/internal/access"
	"github.com/playok/fleetmon/internal/auth"
	"github.com/playok/fleetmon/internal/model"
	"github.com/playok/fleetmon/internal/store"
)

const dashboardNotFound = "Dashboard not found"

type dashboardAPI struct {
	store *store.Store
}

// dashboardInput carries optional flags so updates only touch what was sent.
type dashboardInput struct {
	MachineID       int64 `json:"machine_id"`
	AdminOnly       *bool `json:"admin_only"`
	ShowCPUUsage    *bool `json:"show_cpu_usage"`
	ShowMemoryUsage *bool `json:"show_memory_usage"`
	ShowDiskUsage   *bool `json:"show_disk_usage"`
}

func (in *dashboardInput) apply(d *model.DashboardPreference) {
	if in.AdminOnly != nil {
		d.AdminOnly = *in.AdminOnly
	}
	if in.ShowCPUUsage != nil {
		d.ShowCPUUsage = *in.ShowCPUUsage
	}
	if in.ShowMemoryUsage != nil {
		d.ShowMemoryUsage = *in.ShowMemoryUsage
	}
	if in.ShowDiskUsage != nil {
		d.ShowDiskUsage = *in.ShowDiskUsage
	}
}

func (a *dashboardAPI) list(w http.ResponseWriter, r *http.Request) {
	dashboards, err := a.store.ListDashboards(r.Context(), callerOf(r).UserID)
	if err != nil {
		fail(w, r, err, "")
		return
	}
	if dashboards == nil {
		dashboards = []model.DashboardPreference{}
	}
	writeJSON(w, http.StatusOK, struct {
		Status     string                      `json:"status"`
		Dashboards []model.DashboardPreference `json:"dashboards"`
	}{"success", dashboards})
}

func (a *dashboardAPI) create(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	var in dashboardInput
	if err := decodeJSON(w, r, &in); err != nil {
		fail(w, r, err, "")
		return
	}
	if in.AdminOnly != nil && *in.AdminOnly && !caller.IsAdmin() {
		fail(w, r, auth.ErrForbidden, "")
		return
	}
	m, err := a.store.GetMachineByID(r.Context(), in.MachineID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !access.CanView(m, caller)) {
		fail(w, r, model.Invalid("machine_id", "unknown machine"), "")
		return
	}
	if err != nil {
		fail(w, r, err, "")
		return
	}

	d := model.DashboardPreference{
		UserID:          caller.UserID,
		MachineID:       m.ID,
		ShowCPUUsage:    true,
		ShowMemoryUsage: true,
		ShowDiskUsage:   true,
	}
	in.apply(&d)
	id, err := a.store.CreateDashboard(r.Context(), &d)
	if err != nil {
		fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Status      string `json:"status"`
		Message     string `json:"message"`
		DashboardID int64  `json:"dashboard_id"`
	}{"success", "Dashboard added", id})
}

func (a *dashboardAPI) update(w http.ResponseWriter, r *http.Request) {
	caller := callerOf(r)
	id, err := pathID(r, "id")
	if err != nil {
		fail(w, r, err, "")
		return
	}
	var in dashboardInput
	if err := decodeJSON(w, r, &in); err != nil {
		fail(w, r, err, "")
		return
	}
	if in.AdminOnly != nil && *in.AdminOnly && !caller.IsAdmin() {
		fail(w, r, auth.ErrForbidden, "")
		return
	}
	d, err := a.store.GetDashboard(r.Context(), id, caller.UserID)
	if err != nil {
		fail(w, r, err, dashboardNotFound)
		return
	}
	in.apply(d)
	if err := a.store.UpdateDashboard(r.Context(), d); err != nil {
		fail(w, r, err, dashboardNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, "Dashboard updated")
}

func (a *dashboardAPI) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		fail(w, r, err, "")
		return
	}
	if err := a.store.DeleteDashboard(r.Context(), id, callerOf(r).UserID); err != nil {
		fail(w, r, err, dashboardNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, "Dashboard deleted")
}
