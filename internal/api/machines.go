package api

import (
	"errors"
	"net/http"

	"github.com/playok/fleetmon/internal/history"
	"github.com/playok/fleetmon/internal/ingest"
	"github.com/playok/fleetmon/internal/model"
	"github.com/playok/fleetmon/internal/registry"
)

const machineNotFound = "Machine not found"

type machinesAPI struct {
	registry *registry.Registry
	ingestor *ingest.Ingestor
	history  *history.Engine
}

type registerResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Created   bool   `json:"created"`
	MachineID int64  `json:"Machine_ID"`
}

func (a *machinesAPI) register(w http.ResponseWriter, r *http.Request) {
	var reg model.Registration
	if err := decodeJSON(w, r, &reg); err != nil {
		fail(w, r, err, "")
		return
	}
	m, created, err := a.registry.Register(r.Context(), &reg)
	if err != nil {
		fail(w, r, err, "")
		return
	}
	msg := "Machine updated"
	if created {
		msg = "Machine registered"
	}
	writeJSON(w, http.StatusCreated, registerResponse{Status: "success", Message: msg, Created: created, MachineID: m.ID})
}

func (a *machinesAPI) list(w http.ResponseWriter, r *http.Request) {
	machines, err := a.registry.List(r.Context(), callerOf(r))
	if err != nil {
		fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, machines)
}

func (a *machinesAPI) get(w http.ResponseWriter, r *http.Request) {
	m, err := a.registry.Get(r.Context(), callerOf(r), r.PathValue("hostname"))
	if err != nil {
		fail(w, r, err, machineNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *machinesAPI) latest(w http.ResponseWriter, r *http.Request) {
	s, err := a.ingestor.Latest(r.Context(), callerOf(r), r.PathValue("hostname"))
	if errors.Is(err, ingest.ErrNoSamples) {
		writeError(w, http.StatusNotFound, "No metrics found")
		return
	}
	if err != nil {
		fail(w, r, err, machineNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type historyResponse struct {
	Status    string               `json:"status"`
	Hostname  string               `json:"Hostname"`
	MachineID int64                `json:"Machine_ID"`
	Count     int                  `json:"count"`
	Metrics   []model.MetricSample `json:"metrics"`
}

func (a *machinesAPI) queryHistory(w http.ResponseWriter, r *http.Request) {
	q, err := history.ParseQuery(r.URL.Query())
	if err != nil {
		fail(w, r, err, "")
		return
	}
	res, err := a.history.Query(r.Context(), callerOf(r), r.PathValue("hostname"), q)
	if err != nil {
		fail(w, r, err, machineNotFound)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Status:    "success",
		Hostname:  res.Machine.Hostname,
		MachineID: res.Machine.ID,
		Count:     res.Count,
		Metrics:   res.Samples,
	})
}

func (a *machinesAPI) delete(w http.ResponseWriter, r *http.Request) {
	if err := a.registry.Delete(r.Context(), callerOf(r), r.PathValue("hostname")); err != nil {
		fail(w, r, err, machineNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, "Machine deleted")
}

func (a *machinesAPI) assignOwner(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID *int64 `json:"owner_id"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		fail(w, r, err, "")
		return
	}
	m, err := a.registry.AssignOwner(r.Context(), callerOf(r), r.PathValue("hostname"), body.OwnerID)
	if err != nil {
		fail(w, r, err, machineNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type metricsAPI struct {
	ingestor *ingest.Ingestor
}

func (a *metricsAPI) ingest(w http.ResponseWriter, r *http.Request) {
	var sub model.Submission
	if err := decodeJSON(w, r, &sub); err != nil {
		fail(w, r, err, "")
		return
	}
	if _, err := a.ingestor.Ingest(r.Context(), &sub); err != nil {
		fail(w, r, err, "")
		return
	}
	writeSuccess(w, http.StatusCreated, "Metrics recorded")
}
