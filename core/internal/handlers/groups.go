package handlers

import (
	"net/http"

	"github.com/faultline-systems/faultline/common/httputil"
	"github.com/faultline-systems/faultline/core/internal/model"
)

const defaultEventLimit = 20

type groupListResponse struct {
	Groups []*model.Group `json:"groups"`
	Count  int            `json:"count"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func parseGroupFilter(r *http.Request) (model.GroupFilter, error) {
	q := r.URL.Query()
	filter := model.GroupFilter{
		Service:     q.Get("service"),
		Environment: q.Get("environment"),
	}
	if s := q.Get("status"); s != "" {
		st, err := model.ParseGroupStatus(s)
		if err != nil {
			return filter, err
		}
		filter.Status = st
	}

	var err error
	if filter.Since, err = httputil.QueryTime(r, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = httputil.QueryTime(r, "until"); err != nil {
		return filter, err
	}
	if filter.Limit, err = httputil.QueryInt(r, "limit", 0); err != nil {
		return filter, err
	}
	return filter, nil
}

// ListGroups handles GET /api/v1/projects/{project}/groups.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	filter, err := parseGroupFilter(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	groups, err := h.svc.ListGroups(r.Context(), r.PathValue("project"), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if groups == nil {
		groups = []*model.Group{}
	}
	httputil.WriteJSON(w, http.StatusOK, groupListResponse{Groups: groups, Count: len(groups)})
}

// GroupStats handles GET /api/v1/projects/{project}/groups/stats.
func (h *Handler) GroupStats(w http.ResponseWriter, r *http.Request) {
	filter, err := parseGroupFilter(r)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}

	counts, err := h.svc.GroupStats(r.Context(), r.PathValue("project"), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, counts)
}

// GetGroup handles GET /api/v1/projects/{project}/groups/{fingerprint}.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.svc.GetGroup(r.Context(), r.PathValue("project"), r.PathValue("fingerprint"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, g)
}

// UpdateGroup handles PATCH /api/v1/projects/{project}/groups/{fingerprint}.
// Only the lifecycle status is mutable.
func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	g, err := h.svc.UpdateStatus(r.Context(), r.PathValue("project"), r.PathValue("fingerprint"), req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, g)
}

// ListGroupEvents handles GET /api/v1/projects/{project}/groups/{fingerprint}/events.
func (h *Handler) ListGroupEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.QueryInt(r, "limit", defaultEventLimit)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	projectID, fingerprint := r.PathValue("project"), r.PathValue("fingerprint")
	if _, err := h.svc.GetGroup(r.Context(), projectID, fingerprint); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	events, err := h.svc.ListRawErrors(r.Context(), projectID, fingerprint, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []*model.RawEvent{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
