package handlers

import (
	"net/http"

	"github.com/faultline-systems/faultline/common/httputil"
	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/core/internal/model"
)

// IngestError handles POST /api/v1/projects/{project}/errors.
func (h *Handler) IngestError(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project")

	var report model.ErrorReport
	if err := httputil.DecodeJSON(w, r, &report); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.svc.Ingest(r.Context(), projectID, &report)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if h.usage != nil {
		h.usage.Record(projectID, report.Service)
	}

	h.logger.DebugContext(r.Context(), "error accepted",
		logging.ProjectID(projectID), logging.RawErrorID(res.RawErrorID), logging.WorkflowID(res.WorkflowID))
	httputil.WriteJSON(w, http.StatusAccepted, res)
}
