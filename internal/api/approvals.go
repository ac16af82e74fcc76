package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/triage-ai/guardclaw/internal/approval"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	list := d.Approvals.List()
	if list == nil {
		list = []approval.PendingApproval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list, "count": len(list)})
}

func (d *Dependencies) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req ApproveReq
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	id := r.PathValue("id")
	res, err := d.Approvals.Approve(r.Context(), id, req.Always)
	d.writeResolution(w, r, id, res, err)
}

func (d *Dependencies) handleDeny(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := d.Approvals.Deny(r.Context(), id)
	d.writeResolution(w, r, id, res, err)
}

// writeResolution maps a resolve result to a response. Losing a resolve
// race is not an error: the caller gets the winning resolution.
func (d *Dependencies) writeResolution(w http.ResponseWriter, r *http.Request, id string, res approval.Resolution, err error) {
	switch {
	case err == nil:
		fields := []zap.Field{zap.String("approval_id", id), zap.String("status", string(res.Status))}
		if p := principalFromContext(r.Context()); p != nil {
			fields = append(fields, zap.String("principal", p.Name))
		}
		d.Logger.Info("approval resolved via api", fields...)
		writeJSON(w, http.StatusOK, ResolutionResp{Resolution: res})
	case errors.Is(err, approval.ErrAlreadyResolved):
		prior, _ := d.Approvals.Resolved(id)
		writeJSON(w, http.StatusOK, ResolutionResp{Resolution: prior, AlreadyResolved: true})
	case errors.Is(err, approval.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Approval not found."})
	default:
		d.Logger.Error("failed to resolve approval", zap.String("approval_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to resolve approval"})
	}
}
