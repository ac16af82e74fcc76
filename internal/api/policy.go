package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/triage-ai/guardclaw/internal/policy"
	"go.uber.org/zap"
)

func (d *Dependencies) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Policy.Config())
}

func (d *Dependencies) handleReplacePolicy(w http.ResponseWriter, r *http.Request) {
	cfg := policy.DefaultConfig()
	if err := readJSON(r, &cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	out, err := d.Policy.Replace(r.Context(), cfg)
	if err != nil {
		d.writePolicyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (d *Dependencies) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req UpdatePolicyReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	out, _, err := d.Policy.Update(r.Context(), func(c *policy.Config) {
		if req.Mode != nil {
			c.Mode = *req.Mode
		}
		if req.AutoAllowThreshold != nil {
			c.AutoAllowThreshold = *req.AutoAllowThreshold
		}
		if req.AutoBlockThreshold != nil {
			c.AutoBlockThreshold = *req.AutoBlockThreshold
		}
		if req.Whitelist != nil {
			c.Whitelist = *req.Whitelist
		}
		if req.Blacklist != nil {
			c.Blacklist = *req.Blacklist
		}
		if req.FailClosed != nil {
			c.FailClosed = *req.FailClosed
		}
	})
	if err != nil {
		d.writePolicyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type overrideList int

const (
	listWhitelist overrideList = iota
	listBlacklist
)

// handlePatternList adds or removes one override pattern. Both directions
// are idempotent.
func (d *Dependencies) handlePatternList(list overrideList, add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PatternReq
		if v := r.URL.Query().Get("pattern"); v != "" {
			req.Pattern = v
		} else if err := readJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
			return
		}
		req.Pattern = strings.TrimSpace(req.Pattern)
		if req.Pattern == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "pattern is required"})
			return
		}

		var op func(context.Context, string) (bool, error)
		switch {
		case list == listWhitelist && add:
			op = d.Policy.AddWhitelist
		case list == listWhitelist:
			op = d.Policy.RemoveWhitelist
		case add:
			op = d.Policy.AddBlacklist
		default:
			op = d.Policy.RemoveBlacklist
		}
		changed, err := op(r.Context(), req.Pattern)
		if err != nil {
			d.writePolicyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, PatternChangeResp{Changed: changed, Policy: d.Policy.Config()})
	}
}

func (d *Dependencies) writePolicyError(w http.ResponseWriter, err error) {
	if errors.Is(err, policy.ErrInvalidConfig) {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	d.Logger.Error("failed to update policy", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update policy"})
}
