package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/IolandaManzali/litellm/internal/auth"
	"github.com/IolandaManzali/litellm/pkg/apierr"
)

// Team management endpoints. Both live under /admin/ and are therefore
// restricted to admin-scoped tokens by the authorizer's route check.

type teamPayload struct {
	TeamID   string   `json:"team_id"`
	TPMLimit int      `json:"tpm_limit"`
	RPMLimit int      `json:"rpm_limit"`
	Models   []string `json:"models"`

	MaskPII       bool `json:"mask_pii"`
	OutputParse   bool `json:"output_parse_pii"`
	AllowControls bool `json:"allow_pii_controls"`
}

// handleGetTeam serves GET /admin/teams?team_id=<id>.
func (g *Gateway) handleGetTeam(ctx *fasthttp.RequestCtx) {
	if _, ok := g.authorize(ctx, string(ctx.Path())); !ok {
		return
	}

	teamID := string(ctx.QueryArgs().Peek("team_id"))
	if teamID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"query parameter 'team_id' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	team, err := g.store.GetTeam(ctx, teamID)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("team %q not found", teamID),
			apierr.TypeInvalidRequest, apierr.CodeTeamNotFound)
		return
	}

	writeJSON(ctx, teamPayload{
		TeamID:        team.ID,
		TPMLimit:      team.TPMLimit,
		RPMLimit:      team.RPMLimit,
		Models:        team.Models,
		MaskPII:       team.PII.Mask,
		OutputParse:   team.PII.OutputParse,
		AllowControls: team.PII.AllowControls,
	})
}

// handleCreateTeam serves POST /admin/teams.
func (g *Gateway) handleCreateTeam(ctx *fasthttp.RequestCtx) {
	if _, ok := g.authorize(ctx, string(ctx.Path())); !ok {
		return
	}

	var payload teamPayload
	if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if payload.TeamID == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'team_id' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	team := &auth.TeamRecord{
		ID:       payload.TeamID,
		TPMLimit: payload.TPMLimit,
		RPMLimit: payload.RPMLimit,
		Models:   payload.Models,
		PII: auth.PIIPolicy{
			Mask:          payload.MaskPII,
			OutputParse:   payload.OutputParse,
			AllowControls: payload.AllowControls,
		},
	}
	if err := g.store.CreateTeam(ctx, team); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to store team", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, payload)
}
