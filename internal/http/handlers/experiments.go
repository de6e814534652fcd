package handlers

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "promptlab/internal/db"
	"promptlab/internal/experiment"
)

type startTestRequest struct {
	PromptName      string `json:"prompt_name"`
	VersionA        int    `json:"version_a"`
	VersionB        int    `json:"version_b"`
	SplitPercentage *int   `json:"split_percentage,omitempty"`
	MinSamples      int    `json:"min_samples,omitempty"`
	Description     string `json:"description,omitempty"`
}

// StartTest creates a new experiment. At most one experiment may be
// running per prompt name; a second start returns 409.
func StartTest(ctrl *experiment.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req startTestRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.PromptName == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "prompt_name required")
			return
		}

		split := 50
		if req.SplitPercentage != nil {
			split = *req.SplitPercentage
		}

		testID, err := ctrl.StartTest(req.PromptName, req.VersionA, req.VersionB, split, req.MinSamples, req.Description)
		if err != nil {
			storeError(ctx, err)
			return
		}

		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, map[string]any{
			"test_id":          testID,
			"prompt_name":      req.PromptName,
			"version_a":        req.VersionA,
			"version_b":        req.VersionB,
			"split_percentage": split,
		})
	}
}

// ListTests returns experiments newest-first; ?status= filters by
// lifecycle state.
func ListTests(ctrl *experiment.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		status := string(ctx.QueryArgs().Peek("status"))
		switch status {
		case "", dbpkg.StatusRunning, dbpkg.StatusCompleted, dbpkg.StatusCancelled:
		default:
			errResponse(ctx, fasthttp.StatusBadRequest, "status must be running, completed or cancelled")
			return
		}

		tests, err := ctrl.ListTests(status)
		if err != nil {
			storeError(ctx, err)
			return
		}

		out := make([]map[string]any, 0, len(tests))
		for _, t := range tests {
			out = append(out, experimentJSON(&t))
		}
		jsonResponse(ctx, map[string]any{"tests": out})
	}
}

// GetTest returns one experiment's configuration and lifecycle state.
func GetTest(store *dbpkg.ExperimentStore) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathString(ctx, "id")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "test id required")
			return
		}

		exp, err := store.Get(id)
		if err != nil {
			storeError(ctx, err)
			return
		}
		jsonResponse(ctx, experimentJSON(exp))
	}
}

// TestResults returns the per-version aggregates plus the
// recommendation, confidence, and improvement.
func TestResults(ctrl *experiment.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathString(ctx, "id")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "test id required")
			return
		}

		stats, err := ctrl.GetStatistics(id)
		if err != nil {
			storeError(ctx, err)
			return
		}
		jsonResponse(ctx, stats)
	}
}

type updateSplitRequest struct {
	SplitPercentage int `json:"split_percentage"`
}

// UpdateSplit changes the traffic split of a running experiment.
func UpdateSplit(ctrl *experiment.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathString(ctx, "id")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "test id required")
			return
		}

		var req updateSplitRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		if err := ctrl.UpdateSplit(id, req.SplitPercentage); err != nil {
			storeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"status": "ok", "split_percentage": req.SplitPercentage})
	}
}

type completeTestRequest struct {
	PromoteWinner bool `json:"promote_winner"`
}

// CompleteTest ends an experiment; with promote_winner the recommended
// winner (if any) becomes the new active version.
func CompleteTest(ctrl *experiment.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathString(ctx, "id")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "test id required")
			return
		}

		var req completeTestRequest
		if body := ctx.PostBody(); len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
				return
			}
		}

		winner, err := ctrl.CompleteTest(id, req.PromoteWinner)
		if err != nil {
			storeError(ctx, err)
			return
		}

		resp := map[string]any{"status": "completed", "promoted": req.PromoteWinner && winner != nil}
		if winner != nil {
			resp["winner_version"] = *winner
		}
		jsonResponse(ctx, resp)
	}
}

// CancelTest terminates an experiment with no winner and no promotion.
func CancelTest(ctrl *experiment.Controller) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathString(ctx, "id")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "test id required")
			return
		}

		if err := ctrl.CancelTest(id); err != nil {
			storeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"status": "cancelled"})
	}
}

func experimentJSON(exp *dbpkg.Experiment) map[string]any {
	out := map[string]any{
		"test_id":          exp.TestID,
		"prompt_name":      exp.PromptName,
		"version_a":        exp.VersionA,
		"version_b":        exp.VersionB,
		"split_percentage": exp.SplitPercentage,
		"min_samples":      exp.MinSamples,
		"status":           exp.Status,
		"started_at":       exp.StartedAt.Format(time.RFC3339),
		"description":      exp.Description,
	}
	if exp.EndedAt != nil {
		out["ended_at"] = exp.EndedAt.Format(time.RFC3339)
	}
	if exp.WinnerVersion != nil {
		out["winner_version"] = *exp.WinnerVersion
	}
	return out
}
