package handlers

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"promptlab/internal/cache"
	dbpkg "promptlab/internal/db"
)

type createVersionRequest struct {
	Name      string   `json:"name"`
	Template  string   `json:"template"`
	Variables []string `json:"variables,omitempty"`
	CreatedBy string   `json:"created_by,omitempty"`
}

// CreateVersion registers a new immutable version for a prompt name.
func CreateVersion(store *dbpkg.PromptStore) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req createVersionRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		createdBy := req.CreatedBy
		if createdBy == "" {
			if user, ok := MustUser(ctx); ok {
				createdBy = user.Username
			} else {
				return
			}
		}

		version, err := store.CreateVersion(req.Name, req.Template, req.Variables, createdBy)
		if err != nil {
			storeError(ctx, err)
			return
		}

		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, map[string]any{"name": req.Name, "version": version})
	}
}

// ActivatePrompt deploys a specific version and invalidates the cache
// entry before acknowledging, so the next read observes the new pointer.
func ActivatePrompt(store *dbpkg.PromptStore, vc *cache.VersionCache) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name, ok := pathString(ctx, "name")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "prompt name required")
			return
		}
		versionStr, ok := pathString(ctx, "version")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "version required")
			return
		}
		version, err := strconv.Atoi(versionStr)
		if err != nil || version <= 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid version")
			return
		}

		if err := store.ActivateVersion(name, version); err != nil {
			storeError(ctx, err)
			return
		}
		vc.Invalidate(name)

		jsonResponse(ctx, map[string]any{"status": "activated", "name": name, "version": version})
	}
}

// RollbackPrompt swaps the active version with the previously active one.
func RollbackPrompt(store *dbpkg.PromptStore, vc *cache.VersionCache) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name, ok := pathString(ctx, "name")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "prompt name required")
			return
		}

		if err := store.Rollback(name); err != nil {
			storeError(ctx, err)
			return
		}
		vc.Invalidate(name)

		active, err := store.GetActive(name)
		if err != nil {
			storeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"status": "rolled_back", "name": name, "version": active.Version})
	}
}

// ListPrompts returns the distinct prompt names known to the registry.
func ListPrompts(store *dbpkg.PromptStore) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		names, err := store.ListNames()
		if err != nil {
			storeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{"prompts": names})
	}
}

// ListPromptVersions returns every version of a prompt, oldest first.
func ListPromptVersions(store *dbpkg.PromptStore) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name, ok := pathString(ctx, "name")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "prompt name required")
			return
		}

		rows, err := store.ListVersions(name)
		if err != nil {
			storeError(ctx, err)
			return
		}

		out := make([]map[string]any, 0, len(rows))
		for _, row := range rows {
			out = append(out, map[string]any{
				"version":    row.Version,
				"created_at": row.CreatedAt.Format(time.RFC3339),
				"created_by": row.CreatedBy,
				"variables":  []string(row.Variables),
			})
		}
		jsonResponse(ctx, map[string]any{"name": name, "versions": out})
	}
}

// ActivePrompt serves the consumer default: the cached active template
// and version for a prompt name.
func ActivePrompt(vc *cache.VersionCache) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name, ok := pathString(ctx, "name")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "prompt name required")
			return
		}

		active, err := vc.Get(name)
		if err != nil {
			storeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{
			"name":     active.Name,
			"version":  active.Version,
			"template": active.Template,
		})
	}
}

// CacheStats reports the version cache size and TTL.
func CacheStats(vc *cache.VersionCache) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		stats := vc.Stats()
		jsonResponse(ctx, map[string]any{
			"size":        stats.Size,
			"ttl_seconds": int(stats.TTL.Seconds()),
		})
	}
}

// ClearCache drops every cached entry. Meant for out-of-band database
// edits, where no write path has invalidated for the affected names.
func ClearCache(vc *cache.VersionCache) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		vc.Clear()
		jsonResponse(ctx, map[string]any{"status": "cleared"})
	}
}

// GetPromptVersion serves one specific version, used by consumers
// following an experiment routing override instead of the active pointer.
func GetPromptVersion(store *dbpkg.PromptStore) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name, ok := pathString(ctx, "name")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "prompt name required")
			return
		}
		versionStr, ok := pathString(ctx, "version")
		if !ok {
			errResponse(ctx, fasthttp.StatusBadRequest, "version required")
			return
		}
		version, err := strconv.Atoi(versionStr)
		if err != nil || version <= 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid version")
			return
		}

		row, err := store.GetVersion(name, version)
		if err != nil {
			storeError(ctx, err)
			return
		}
		jsonResponse(ctx, map[string]any{
			"name":       row.Name,
			"version":    row.Version,
			"template":   row.Template,
			"variables":  []string(row.Variables),
			"created_by": row.CreatedBy,
			"created_at": row.CreatedAt.Format(time.RFC3339),
		})
	}
}
