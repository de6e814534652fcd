package handlers

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "promptlab/internal/db"
)

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "pl_" + base64.URLEncoding.EncodeToString(b), nil
}

func CreateAPIKey(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		name := string(ctx.PostArgs().Peek("name"))
		environment := string(ctx.PostArgs().Peek("environment"))

		if name == "" || environment == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "name and environment required")
			return
		}

		user, ok := MustUser(ctx)
		if !ok {
			return
		}
		key, err := generateAPIKey()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to generate API key")
			return
		}

		apiKey := &dbpkg.APIKey{
			UserID:      user.ID,
			Name:        name,
			Environment: environment,
			Key:         key,
			Active:      true,
		}

		if err := db.Create(apiKey).Error; err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "failed to create API key")
			return
		}

		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, map[string]any{
			"id":          apiKey.ID,
			"name":        apiKey.Name,
			"environment": apiKey.Environment,
			"key":         apiKey.Key,
		})
	}
}

func DeleteAPIKey(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.QueryArgs().Peek("id"))
		if id == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "id required")
			return
		}

		user, ok := MustUser(ctx)
		if !ok {
			return
		}
		var apiKey dbpkg.APIKey
		if err := db.First(&apiKey, id).Error; err != nil {
			errResponse(ctx, fasthttp.StatusNotFound, "API key not found")
			return
		}

		if apiKey.UserID != user.ID && !user.IsAdmin {
			errResponse(ctx, fasthttp.StatusForbidden, "forbidden")
			return
		}

		if err := db.Delete(&apiKey).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to delete API key")
			return
		}

		jsonResponse(ctx, map[string]any{"status": "ok"})
	}
}

func SetActiveAPIKey(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.PostArgs().Peek("id"))
		activeStr := string(ctx.PostArgs().Peek("active"))
		if id == "" || (activeStr != "true" && activeStr != "false") {
			errResponse(ctx, fasthttp.StatusBadRequest, "id and active (true|false) required")
			return
		}
		active := activeStr == "true"

		user, ok := MustUser(ctx)
		if !ok {
			return
		}
		var apiKey dbpkg.APIKey
		if err := db.First(&apiKey, id).Error; err != nil {
			errResponse(ctx, fasthttp.StatusNotFound, "API key not found")
			return
		}
		if apiKey.UserID != user.ID && !user.IsAdmin {
			errResponse(ctx, fasthttp.StatusForbidden, "forbidden")
			return
		}

		if err := db.Model(&apiKey).Update("active", active).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to update API key")
			return
		}
		jsonResponse(ctx, map[string]any{"status": "ok", "active": active})
	}
}
