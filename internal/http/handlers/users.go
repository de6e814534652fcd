package handlers

import (
	"strconv"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"promptlab/internal/config"
	dbpkg "promptlab/internal/db"
)

func CreateUser(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		username := string(ctx.PostArgs().Peek("username"))
		password := string(ctx.PostArgs().Peek("password"))
		isAdminStr := string(ctx.PostArgs().Peek("is_admin"))

		if username == "" || password == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "username and password required")
			return
		}

		isAdmin := isAdminStr == "true"

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to hash password")
			return
		}

		user := &dbpkg.User{
			Username:     username,
			PasswordHash: string(hash),
			IsAdmin:      isAdmin,
		}

		if err := db.Create(user).Error; err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "failed to create user (username may already exist)")
			return
		}

		ctx.SetStatusCode(fasthttp.StatusCreated)
		jsonResponse(ctx, map[string]any{"id": user.ID, "username": user.Username, "is_admin": user.IsAdmin})
	}
}

func ListUsers(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var users []dbpkg.User
		if err := db.Order("username ASC").Find(&users).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to list users")
			return
		}

		out := make([]map[string]any, 0, len(users))
		for _, u := range users {
			out = append(out, map[string]any{
				"id":       u.ID,
				"username": u.Username,
				"is_admin": u.IsAdmin,
			})
		}
		jsonResponse(ctx, map[string]any{"users": out})
	}
}

func ResetPassword(db *gorm.DB, cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := userIDFromPath(ctx)
		if !ok {
			return
		}

		newPassword := string(ctx.PostArgs().Peek("password"))
		if newPassword == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "password required")
			return
		}

		var user dbpkg.User
		if err := db.First(&user, id).Error; err != nil {
			errResponse(ctx, fasthttp.StatusNotFound, "user not found")
			return
		}

		if user.Username == cfg.AdminUser {
			errResponse(ctx, fasthttp.StatusForbidden, "cannot reset password for bootstrap admin user")
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to hash password")
			return
		}

		if err := db.Model(&user).Update("password_hash", string(hash)).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to update password")
			return
		}

		jsonResponse(ctx, map[string]any{"status": "ok"})
	}
}

func DeleteUser(db *gorm.DB, cfg *config.Config) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := userIDFromPath(ctx)
		if !ok {
			return
		}

		var user dbpkg.User
		if err := db.First(&user, id).Error; err != nil {
			errResponse(ctx, fasthttp.StatusNotFound, "user not found")
			return
		}

		if user.Username == cfg.AdminUser {
			errResponse(ctx, fasthttp.StatusForbidden, "cannot delete bootstrap admin user")
			return
		}

		if err := db.Delete(&user).Error; err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to delete user")
			return
		}

		jsonResponse(ctx, map[string]any{"status": "ok"})
	}
}

func userIDFromPath(ctx *fasthttp.RequestCtx) (uint64, bool) {
	idStr, ok := pathString(ctx, "id")
	if !ok {
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid user ID")
		return 0, false
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		errResponse(ctx, fasthttp.StatusBadRequest, "invalid user ID")
		return 0, false
	}
	return id, true
}
