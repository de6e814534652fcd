package middleware

import (
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"promptlab/internal/config"
	dbpkg "promptlab/internal/db"
	httpctx "promptlab/internal/http/ctx"
)

// AdminAuth returns middleware that loads the session user from the
// login cookie and sets it on the context. The operator surface is an
// API, not a UI, so missing or invalid sessions get 401 rather than a
// redirect.
func AdminAuth(db *gorm.DB, cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			cookie := ctx.Request.Header.Cookie("session_user")
			if len(cookie) == 0 {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("not signed in")
				return
			}
			username := string(cookie)

			var user dbpkg.User
			if err := db.Where("username = ?", username).First(&user).Error; err != nil {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetBodyString("not signed in")
				return
			}

			if user.Username == cfg.AdminUser {
				user.IsAdmin = true
			}

			httpctx.SetUser(ctx, &user)
			next(ctx)
		}
	}
}
