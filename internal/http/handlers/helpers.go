package handlers

import (
	"encoding/json"
	"log"
	"time"

	"github.com/valyala/fasthttp"

	dbpkg "promptlab/internal/db"
	httpctx "promptlab/internal/http/ctx"
)

// MustUser returns the current user from context, or sends 401 and returns (nil, false).
func MustUser(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	u, ok := httpctx.UserFromCtx(ctx)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString("unauthorized")
		return nil, false
	}
	user, ok := u.(*dbpkg.User)
	if !ok || user == nil {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		ctx.SetBodyString("unauthorized")
		return nil, false
	}
	return user, true
}

// RequestLogger returns fasthttp middleware that logs method, path, status, duration.
func RequestLogger(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		log.Printf("%s %s -> %d (%s) ip=%s", ctx.Method(), ctx.Path(), ctx.Response.StatusCode(), time.Since(start), ctx.RemoteAddr())
	}
}

func jsonResponse(ctx *fasthttp.RequestCtx, data any) {
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(data)
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	ctx.SetStatusCode(code)
	ctx.SetBodyString(msg)
}

// storeError maps the store error taxonomy onto HTTP statuses and a
// machine-readable JSON body. Anything that is not a *db.Error is a
// plain internal error.
func storeError(ctx *fasthttp.RequestCtx, err error) {
	if e, ok := err.(*dbpkg.Error); ok {
		status := fasthttp.StatusInternalServerError
		switch e.Kind {
		case dbpkg.KindValidation:
			status = fasthttp.StatusBadRequest
		case dbpkg.KindNotFound:
			status = fasthttp.StatusNotFound
		case dbpkg.KindConflict, dbpkg.KindState:
			status = fasthttp.StatusConflict
		}
		ctx.SetStatusCode(status)
		jsonResponse(ctx, map[string]any{"error": string(e.Kind), "reason": e.Reason})
		return
	}

	log.Printf("internal error on %s %s: %v", ctx.Method(), ctx.Path(), err)
	errResponse(ctx, fasthttp.StatusInternalServerError, "internal error")
}

// pathString reads a string path parameter set by the router.
func pathString(ctx *fasthttp.RequestCtx, name string) (string, bool) {
	v := ctx.UserValue(name)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
