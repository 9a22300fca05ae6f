package apihandlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Errors leave the API as {"error": {"code": "...", "message": "..."}} so
// the office frontend can switch on the code without parsing the message.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func JSONError(ctx *gin.Context, status int, code, msg string) {
	ctx.JSON(status, errorEnvelope{Error: apiError{Code: code, Message: msg}})
}

func BadRequest(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusBadRequest, "bad_request", msg)
}

func NotFound(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusNotFound, "not_found", msg)
}

// Conflict covers CAS failures and invalid status transitions. Clients
// treat it as "refetch and retry".
func Conflict(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusConflict, "conflict", msg)
}

func Internal(ctx *gin.Context, msg string) {
	JSONError(ctx, http.StatusInternalServerError, "internal_error", msg)
}
