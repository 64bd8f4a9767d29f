package response

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	appErr "garame-service/pkg/errors"

	"github.com/gin-gonic/gin"
)

// Body is the envelope of every JSON reply. Kind and ErrCode are set on failures from the error taxonomy.
type Body struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Msg     string      `json:"msg"`
	Kind    string      `json:"kind,omitempty"`
	ErrCode string      `json:"errCode,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, data, "")
}

func SuccessWithMsg(c *gin.Context, data interface{}, msg string) {
	JSON(c, http.StatusOK, data, msg)
}

func Error(c *gin.Context, status int, msg string) {
	JSON(c, status, gin.H{}, msg)
}

func JSON(c *gin.Context, status int, data interface{}, msg string) {
	if data == nil {
		data = gin.H{}
	}
	c.JSON(status, Body{
		Code: status,
		Data: data,
		Msg:  msg,
	})
}

// Fail renders err with the status its kind maps to. Suspensions carry Retry-After.
func Fail(c *gin.Context, err error) {
	status := StatusOf(err)
	var se *appErr.SuspensionError
	if errors.As(err, &se) && !se.Until.IsZero() {
		if secs := int(time.Until(se.Until).Seconds()); secs > 0 {
			c.Header("Retry-After", strconv.Itoa(secs))
		}
	}
	kind, code := appErr.KindOf(err), appErr.CodeOf(err)
	c.JSON(status, Body{
		Code:    status,
		Data:    gin.H{"kind": kind, "code": code},
		Msg:     err.Error(),
		Kind:    string(kind),
		ErrCode: string(code),
	})
}

// AbortFail is Fail for middleware: the rest of the chain is skipped.
func AbortFail(c *gin.Context, err error) {
	Fail(c, err)
	c.Abort()
}

func StatusOf(err error) int {
	switch appErr.KindOf(err) {
	case appErr.KindValidation:
		return http.StatusUnprocessableEntity
	case appErr.KindFund:
		return http.StatusPaymentRequired
	case appErr.KindIntegrity, appErr.KindFinalized:
		return http.StatusConflict
	case appErr.KindConcurrency:
		if errors.Is(err, appErr.ErrLockTimeout) {
			return http.StatusLocked
		}
		return http.StatusConflict
	case appErr.KindSuspension:
		return http.StatusTooManyRequests
	}
	switch {
	case errors.Is(err, appErr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, appErr.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, appErr.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, appErr.ErrSessionExists), errors.Is(err, appErr.ErrSessionInPlay),
		errors.Is(err, appErr.ErrSessionNotFinished):
		return http.StatusConflict
	case errors.Is(err, appErr.ErrInvalidSessionParams), errors.Is(err, appErr.ErrUnknownGameType),
		errors.Is(err, appErr.ErrInvalidWalletPayload):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
