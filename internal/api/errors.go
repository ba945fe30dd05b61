package api

import (
	"errors"
	"net/http"

	"surplus-service/internal/apperr"
	"surplus-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:      http.StatusBadRequest,
	apperr.KindConflict:        http.StatusConflict,
	apperr.KindExpired:         http.StatusGone,
	apperr.KindExternalGateway: http.StatusBadGateway,
	apperr.KindNotFound:        http.StatusNotFound,
	apperr.KindForbidden:       http.StatusForbidden,
}

// respondError writes a classified error, or a 500 for anything unclassified
func respondError(c *gin.Context, err error) {
	var e *apperr.Error
	if errors.As(err, &e) {
		status, ok := kindStatus[e.Kind]
		if !ok {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":   e.Code,
			"message": e.Message,
		})
		return
	}

	util.GetLogger().Error("Request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "INTERNAL",
		"message": "internal error",
	})
}

func respondBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   apperr.CodeInvalidInput,
		"message": "Invalid request body",
		"details": err.Error(),
	})
}
