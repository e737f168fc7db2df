package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SendError envía una respuesta de error con un formato estandarizado,
// el mismo en todos los endpoints del bus.
func SendError(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": message})
}

// --- Helpers específicos para errores comunes ---

func SendBadRequest(c *gin.Context, message string) {
	SendError(c, http.StatusBadRequest, message)
}

func SendNotFound(c *gin.Context, message string) {
	SendError(c, http.StatusNotFound, message)
}

func SendForbidden(c *gin.Context, message string) {
	SendError(c, http.StatusForbidden, message)
}

func SendInternalServerError(c *gin.Context, message string) {
	SendError(c, http.StatusInternalServerError, message)
}
