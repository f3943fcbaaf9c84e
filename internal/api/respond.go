package api

import "github.com/gin-gonic/gin"

// fail writes the standard error envelope.
func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// failDetails writes the error envelope with extra context.
func failDetails(c *gin.Context, status int, msg string, details any) {
	c.JSON(status, gin.H{"success": false, "error": msg, "details": details})
}
