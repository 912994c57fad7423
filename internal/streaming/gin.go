package streaming

import (
	"github.com/gin-gonic/gin"
)

// Gin adapts ServeExecution to this codebase's gin-gonic/gin HTTP routing
// convention: GET /executions/:execution_id/stream?since_id=.
func (h *Handler) Gin(c *gin.Context) {
	h.ServeExecution(c.Writer, c.Request, c.Param("execution_id"), c.Query("since_id"))
}

// GinWS adapts ServeExecutionWS to gin routing for clients that request
// the websocket alternate transport: GET /executions/:execution_id/ws?since_id=.
func (h *Handler) GinWS(c *gin.Context) {
	h.ServeExecutionWS(c.Writer, c.Request, c.Param("execution_id"), c.Query("since_id"))
}
