package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// --- Execution Handlers ---

// getExecution handles GET /api/v1/executions/:id
func (s *Server) getExecution(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid execution ID"})
		return
	}

	log, err := s.logStore.GetLog(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}

	c.JSON(http.StatusOK, log)
}

// --- Cluster Handlers ---

// getLeader handles GET /api/v1/cluster/leader. Cancelling a running
// execution isn't exposed here: a worker only learns to stop mid-attempt
// via its own handler's context cancellation on shutdown, there is no
// cross-process kill switch for an in-flight attempt.
func (s *Server) getLeader(c *gin.Context) {
	if s.election == nil {
		c.JSON(http.StatusOK, gin.H{"leader": "", "coordinationEnabled": false})
		return
	}

	leader, err := s.election.Leader(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"leader": "", "coordinationEnabled": true, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"leader": leader, "coordinationEnabled": true})
}
