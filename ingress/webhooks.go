package ingress

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	nodeflow "nodeflow"
	"nodeflow/ctxlog"
)

// payloadMapper turns a decoded webhook body into the value stored under the
// trigger's context key.
type payloadMapper func(body map[string]any) map[string]any

func googleFormData(body map[string]any) map[string]any {
	return map[string]any{
		"formId":          body["formId"],
		"formTitle":       body["formTitle"],
		"responseId":      body["responseId"],
		"timestamp":       body["timestamp"],
		"respondentEmail": body["respondentEmail"],
		"responses":       body["responses"],
		"raw":             body,
	}
}

func stripeData(body map[string]any) map[string]any {
	var raw any
	if data, ok := body["data"].(map[string]any); ok {
		raw = data["object"]
	}
	return map[string]any{
		"eventId":   body["id"],
		"eventType": body["type"],
		"timestamp": body["created"],
		"livemode":  body["livemode"],
		"raw":       raw,
	}
}

// webhook handles POST /webhooks/<source>?workflowId=... by starting the
// workflow with {key: mapper(body)} as its initial context.
func (s *Server) webhook(key string, mapper payloadMapper) gin.HandlerFunc {
	return func(c *gin.Context) {
		workflowID := c.Query("workflowId")
		if workflowID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Missing required query parameter: workflowId"})
			return
		}

		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			ctxlog.FromContext(c.Request.Context()).Warn("malformed webhook payload", slog.String("source", key), slog.Any("error", err))
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "payload must be a JSON object"})
			return
		}
		if body == nil {
			body = map[string]any{}
		}
		s.trigger(c, workflowID, nodeflow.Context{key: mapper(body)})
	}
}
