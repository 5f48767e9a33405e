package sink

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	qstashx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/qstash"
)

// Webhook receives QStash deliveries and lands them in the archive. The
// signature check rejects anything QStash did not sign; a verified batch that
// was already archived is acknowledged without effect.
type Webhook struct {
	verifier *qstashx.Client
	archive  *Archive
}

func NewWebhook(verifier *qstashx.Client, archive *Archive) *Webhook {
	return &Webhook{verifier: verifier, archive: archive}
}

// Register mounts the delivery route.
func (w *Webhook) Register(r gin.IRouter) {
	r.POST("/internal/archive/deliver", w.handleDelivery)
}

func (w *Webhook) handleDelivery(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := w.verifier.VerifySignature(body, c.GetHeader("Upstash-Signature")); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad signature"})
		return
	}

	var batch Envelope
	if err := json.Unmarshal(body, &batch); err != nil || batch.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed batch"})
		return
	}

	if err := w.archive.Record(c.Request.Context(), batch.ConversationID, batch.Turns); err != nil {
		log.Error().Err(err).Str("conversation_id", batch.ConversationID).Msg("archive write failed")
		// Non-2xx makes QStash redeliver; the conflict rule keeps that safe.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive write failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": len(batch.Turns)})
}
