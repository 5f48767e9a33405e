// Package sink moves finalized turns out of the interactive path: a QStash
// publisher hands batches to the delivery webhook, which lands them in the
// Postgres archive. Redelivery is harmless at every hop.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
	qstashx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/pkg/qstash"
)

const (
	queueDepth     = 128
	maxAttempts    = 4
	initialBackoff = time.Second
	publishTimeout = 15 * time.Second
)

// Envelope is the wire shape of one archived batch.
type Envelope struct {
	ConversationID string           `json:"conversation_id"`
	Turns          []contractx.Turn `json:"turns"`
}

// DedupID derives the QStash deduplication id for a batch. It depends only
// on the conversation and the sequence span, so re-publishing the same batch
// after a transient failure collapses server-side.
func DedupID(conversationID string, turns []contractx.Turn) string {
	if len(turns) == 0 {
		return conversationID
	}
	return fmt.Sprintf("%s:%d-%d", conversationID, turns[0].Seq, turns[len(turns)-1].Seq)
}

// QStashSink publishes turn batches through QStash with background retry.
// Enqueue never blocks the caller; when the queue is full the batch is
// dropped with a log line and the state store remains the source of truth.
type QStashSink struct {
	client      *qstashx.Client
	destination string

	queue chan Envelope
	done  chan struct{}
	once  sync.Once
}

func NewQStashSink(client *qstashx.Client, destination string) (*QStashSink, error) {
	if client == nil {
		return nil, fmt.Errorf("qstash client is required")
	}
	if destination == "" {
		return nil, fmt.Errorf("sink destination is required")
	}
	s := &QStashSink{
		client:      client,
		destination: destination,
		queue:       make(chan Envelope, queueDepth),
		done:        make(chan struct{}),
	}
	go s.worker()
	return s, nil
}

func (s *QStashSink) Enqueue(conversationID string, turns []contractx.Turn) {
	if len(turns) == 0 {
		return
	}
	batch := Envelope{ConversationID: conversationID, Turns: append([]contractx.Turn(nil), turns...)}
	select {
	case s.queue <- batch:
	default:
		log.Warn().
			Str("conversation_id", conversationID).
			Int("turns", len(turns)).
			Msg("archive queue full, batch dropped")
	}
}

// Close drains the queue and stops the worker.
func (s *QStashSink) Close() {
	s.once.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *QStashSink) worker() {
	defer close(s.done)
	for batch := range s.queue {
		s.publish(batch)
	}
}

func (s *QStashSink) publish(batch Envelope) {
	body, err := json.Marshal(batch)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", batch.ConversationID).Msg("unencodable archive batch")
		return
	}
	dedupID := DedupID(batch.ConversationID, batch.Turns)

	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = s.client.Publish(ctx, s.destination, body, dedupID)
		cancel()
		if err == nil {
			return
		}
		log.Warn().Err(err).
			Str("conversation_id", batch.ConversationID).
			Int("attempt", attempt).
			Msg("archive publish failed")
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	log.Error().
		Str("conversation_id", batch.ConversationID).
		Str("dedup_id", dedupID).
		Msg("archive batch abandoned after retries")
}
