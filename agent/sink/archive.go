package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	contractx "github.com/tanpawarit/Craftora-Agent-Orchestration-Core/agent/contract"
)

// TurnRecord is one archived turn. The unique pair (conversation_id,
// sequence_number) makes Record idempotent under QStash redelivery.
type TurnRecord struct {
	bun.BaseModel `bun:"table:conversation_turns"`

	ID             int64     `bun:"id,pk,autoincrement"`
	ConversationID string    `bun:"conversation_id,notnull"`
	SequenceNumber int64     `bun:"sequence_number,notnull"`
	Role           string    `bun:"role,notnull"`
	AgentName      string    `bun:"agent_name"`
	Content        string    `bun:"content"`
	ToolName       string    `bun:"tool_name"`
	ToolData       []byte    `bun:"tool_data,type:jsonb"`
	SpokenAt       time.Time `bun:"spoken_at,notnull"`
	ArchivedAt     time.Time `bun:"archived_at,notnull,default:current_timestamp"`
}

// Archive is the durable transcript store behind the delivery webhook.
type Archive struct {
	db *bun.DB
}

type ArchiveConfig struct {
	DSN string `split_words:"true" required:"true"`
}

func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive dsn is required")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	return &Archive{db: bun.NewDB(sqldb, pgdialect.New())}, nil
}

// NewArchiveWithDB wraps an existing handle, used by tests.
func NewArchiveWithDB(db *bun.DB) *Archive {
	return &Archive{db: db}
}

// EnsureSchema creates the archive table and its idempotency constraint.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.NewCreateTable().
		Model((*TurnRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create archive table: %w", err)
	}
	if _, err := a.db.NewCreateIndex().
		Model((*TurnRecord)(nil)).
		Index("conversation_turns_conv_seq_uq").
		Unique().
		IfNotExists().
		Column("conversation_id", "sequence_number").
		Exec(ctx); err != nil {
		return fmt.Errorf("create archive index: %w", err)
	}
	return nil
}

// Record inserts a batch, skipping rows already archived. Redelivered
// batches and overlapping retries land as no-ops.
func (a *Archive) Record(ctx context.Context, conversationID string, turns []contractx.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	records := make([]TurnRecord, 0, len(turns))
	for _, t := range turns {
		records = append(records, TurnRecord{
			ConversationID: conversationID,
			SequenceNumber: t.Seq,
			Role:           string(t.Role),
			AgentName:      string(t.AgentName),
			Content:        t.Content,
			ToolName:       t.ToolName,
			ToolData:       t.ToolData,
			SpokenAt:       t.Timestamp,
			ArchivedAt:     time.Now().UTC(),
		})
	}
	if _, err := a.db.NewInsert().
		Model(&records).
		On("CONFLICT (conversation_id, sequence_number) DO NOTHING").
		Exec(ctx); err != nil {
		return fmt.Errorf("archive batch for conversation=%s: %w", conversationID, err)
	}
	return nil
}

// Transcript returns the archived turns for one conversation in sequence
// order, up to limit (0 means all).
func (a *Archive) Transcript(ctx context.Context, conversationID string, limit int) ([]TurnRecord, error) {
	var records []TurnRecord
	q := a.db.NewSelect().
		Model(&records).
		Where("conversation_id = ?", conversationID).
		Order("sequence_number ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("load transcript for conversation=%s: %w", conversationID, err)
	}
	return records, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}
