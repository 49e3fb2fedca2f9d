package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	leaseguard "go-leaseguard"
	"go-leaseguard/pipeline"
)

// logMailbox stands in for the real mail transport: renewals always succeed,
// history is empty and replies are logged instead of sent. Messages reach the
// pipeline through POST /messages instead.
type logMailbox struct {
	logger   *slog.Logger
	watchFor time.Duration
}

func newLogMailbox(logger *slog.Logger) *logMailbox {
	return &logMailbox{
		logger:   logger,
		watchFor: 7 * 24 * time.Hour,
	}
}

func (m *logMailbox) Watch(ctx context.Context) (time.Time, error) {
	var expiresAt = time.Now().Add(m.watchFor)
	m.logger.Info("mailbox watch renewed", "expires_at", expiresAt)
	return expiresAt, nil
}

func (m *logMailbox) List(ctx context.Context, sinceHistoryID uint64) ([]string, error) {
	return nil, nil
}

func (m *logMailbox) Get(ctx context.Context, id string) (*pipeline.Message, error) {
	return nil, fmt.Errorf("message %s is not stored by the log mailbox", id)
}

func (m *logMailbox) Send(ctx context.Context, reply *pipeline.Reply) error {
	m.logger.Info("reply",
		"to", reply.To,
		"subject", reply.Subject,
		"thread_id", reply.ThreadID,
		"body", reply.Body)
	return nil
}

// lengthGrader scores an attempt by how much of it there is. It exists so the
// pipeline can run end to end without a model behind it.
type lengthGrader struct{}

func (lengthGrader) Grade(ctx context.Context, task *leaseguard.TaskRecord, msg *pipeline.Message) (*pipeline.Grade, error) {
	var words = len(strings.Fields(msg.Body))
	var score = min(words/10, 10)

	return &pipeline.Grade{
		Reply:    "Thanks, noted.",
		Score:    score,
		MaxScore: 10,
		Feedback: "Scored by length only.",
		Rubric: []pipeline.RubricScore{
			{Name: "length", Score: score, MaxScore: 10},
		},
	}, nil
}
