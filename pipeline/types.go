package pipeline

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	leaseguard "go-leaseguard"
)

// Mailbox is the mail transport of the coaching bot.
type Mailbox interface {
	// Watch renews the push subscription and returns its new expiry.
	Watch(ctx context.Context) (time.Time, error)
	// List returns the ids of messages added since the given history id.
	List(ctx context.Context, sinceHistoryID uint64) ([]string, error)
	Get(ctx context.Context, id string) (*Message, error)
	Send(ctx context.Context, reply *Reply) error
}

// Grader evaluates a student's message against the scenario of their task.
type Grader interface {
	Grade(ctx context.Context, task *leaseguard.TaskRecord, msg *Message) (*Grade, error)
}

// Message is an inbound email.
type Message struct {
	ID       string
	ThreadID string
	From     string
	Subject  string
	Body     string
}

// SenderAddress returns the lowercased address part of From, accepting both
// "Name <addr>" and bare addresses.
func (m *Message) SenderAddress() string {
	if parsed, err := mail.ParseAddress(m.From); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(strings.TrimSpace(m.From))
}

// Reply is an outbound email answering a Message in its thread.
type Reply struct {
	To        string
	Subject   string
	Body      string
	InReplyTo string
	ThreadID  string
}

func replyTo(msg *Message, body string) *Reply {
	var subject = msg.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	return &Reply{
		To:        msg.From,
		Subject:   subject,
		Body:      body,
		InReplyTo: msg.ID,
		ThreadID:  msg.ThreadID,
	}
}

// RubricScore is the score of a single rubric item.
type RubricScore struct {
	Name          string
	Score         int
	MaxScore      int
	Justification string
}

// Grade is the outcome of grading one attempt.
type Grade struct {
	// Reply is the in-character answer of the scenario counterpart. Empty means
	// no reply is sent.
	Reply           string
	Score           int
	MaxScore        int
	Feedback        string
	Rubric          []RubricScore
	RevisionExample string
}

// Fields returns the grade as a task result document.
func (g *Grade) Fields() leaseguard.Fields {
	var rubric = make([]any, 0, len(g.Rubric))
	for _, item := range g.Rubric {
		rubric = append(rubric, leaseguard.Fields{
			"name":          item.Name,
			"score":         item.Score,
			"maxScore":      item.MaxScore,
			"justification": item.Justification,
		})
	}

	return leaseguard.Fields{
		"score":           g.Score,
		"maxScore":        g.MaxScore,
		"feedback":        g.Feedback,
		"rubricScores":    rubric,
		"revisionExample": g.RevisionExample,
	}
}

// Body renders the reply sent to the student: the counterpart's answer
// followed by the feedback.
func (g *Grade) Body() string {
	var b strings.Builder

	b.WriteString(g.Reply)
	fmt.Fprintf(&b, "\n\n--- FEEDBACK ---\nScore: %d/%d\n", g.Score, g.MaxScore)

	if len(g.Rubric) > 0 {
		b.WriteString("\nRubric Breakdown:\n")
		for _, item := range g.Rubric {
			fmt.Fprintf(&b, "  - %s: %d/%d", item.Name, item.Score, item.MaxScore)
			if item.Justification != "" {
				fmt.Fprintf(&b, " (%s)", item.Justification)
			}
			b.WriteString("\n")
		}
	}

	if g.Feedback != "" {
		fmt.Fprintf(&b, "\n%s\n", g.Feedback)
	}

	if g.RevisionExample != "" {
		fmt.Fprintf(&b, "\n--- EXAMPLE: How to get 100%% ---\n%s\n", g.RevisionExample)
	}

	return b.String()
}
