package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	leaseguard "go-leaseguard"
)

type fakeMailbox struct {
	mu       sync.Mutex
	messages map[string]*Message
	ids      []string
	listErr  error
	sendErr  error
	watches  int
	listed   []uint64
	sent     []*Reply
}

func newFakeMailbox(msgs ...*Message) *fakeMailbox {
	var m = &fakeMailbox{messages: make(map[string]*Message)}
	for _, msg := range msgs {
		m.messages[msg.ID] = msg
		m.ids = append(m.ids, msg.ID)
	}
	return m
}

func (m *fakeMailbox) Watch(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watches++
	return time.Now().Add(7 * 24 * time.Hour), nil
}

func (m *fakeMailbox) List(_ context.Context, since uint64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listed = append(m.listed, since)
	return m.ids, m.listErr
}

func (m *fakeMailbox) Get(_ context.Context, id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msg, ok = m.messages[id]
	if !ok {
		return nil, errors.New("message not found")
	}
	return msg, nil
}

func (m *fakeMailbox) Send(_ context.Context, reply *Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, reply)
	return nil
}

func (m *fakeMailbox) Sent() []*Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Reply(nil), m.sent...)
}

type fakeGrader struct {
	mu    sync.Mutex
	grade *Grade
	err   error
	calls int
	tasks []*leaseguard.TaskRecord
}

func (g *fakeGrader) Grade(_ context.Context, task *leaseguard.TaskRecord, _ *Message) (*Grade, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.tasks = append(g.tasks, task)
	if g.err != nil {
		return nil, g.err
	}
	return g.grade, nil
}

func (g *fakeGrader) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// completionFailingStore fails writes that mark a task completed. A negative
// failures count fails every one of them.
type completionFailingStore struct {
	leaseguard.TransactionalStore

	mu       sync.Mutex
	failures int
	err      error
}

func (s *completionFailingStore) Set(ctx context.Context, key string, fields leaseguard.Fields) error {
	s.mu.Lock()
	if fields.String("status") == string(leaseguard.TaskCompleted) && s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		return s.err
	}
	s.mu.Unlock()

	return s.TransactionalStore.Set(ctx, key, fields)
}
