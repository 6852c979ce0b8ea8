// Package memory provides an in-memory store.Store implementation, used as
// a test double for internal/broker/* packages that don't need a real
// SQLite file.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kandev/broker/internal/store"
	v1 "github.com/kandev/broker/pkg/api/v1"
)

// Store is an in-memory store.Store implementation.
type Store struct {
	mu            sync.RWMutex
	tasks         map[string]*v1.Task
	messages      map[string][]*v1.TaskMessage
	agents        map[string]*v1.Agent
	waiting       map[string]*v1.WaitingAgent
	pendingAcks   map[string]*v1.PendingAck
	events        []*v1.Event
	evictions     map[string]time.Time
	systemPrompts map[string][]*v1.SystemPrompt
	settings      map[string]string
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		tasks:         make(map[string]*v1.Task),
		messages:      make(map[string][]*v1.TaskMessage),
		agents:        make(map[string]*v1.Agent),
		waiting:       make(map[string]*v1.WaitingAgent),
		pendingAcks:   make(map[string]*v1.PendingAck),
		evictions:     make(map[string]time.Time),
		systemPrompts: make(map[string][]*v1.SystemPrompt),
		settings:      make(map[string]string),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[key]
	return value, ok, nil
}

func (s *Store) SetSettingIfAbsent(ctx context.Context, key, value string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.settings[key]; ok {
		return existing, nil
	}
	s.settings[key] = value
	return value, nil
}

func (s *Store) CreateTask(ctx context.Context, task *v1.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDependencyCycleLocked(task.ID, task.Dependencies); err != nil {
		return err
	}

	cp := *task
	s.tasks[task.ID] = &cp
	s.appendEventLocked("task:created", map[string]any{"taskId": task.ID, "status": string(task.Status)})
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *task
	cp.Messages = s.messages[id]
	return &cp, nil
}

func (s *Store) UpdateTask(ctx context.Context, mut store.TaskMutation) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[mut.Task.ID]; !ok {
		return 0, store.ErrNotFound
	}

	cp := *mut.Task
	if mut.History != nil {
		cp.History = append(append([]v1.HistoryEntry{}, s.tasks[mut.Task.ID].History...), *mut.History)
	} else {
		cp.History = s.tasks[mut.Task.ID].History
	}
	s.tasks[mut.Task.ID] = &cp

	return s.appendEventLocked("task:updated", map[string]any{"taskId": mut.Task.ID, "status": string(mut.Task.Status)}), nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...v1.TaskStatus) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[v1.TaskStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*v1.Task
	for _, task := range s.tasks {
		if want[task.Status] {
			cp := *task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		wi, wj := out[i].Priority.Weight(), out[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListTasksByAgent(ctx context.Context, agentID string) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Task
	for _, task := range s.tasks {
		if task.To.AgentID != nil && *task.To.AgentID == agentID && !task.Status.IsTerminal() {
			cp := *task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListAllTasks(ctx context.Context) ([]*v1.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) checkDependencyCycleLocked(taskID string, deps []string) error {
	visited := make(map[string]bool)
	queue := append([]string{}, deps...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == taskID {
			return store.ErrDependencyCycle
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if task, ok := s.tasks[id]; ok {
			queue = append(queue, task.Dependencies...)
		}
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *v1.TaskMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *msg
	s.messages[msg.TaskID] = append(s.messages[msg.TaskID], &cp)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, taskID string) ([]*v1.TaskMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1.TaskMessage, len(s.messages[taskID]))
	copy(out, s.messages[taskID])
	return out, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.messages[taskID] {
		msg.IsRead = true
	}
	return nil
}

func (s *Store) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*v1.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *agent
	cp.Status = s.deriveAgentStatusLocked(id)
	return &cp, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1.Agent, 0, len(s.agents))
	for id, agent := range s.agents {
		cp := *agent
		cp.Status = s.deriveAgentStatusLocked(id)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.agents, id)
	delete(s.waiting, id)
	return nil
}

func (s *Store) deriveAgentStatusLocked(agentID string) v1.AgentStatus {
	if _, waiting := s.waiting[agentID]; waiting {
		return v1.AgentStatusWaiting
	}
	for _, task := range s.tasks {
		if task.To.AgentID != nil && *task.To.AgentID == agentID && !task.Status.IsTerminal() {
			return v1.AgentStatusProcessing
		}
	}
	return v1.AgentStatusOffline
}

func (s *Store) EnterWaiting(ctx context.Context, w *v1.WaitingAgent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *w
	s.waiting[w.AgentID] = &cp
	return nil
}

func (s *Store) LeaveWaiting(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.waiting, agentID)
	return nil
}

func (s *Store) ListWaiting(ctx context.Context) ([]*v1.WaitingAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*v1.WaitingAgent, 0, len(s.waiting))
	for _, w := range s.waiting {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out, nil
}

func (s *Store) CreatePendingAck(ctx context.Context, p *v1.PendingAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.pendingAcks[p.TaskID] = &cp
	return nil
}

func (s *Store) DeletePendingAck(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pendingAcks, taskID)
	return nil
}

func (s *Store) ListPendingAcksOlderThan(ctx context.Context, threshold time.Time) ([]*v1.PendingAck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.PendingAck
	for _, p := range s.pendingAcks {
		if p.SentAt.Before(threshold) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListEventsSince(ctx context.Context, since int64) ([]*v1.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*v1.Event
	for _, e := range s.events {
		if e.Seq > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].Seq, nil
}

func (s *Store) CreateEviction(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictions[agentID] = time.Now().UTC()
	return nil
}

func (s *Store) TakePendingEviction(ctx context.Context, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.evictions[agentID]; !ok {
		return false, nil
	}
	delete(s.evictions, agentID)
	return true, nil
}

func (s *Store) CreateSystemPrompt(ctx context.Context, p *v1.SystemPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.systemPrompts[p.AgentID] = append(s.systemPrompts[p.AgentID], &cp)
	return nil
}

func (s *Store) TakePendingSystemPrompt(ctx context.Context, agentID string) (*v1.SystemPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.systemPrompts[agentID]
	if len(queue) == 0 {
		return nil, nil
	}

	best := 0
	for i, p := range queue[1:] {
		if p.Priority.Weight() > queue[best].Priority.Weight() {
			best = i + 1
		}
	}

	prompt := queue[best]
	s.systemPrompts[agentID] = append(queue[:best], queue[best+1:]...)
	return prompt, nil
}

// appendEventLocked must be called with s.mu held for writing.
func (s *Store) appendEventLocked(kind string, payload map[string]any) int64 {
	seq := int64(len(s.events) + 1)
	s.events = append(s.events, &v1.Event{Seq: seq, Kind: kind, Payload: payload})
	return seq
}
