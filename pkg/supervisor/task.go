package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/autoschematic-sh/autoschematic/pkg/config"
	"github.com/autoschematic-sh/autoschematic/pkg/connector/protocol"
)

// TaskState is the lifecycle state of a background task.
type TaskState string

const (
	// TaskIdle means the task is defined but has no running process.
	TaskIdle TaskState = "idle"

	// TaskRunning means the task process is alive and accepting messages.
	TaskRunning TaskState = "running"

	// TaskShuttingDown means a shutdown message was delivered and the task
	// is draining. It still accepts messages until the process exits.
	TaskShuttingDown TaskState = "shutting_down"

	// TaskDead means the task process exited. A dead task can be spawned
	// again, which returns it to running.
	TaskDead TaskState = "dead"
)

// Task is a long-lived child process addressed by message rather than by
// the resource RPC surface.
type Task struct {
	Key Key

	mu sync.Mutex

	state TaskState
	proc  *childProc

	// launching guards the window between the state check and the process
	// launch so concurrent spawns cannot each start a process.
	launching bool
}

// State returns the task's current lifecycle state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) report() ChildReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := ChildReport{
		Key:    t.Key,
		Kind:   string(kindTask),
		State:  t.state,
		Status: Status{Alive: t.state == TaskRunning || t.state == TaskShuttingDown},
	}
	if t.proc != nil {
		r.Pid = t.proc.pid
	}
	return r
}

func (t *Task) stop(ctx context.Context) {
	t.mu.Lock()
	proc := t.proc
	t.state = TaskDead
	t.mu.Unlock()
	if proc == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_ = proc.client.Shutdown(shutdownCtx)
	cancel()
	_ = proc.client.Close()
	if proc.kill != nil {
		proc.kill()
	}
	if proc.socket != "" {
		_ = os.Remove(proc.socket)
	}
}

// SpawnTask starts the named task process. An idle or dead task transitions
// to running; spawning an already running task is an error.
func (s *Supervisor) SpawnTask(ctx context.Context, key Key, def *config.TaskDef) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if !ok {
		t = &Task{Key: key, state: TaskIdle}
		s.tasks[key] = t
	}
	s.mu.Unlock()

	t.mu.Lock()
	if t.launching {
		t.mu.Unlock()
		return nil, fmt.Errorf("task %s is already being spawned", keyString(key))
	}
	switch t.state {
	case TaskRunning, TaskShuttingDown:
		t.mu.Unlock()
		return nil, fmt.Errorf("task %s is already running", keyString(key))
	case TaskIdle, TaskDead:
	}
	t.launching = true
	t.mu.Unlock()

	s.log.Info().
		Str("prefix", key.Prefix).
		Str("name", key.Name).
		Str("binary", def.Binary).
		Msg("spawning task")

	proc, err := s.launch(ctx, launchSpec{
		kind:    kindTask,
		key:     key,
		binary:  def.Binary,
		env:     def.Env,
		network: def.Network,
	})
	if err != nil {
		t.mu.Lock()
		t.launching = false
		t.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordSpawn(string(kindTask), "failure")
		}
		return nil, err
	}

	t.mu.Lock()
	t.proc = proc
	t.state = TaskRunning
	t.launching = false
	t.mu.Unlock()

	go s.watchTaskExit(t, proc)
	if s.metrics != nil {
		s.metrics.RecordSpawn(string(kindTask), "success")
		s.metrics.SetLiveChildren(string(kindTask), float64(s.liveTasks()))
	}
	return t, nil
}

func (s *Supervisor) watchTaskExit(t *Task, proc *childProc) {
	if proc.exited == nil {
		return
	}
	<-proc.exited
	t.mu.Lock()
	// Only the process we watched moves the state; a relaunched task owns a
	// fresh proc.
	if t.proc == proc {
		t.state = TaskDead
		_ = proc.client.Close()
	}
	t.mu.Unlock()
	s.log.Info().
		Str("prefix", t.Key.Prefix).
		Str("name", t.Key.Name).
		Msg("task process exited")
	if s.metrics != nil {
		s.metrics.SetLiveChildren(string(kindTask), float64(s.liveTasks()))
	}
}

// SendTaskMessage delivers a message to a running task. A shutdown message
// moves the task to shutting_down; messages to idle or dead tasks are
// rejected.
func (s *Supervisor) SendTaskMessage(ctx context.Context, key Key, msg protocol.TaskMessage) error {
	s.mu.Lock()
	t, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such task: %s", keyString(key))
	}

	t.mu.Lock()
	state := t.state
	proc := t.proc
	if state == TaskRunning && msg.Type == protocol.TaskMessageShutDown {
		t.state = TaskShuttingDown
	}
	t.mu.Unlock()

	switch state {
	case TaskIdle:
		return fmt.Errorf("task %s is not running", keyString(key))
	case TaskDead:
		return fmt.Errorf("task %s is dead", keyString(key))
	}
	return proc.client.SendTaskMessage(ctx, msg)
}

// TaskStatus returns the state of the named task, or idle if it has never
// been spawned.
func (s *Supervisor) TaskStatus(key Key) TaskState {
	s.mu.Lock()
	t, ok := s.tasks[key]
	s.mu.Unlock()
	if !ok {
		return TaskIdle
	}
	return t.State()
}

// Tasks returns every registered task, in undefined order.
func (s *Supervisor) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

func (s *Supervisor) liveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		st := t.State()
		if st == TaskRunning || st == TaskShuttingDown {
			n++
		}
	}
	return n
}
