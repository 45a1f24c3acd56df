package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"devicegate/models"
)

// LogSink receives classified agent output lines. Implemented by the agent
// log broker on the API side.
type LogSink interface {
	BroadcastLogLine(deviceID, category, message string, payload interface{})
}

// AgentRunner drives the external phone-agent subprocess. One run per
// device at a time; output lines are classified and fanned out to log
// subscribers, and the run outcome is recorded in history.
type AgentRunner struct {
	command  string
	maxSteps int
	history  *HistoryStore
	sink     LogSink

	mu      sync.Mutex
	running map[string]context.CancelFunc // by device id
}

func NewAgentRunner(command string, maxSteps int, history *HistoryStore, sink LogSink) *AgentRunner {
	return &AgentRunner{
		command:  command,
		maxSteps: maxSteps,
		history:  history,
		sink:     sink,
		running:  make(map[string]context.CancelFunc),
	}
}

// StartRun launches the agent for one instruction. Returns immediately; the
// run progresses in the background and reports through the log sink.
func (r *AgentRunner) StartRun(deviceID, serial, instruction string) (*models.AgentRun, error) {
	if r.command == "" {
		return nil, fmt.Errorf("no agent command configured")
	}

	r.mu.Lock()
	if _, busy := r.running[deviceID]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent already running for device %s", deviceID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running[deviceID] = cancel
	r.mu.Unlock()

	run := &models.AgentRun{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		Instruction: instruction,
		Status:      "running",
		StartedAt:   time.Now().Unix(),
	}
	if r.history != nil {
		if err := r.history.StartAgentRun(ctx, run); err != nil {
			logrus.WithError(err).Warn("failed to record agent run")
		}
	}

	go r.execute(ctx, run, serial)
	return run, nil
}

// Cancel stops the device's active run, if any.
func (r *AgentRunner) Cancel(deviceID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[deviceID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *AgentRunner) execute(ctx context.Context, run *models.AgentRun, serial string) {
	defer func() {
		r.mu.Lock()
		delete(r.running, run.DeviceID)
		r.mu.Unlock()
	}()

	parts := strings.Fields(r.command)
	args := append(parts[1:],
		"--device", serial,
		"--instruction", run.Instruction,
		"--max-steps", fmt.Sprintf("%d", r.maxSteps),
	)
	cmd := exec.CommandContext(ctx, parts[0], args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.finish(run, "failed", err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.finish(run, "failed", err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		r.finish(run, "failed", err.Error())
		r.broadcast(run.DeviceID, models.LogError, fmt.Sprintf("agent start failed: %v", err))
		return
	}
	r.broadcast(run.DeviceID, models.LogInfo, "agent started: "+run.Instruction)

	var wg sync.WaitGroup
	wg.Add(2)
	go r.scan(&wg, run.DeviceID, stdout)
	go r.scan(&wg, run.DeviceID, stderr)
	wg.Wait()

	err = cmd.Wait()
	switch {
	case ctx.Err() != nil:
		r.finish(run, "cancelled", "cancelled by user")
		r.broadcast(run.DeviceID, models.LogInfo, "agent cancelled")
	case err != nil:
		r.finish(run, "failed", err.Error())
		r.broadcast(run.DeviceID, models.LogError, fmt.Sprintf("agent exited: %v", err))
	default:
		r.finish(run, "done", "completed")
		r.broadcast(run.DeviceID, models.LogInfo, "agent finished")
	}
}

func (r *AgentRunner) scan(wg *sync.WaitGroup, deviceID string, pipe io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		r.broadcast(deviceID, ClassifyLogLine(line), line)
	}
}

func (r *AgentRunner) broadcast(deviceID, category, message string) {
	if r.sink != nil {
		r.sink.BroadcastLogLine(deviceID, category, message, nil)
	}
}

func (r *AgentRunner) finish(run *models.AgentRun, status, result string) {
	run.Status, run.Result = status, result
	if r.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.history.FinishAgentRun(ctx, run.ID, status, result); err != nil {
		logrus.WithError(err).Warn("failed to finish agent run record")
	}
}

var stepPattern = regexp.MustCompile(`(?i)\bstep\s+\d+\s*/\s*\d+`)

// ClassifyLogLine buckets a raw agent output line by keyword. Order
// matters: step markers beat error words so "step 3/10 failed to find
// element" still counts as progress.
func ClassifyLogLine(line string) string {
	lower := strings.ToLower(line)
	switch {
	case stepPattern.MatchString(line):
		return models.LogStep
	case strings.Contains(lower, "model request") || strings.Contains(lower, "calling model"):
		return models.LogModelRequest
	case strings.Contains(lower, "model response") || strings.Contains(lower, "model output"):
		return models.LogModelResponse
	case strings.Contains(lower, "executing action") || strings.Contains(lower, "action:"):
		return models.LogAction
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "exception"):
		return models.LogError
	default:
		return models.LogInfo
	}
}
