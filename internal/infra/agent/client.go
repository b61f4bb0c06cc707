// Package agent spawns and speaks to the external AI agent subprocess
// (spec §1: "the external agent process itself... the engine only spawns
// it, feeds stdin, parses stdout, and forwards its output"). The wire
// protocol is a simple line-oriented convention, not the JSON-RPC shape of
// a richer agent-client-protocol: a prompt per stdin line, and stdout lines
// that are either body text, a MEDIA:/absolute/path marker, a TOOL: event
// line, or the conf.TurnEndMarker sentinel that closes out a turn.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"time"

	"clawdis/internal/biz/repo"
	"clawdis/internal/conf"
)

// Config names the external agent subprocess (internal/conf.AgentConfig
// mirrors this at the JSON-config layer).
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
}

// session is one live agent subprocess bound to a session key.
type session struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stderr     io.ReadCloser
	threadID   string
	processing bool
	queue      []queuedPrompt

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type queuedPrompt struct {
	prompt string
	images []string
}

// Client manages one subprocess per session key and fans every session's
// stdout into a single shared event stream, tagged by thread id, using a
// readLoop/wg/ctx-cancel/Stop shape with a simple line-oriented wire format.
type Client struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*session

	events chan repo.Event
}

var _ repo.AgentRepo = (*Client)(nil)

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:      cfg,
		sessions: make(map[string]*session),
		events:   make(chan repo.Event, 100),
	}
}

// Events returns the shared fragment stream for every session's agent.
func (c *Client) Events() <-chan repo.Event {
	return c.events
}

// StartSession spawns the subprocess for sessionKey if none is running,
// priming its stdin with identityPrompt on first spawn; if one is already
// running it is reused and isNew is false.
func (c *Client) StartSession(ctx context.Context, sessionKey, identityPrompt string) (string, bool, error) {
	c.mu.Lock()
	if s, ok := c.sessions[sessionKey]; ok {
		c.mu.Unlock()
		return s.threadID, false, nil
	}
	c.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(sctx, c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return "", false, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return "", false, fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return "", false, fmt.Errorf("agent stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return "", false, fmt.Errorf("start agent: %w", err)
	}

	s := &session{
		cmd:      cmd,
		stdin:    stdin,
		stderr:   stderr,
		threadID: sessionKey,
		ctx:      sctx,
		cancel:   cancel,
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	s.wg.Add(2)
	go c.readLoop(s, scanner)
	go c.readStderr(s)

	c.mu.Lock()
	c.sessions[sessionKey] = s
	c.mu.Unlock()

	if err := c.writeLine(s, identityPrompt); err != nil {
		c.Stop(sessionKey)
		return "", false, fmt.Errorf("write identity prompt: %w", err)
	}

	return sessionKey, true, nil
}

// Send writes a prompt (plus any image paths, one per IMAGE:-prefixed line) to
// threadID's agent stdin. If a turn is already in flight the prompt is
// queued and flushed once conf.TurnEndMarker is observed (spec §4.6 step 5).
func (c *Client) Send(ctx context.Context, threadID, prompt string, imagePaths []string) error {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no agent running for session %s", threadID)
	}

	s.mu.Lock()
	if s.processing {
		s.queue = append(s.queue, queuedPrompt{prompt: prompt, images: imagePaths})
		s.mu.Unlock()
		return nil
	}
	s.processing = true
	s.mu.Unlock()

	return c.deliver(s, prompt, imagePaths)
}

func (c *Client) deliver(s *session, prompt string, imagePaths []string) error {
	if err := c.writeLine(s, prompt); err != nil {
		return err
	}
	for _, img := range imagePaths {
		if err := c.writeLine(s, "IMAGE:"+img); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeLine(s *session, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.stdin, line)
	return err
}

// Stop terminates the subprocess for threadID, if any.
func (c *Client) Stop(threadID string) {
	c.mu.Lock()
	s, ok := c.sessions[threadID]
	if ok {
		delete(c.sessions, threadID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	s.cancel()
	s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
	}

	s.wg.Wait()
}

func (c *Client) readLoop(s *session, scanner *bufio.Scanner) {
	defer s.wg.Done()

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == conf.TurnEndMarker:
			c.emit(repo.Event{Type: repo.EventEnd, ThreadID: s.threadID})
			c.flushQueue(s)
		case strings.HasPrefix(line, "MEDIA:"):
			c.emit(repo.Event{Type: repo.EventMediaPath, ThreadID: s.threadID, MediaPath: strings.TrimPrefix(line, "MEDIA:")})
		case strings.HasPrefix(line, "TOOL:"):
			c.emit(repo.Event{Type: repo.EventToolEvent, ThreadID: s.threadID, Text: strings.TrimPrefix(line, "TOOL:")})
		default:
			c.emit(repo.Event{Type: repo.EventTextChunk, ThreadID: s.threadID, Text: line})
		}
	}

	if err := scanner.Err(); err != nil {
		c.emit(repo.Event{Type: repo.EventError, ThreadID: s.threadID, Err: err})
	}
}

func (c *Client) flushQueue(s *session) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.processing = false
		s.mu.Unlock()
		return
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	if err := c.deliver(s, next.prompt, next.images); err != nil {
		c.emit(repo.Event{Type: repo.EventError, ThreadID: s.threadID, Err: err})
	}
}

func (c *Client) emit(ev repo.Event) {
	select {
	case c.events <- ev:
	default:
		log.Printf("[agent] event channel full, dropping %s for %s", ev.Type, ev.ThreadID)
	}
}

func (c *Client) readStderr(s *session) {
	defer s.wg.Done()
	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			log.Printf("[agent stderr %s] %s", s.threadID, line)
		}
	}
}
