// Package router turns incoming chat messages into command handler calls.
//
// Updates are parsed on the receiving goroutine and executed on a small
// supervised worker pool, so a slow handler never blocks polling.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "timerbot/internal/runtime/supervisor"
	kit "timerbot/internal/transport"
	logx "timerbot/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	// Hidden commands are routed but left out of the menu and help.
	Hidden  bool
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	// Args are the whitespace separated words after the command.
	Args []string
	// Rest is the raw text after the command with inner spacing kept.
	Rest   string
	ReqID  string
	Logger logx.Logger
	Sender kit.Sender
}

// Reply answers in the chat the command came from, quoting it.
func (r *Request) Reply(ctx context.Context, text string) error {
	opt := &kit.SendOptions{DisablePreview: true}
	if r.Message != nil {
		opt.ReplyTo = r.Message.ID
	}
	_, err := r.Sender.SendText(ctx, r.Chat, text, opt)
	return err
}

type Manager struct {
	mu    sync.RWMutex
	cmds  []Command
	index map[string]*Command

	log     logx.Logger
	adapter kit.Sender

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs    chan func()
	workers int
}

type Option func(*Manager)

// WithWorkers overrides the worker count (default NumCPU, at least 2).
func WithWorkers(n int) Option { return func(m *Manager) { m.workers = n } }

// WithQueue sets the job queue capacity.
func WithQueue(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.jobs = make(chan func(), n)
		}
	}
}

func NewManager(log logx.Logger, adapter kit.Sender, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		index:   map[string]*Command{},
		log:     log,
		adapter: adapter,
		jobs:    make(chan func(), 256),
		workers: max(runtime.NumCPU(), 2),
	}
	for _, o := range opts {
		o(m)
	}
	if m.workers < 1 {
		m.workers = 1
	}
	return m
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Manager) setSupervisor(sup *rtsup.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// SetCommands replaces the command set. /help is always added.
func (m *Manager) SetCommands(cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show usage",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText())
		},
	}
	cmds = append(append([]Command(nil), cmds...), helper)

	index := map[string]*Command{}
	kept := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		kept = append(kept, c)
	}
	for i := range kept {
		c := &kept[i]
		index[c.Name] = c
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				if _, exists := index[a]; !exists {
					index[a] = c
				}
			}
		}
	}

	m.mu.Lock()
	m.cmds = kept
	m.index = index
	m.mu.Unlock()
}

// PublishMenu pushes the visible commands to the platform's command menu
// when the adapter supports it.
func (m *Manager) PublishMenu(ctx context.Context) error {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	m.mu.RLock()
	menu := buildMenuCommands(m.cmds)
	m.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// Run consumes updates until ctx is done or updates is closed.
func (m *Manager) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.Component("telegram.router")),
		rtsup.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command router started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	jobs := m.jobs
	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					m.runJob(idx, job)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		m.setSupervisor(nil, false)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *Manager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// ParseCommand splits "/name@bot arg..." into the lowercased name, the
// argument words, and the raw remainder. ok is false for non-commands.
func ParseCommand(text string) (name string, args []string, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, "", false
	}
	head, tail, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		tail = head[i+1:] + " " + tail
		head = head[:i]
	}
	name = strings.TrimPrefix(head, "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)
	if name == "" {
		return "", nil, "", false
	}
	rest = strings.TrimSpace(tail)
	return name, strings.Fields(rest), rest, true
}

func (m *Manager) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, args, rest, ok := ParseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID}

	m.mu.RLock()
	cmd, found := m.index[name]
	m.mu.RUnlock()
	if !found {
		// Group chats carry other bots' commands too.
		if msg.Private {
			_, _ = m.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return
	}

	rid := newReqID()
	req := &Request{
		Message: msg,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		Rest:    rest,
		ReqID:   rid,
		Sender:  m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}

	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		_, _ = m.adapter.SendText(ctx, chat, "Busy, try again in a moment.", nil)
	}
}

var ridSeq atomic.Uint64

// newReqID is a short id: base36 timestamp plus a sequence number.
func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + strconv.FormatUint(n, 36)
}
