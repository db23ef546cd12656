// Package bot routes incoming Telegram updates to reminder operations.
package bot

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "dosewatch/internal/runtime/supervisor"
	kit "dosewatch/internal/transport"
	"dosewatch/pkg/logx"
)

const (
	updateBuffer   = 128
	handlerTimeout = 15 * time.Second
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Usage       string
	Handle      HandlerFunc
}

// Request carries one parsed update through a handler.
type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	OwnerID string // FromID in decimal; every medication is scoped to it
	Command string
	Args    []string

	// Callback fields, set for button presses only.
	CallbackID string
	MessageID  int
	Payload    string
}

func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

// Router consumes the adapter's update stream with a small worker pool and
// dispatches commands and inline-button callbacks.
type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	svc     Services

	mu       sync.RWMutex
	commands map[string]Command

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	updates chan kit.Update
}

func NewRouter(log logx.Logger, adapter kit.Adapter, svc Services) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:      log,
		adapter:  adapter,
		svc:      svc,
		commands: map[string]Command{},
	}
	r.registerBuiltins()
	return r
}

func (r *Router) Register(cmd Command) {
	if cmd.Name == "" || cmd.Handle == nil {
		return
	}
	r.mu.Lock()
	r.commands[cmd.Name] = cmd
	r.mu.Unlock()
}

// Commands returns the menu entries for CommandMenuUpdater, sorted by name.
func (r *Router) Commands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Command < out[j-1].Command; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (r *Router) Start(ctx context.Context) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = true
	r.updates = make(chan kit.Update, updateBuffer)
	r.sup = rtsup.New(ctx, rtsup.WithLogger(r.log.With(logx.String("comp", "bot.router"))))
	sup := r.sup
	updates := r.updates
	r.runMu.Unlock()

	if err := r.adapter.Start(ctx, updates); err != nil {
		return err
	}

	for i := 0; i < 2; i++ {
		idx := i
		sup.Go0("dispatch."+strconv.Itoa(idx), func(c context.Context) {
			for {
				select {
				case <-c.Done():
					return
				case up, ok := <-updates:
					if !ok {
						return
					}
					r.dispatch(c, up)
				}
			}
		})
	}
	return nil
}

func (r *Router) Stop(ctx context.Context) {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	sup := r.sup
	r.sup = nil
	r.runMu.Unlock()

	_ = r.adapter.Stop(ctx)
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		r.dispatchMessage(hctx, up.Message)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		r.dispatchCallback(hctx, up.Callback)
	}
}

func (r *Router) dispatchMessage(ctx context.Context, m *kit.Message) {
	name, args, ok := parseCommand(m.Text)
	if !ok {
		return
	}
	r.mu.RLock()
	cmd, found := r.commands[name]
	r.mu.RUnlock()
	if !found {
		return
	}

	req := &Request{
		Chat:    kit.ChatTarget{ChatID: m.ChatID},
		FromID:  m.FromID,
		OwnerID: strconv.FormatInt(m.FromID, 10),
		Command: name,
		Args:    args,
	}
	if err := cmd.Handle(ctx, req); err != nil {
		r.log.Warn("command failed", logx.String("cmd", name), logx.Int64("from", m.FromID), logx.Err(err))
		r.reply(ctx, req, "Something went wrong: "+err.Error())
	}
}

func (r *Router) dispatchCallback(ctx context.Context, cb *kit.Callback) {
	action, payload, ok := parseCallbackData(cb.Data)
	if !ok {
		return
	}
	req := &Request{
		Chat:       kit.ChatTarget{ChatID: cb.ChatID},
		FromID:     cb.FromID,
		OwnerID:    strconv.FormatInt(cb.FromID, 10),
		Command:    action,
		CallbackID: cb.ID,
		MessageID:  cb.MessageID,
		Payload:    payload,
	}
	if err := r.handleCallback(ctx, req); err != nil {
		r.log.Warn("callback failed", logx.String("action", action), logx.Int64("from", cb.FromID), logx.Err(err))
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Failed: "+err.Error())
	}
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if _, err := r.adapter.SendText(ctx, req.Chat, text, nil); err != nil {
		r.log.Debug("reply failed", logx.Err(err))
	}
}

// parseCommand extracts "/cmd arg arg" into its parts. The @botname suffix
// Telegram appends in groups is stripped.
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	name = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// parseCallbackData splits "dose:taken|<payload>" into action and payload.
// telebot may prefix callback data with \f.
func parseCallbackData(data string) (action, payload string, ok bool) {
	data = strings.TrimPrefix(strings.TrimSpace(data), "\f")
	action, payload, _ = strings.Cut(data, "|")
	if !strings.HasPrefix(action, "dose:") {
		return "", "", false
	}
	return action, payload, true
}
