// Package intake routes inbound payloads from every channel: immediate
// node commands, gateway commands, and schedule uploads.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/agsys/irrigation-gateway/internal/auth"
	"github.com/agsys/irrigation-gateway/internal/clock"
	"github.com/agsys/irrigation-gateway/internal/engine"
	"github.com/agsys/irrigation-gateway/internal/queue"
	"github.com/agsys/irrigation-gateway/internal/schedule"
	"github.com/agsys/irrigation-gateway/internal/storage"
)

// CommandSender sends immediate node commands over the reliable link.
type CommandSender interface {
	SendWithAck(ctx context.Context, cmdType string, node uint8, schedID string, stepIdx int, durationMS uint32) error
}

// Engine is the schedule engine surface the router drives.
type Engine interface {
	SetSchedule(s *schedule.Schedule)
	DeleteSchedule(ctx context.Context, id string)
	Stop(ctx context.Context)
	Schedules() []*schedule.Schedule
	Status() engine.Snapshot
}

// Store persists schedules handed in by the parser.
type Store interface {
	UpsertSchedule(s *schedule.Schedule) error
	DeleteSchedule(id string) error
	InsertEvent(kind, detail string) error
}

// Payload is one dequeued message with its channel tags split off.
type Payload struct {
	Body     string
	Src      string
	Sender   string
	Token    string
	Recovery string
}

// Router drains the ingress queue one payload per step.
type Router struct {
	queue  *queue.Queue
	auth   *auth.Authenticator
	link   CommandSender
	engine Engine
	store  Store
	clock  clock.Clock

	replyFn  func(src, sender, msg string)
	reportFn func(body string)
}

// New creates a router over the given collaborators.
func New(q *queue.Queue, a *auth.Authenticator, link CommandSender, engine Engine, store Store, clk clock.Clock) *Router {
	return &Router{
		queue:  q,
		auth:   a,
		link:   link,
		engine: engine,
		store:  store,
		clock:  clk,
	}
}

// SetReplyCallback sets the function terse acknowledgements and
// rejections are sent back to the originating channel with.
func (r *Router) SetReplyCallback(fn func(src, sender, msg string)) {
	r.replyFn = fn
}

// SetReportCallback sets the function unsolicited node reports are
// surfaced with.
func (r *Router) SetReportCallback(fn func(body string)) {
	r.reportFn = fn
}

// Step processes at most one queued payload and reports whether one
// was handled. It is called from the gateway's cooperative loop.
func (r *Router) Step(ctx context.Context) bool {
	msg, ok := r.queue.Pop()
	if !ok {
		return false
	}
	r.dispatch(ctx, msg)
	return true
}

func (r *Router) dispatch(ctx context.Context, msg queue.Message) {
	p := SplitTags(msg.Payload)
	p.Sender = msg.Sender

	// Unsolicited node reports tagged by the link layer carry no
	// token; they are telemetry, not requests.
	if p.Src == auth.SourceWideRadio && isNodeReport(p.Body) {
		r.handleNodeReport(p)
		return
	}

	// Pre-authenticated channels may issue immediate node commands
	// directly; SMS always authenticates first.
	if p.Src != auth.SourceSMS {
		if node, cmdType, ok := parseImmediate(p.Body); ok {
			r.sendImmediate(ctx, p, node, cmdType)
			return
		}
	}

	if err := r.auth.Authorize(p.Src, p.Sender, p.Token, p.Recovery); err != nil {
		log.Printf("Rejected payload from %s: %v", p.Src, err)
		r.logEvent("auth", fmt.Sprintf("reject src=%s sender=%s", p.Src, p.Sender))
		r.reply(p, "ERR|AUTH")
		return
	}

	if node, cmdType, ok := parseImmediate(p.Body); ok {
		r.sendImmediate(ctx, p, node, cmdType)
		return
	}

	if r.handleCommand(ctx, p) {
		return
	}

	r.handleSchedule(p)
}

// isNodeReport matches the payload prefixes nodes send on their own.
func isNodeReport(body string) bool {
	return strings.HasPrefix(body, "STAT|") || strings.HasPrefix(body, "AUTO_CLOSE|")
}

// handleNodeReport records node telemetry and passes it to the
// report callback. No reply goes back over the radio.
func (r *Router) handleNodeReport(p Payload) {
	log.Printf("Node report: %s", p.Body)
	r.logEvent("node", p.Body)
	if r.reportFn != nil {
		r.reportFn(p.Body)
	}
}

// sendImmediate relays a `<node> <WORD>` command over the link.
func (r *Router) sendImmediate(ctx context.Context, p Payload, node uint8, cmdType string) {
	err := r.link.SendWithAck(ctx, cmdType, node, "", -1, 0)
	if err != nil {
		log.Printf("Immediate %s to node %d failed: %v", cmdType, node, err)
		r.reply(p, fmt.Sprintf("ERR|CMD|%s|N=%d", cmdType, node))
		return
	}
	r.logEvent("cmd", fmt.Sprintf("%s node %d via %s", cmdType, node, p.Src))
	r.reply(p, fmt.Sprintf("OK|CMD|%s|N=%d", cmdType, node))
}

// handleCommand runs gateway-level commands; returns false when the
// body is not one.
func (r *Router) handleCommand(ctx context.Context, p Payload) bool {
	fields := strings.Fields(p.Body)
	if len(fields) == 0 {
		return false
	}

	switch strings.ToUpper(fields[0]) {
	case "STOP":
		if len(fields) != 1 {
			return false
		}
		r.engine.Stop(ctx)
		r.reply(p, "OK|STOP")
	case "DELETE":
		if len(fields) != 2 {
			return false
		}
		id := fields[1]
		if err := r.store.DeleteSchedule(id); err != nil {
			log.Printf("Delete of schedule %s failed: %v", id, err)
			r.reply(p, "ERR|DELETE|S="+id)
			return true
		}
		r.engine.DeleteSchedule(ctx, id)
		r.logEvent("cmd", "delete "+id)
		r.reply(p, "OK|DELETE|S="+id)
	case "LIST":
		if len(fields) != 1 {
			return false
		}
		r.reply(p, r.listReply())
	case "STATUS":
		if len(fields) != 1 {
			return false
		}
		snap := r.engine.Status()
		if snap.ScheduleID == "" {
			r.reply(p, "OK|STATUS|IDLE")
		} else {
			r.reply(p, fmt.Sprintf("OK|STATUS|%s|S=%s,I=%d", strings.ToUpper(snap.State.String()), snap.ScheduleID, snap.StepIdx))
		}
	default:
		return false
	}
	return true
}

func (r *Router) listReply() string {
	schedules := r.engine.Schedules()
	if len(schedules) == 0 {
		return "OK|LIST|NONE"
	}
	ids := make([]string, 0, len(schedules))
	for _, s := range schedules {
		state := "on"
		if !s.Enabled {
			state = "off"
		}
		ids = append(ids, s.ID+":"+state)
	}
	return "OK|LIST|" + strings.Join(ids, ",")
}

// handleSchedule parses, persists, and loads a schedule payload.
func (r *Router) handleSchedule(p Payload) {
	s, err := schedule.Parse(p.Body, r.clock.Now())
	if err != nil {
		log.Printf("Parse reject from %s: %v", p.Src, err)
		r.reply(p, "ERR|PARSE")
		return
	}

	if err := r.store.UpsertSchedule(s); err != nil {
		switch {
		case errors.Is(err, storage.ErrStaleVersion):
			log.Printf("Ignoring stale schedule %s: %v", s.ID, err)
			r.reply(p, "ERR|SCH|STALE|S="+s.ID)
		case errors.Is(err, storage.ErrScheduleLimit):
			r.reply(p, "ERR|SCH|FULL")
		default:
			// Store trouble is not fatal: keep the schedule in RAM.
			log.Printf("Schedule store failed for %s, keeping in memory: %v", s.ID, err)
			r.engine.SetSchedule(s)
			r.reply(p, "OK|SCH|S="+s.ID)
		}
		return
	}

	r.engine.SetSchedule(s)
	r.logEvent("sch", "loaded "+s.ID)
	r.reply(p, "OK|SCH|S="+s.ID)
}

func (r *Router) reply(p Payload, msg string) {
	if r.replyFn != nil {
		r.replyFn(p.Src, p.Sender, msg)
	}
}

func (r *Router) logEvent(kind, detail string) {
	if err := r.store.InsertEvent(kind, detail); err != nil {
		log.Printf("Event log failed: %v", err)
	}
}

// tag keys the ingress layers append at the payload tail.
var tagKeys = []string{"SRC", "TOK", "RECOV", "TOK_BT", "TOK_LORA", "TOK_MQ"}

// SplitTags strips trailing `,KEY=VALUE` channel tags off a payload.
// Tags are always appended after the original body, so stripping stops
// at the first unrecognized tail segment.
func SplitTags(payload string) Payload {
	p := Payload{Body: payload}
	for {
		comma := strings.LastIndexByte(p.Body, ',')
		if comma < 0 {
			return p
		}
		tail := p.Body[comma+1:]
		eq := strings.IndexByte(tail, '=')
		if eq < 1 {
			return p
		}
		key, val := tail[:eq], tail[eq+1:]
		switch key {
		case "SRC":
			p.Src = val
		case "TOK", "TOK_BT", "TOK_LORA", "TOK_MQ":
			p.Token = val
		case "RECOV":
			p.Recovery = val
		default:
			return p
		}
		p.Body = p.Body[:comma]
	}
}

// parseImmediate matches `<int> <WORD>`: a node number and a bare
// command word, nothing else.
func parseImmediate(body string) (uint8, string, bool) {
	fields := strings.Fields(body)
	if len(fields) != 2 {
		return 0, "", false
	}
	node, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil || node < 1 {
		return 0, "", false
	}
	word := fields[1]
	for i := 0; i < len(word); i++ {
		c := word[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && c != '_' {
			return 0, "", false
		}
	}
	return uint8(node), strings.ToUpper(word), true
}
