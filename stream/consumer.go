package stream

import (
	"strings"

	"github.com/calder-labs/stagecoach/core"
)

// Step statuses as seen by the consumer.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// finalAnswerNode names the step whose tokens are final-answer content.
const finalAnswerNode = "synthesis"

// Step is one reconstructed unit of work. Children belong to delegated
// sessions announced while the step was the session anchor.
type Step struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Content   string  `json:"content,omitempty"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	SessionID string  `json:"session_id,omitempty"`
	Implicit  bool    `json:"implicit,omitempty"`
	Children  []*Step `json:"children,omitempty"`
}

// MediaItem is an image or video attached to the response.
type MediaItem struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// Response is the aggregate view built from the event log.
type Response struct {
	Steps       []*Step     `json:"steps"`
	FinalAnswer string      `json:"final_answer"`
	Media       []MediaItem `json:"media,omitempty"`
	Complete    bool        `json:"complete"`
	Err         string      `json:"error,omitempty"`
}

// Consumer folds an append-only event log into a step tree. It fails soft on
// desync: a token or node_end for an unknown node synthesizes an implicit
// step instead of crashing, and unknown event types are ignored.
type Consumer struct {
	resp     Response
	nodes    map[string]*Step
	sessions map[string]*Step // session id -> anchor step for nesting
}

// NewConsumer creates an empty consumer.
func NewConsumer() *Consumer {
	return &Consumer{
		nodes:    make(map[string]*Step),
		sessions: make(map[string]*Step),
	}
}

// Apply folds one event into the tree. Replayed events are harmless: a
// duplicate node_start or node_end leaves the existing step untouched.
func (c *Consumer) Apply(ev core.Event) {
	if ev.IsIterationMarker() {
		return
	}
	switch ev.Type {
	case core.EventNodeStart:
		c.applyStart(ev)
	case core.EventToken:
		c.applyToken(ev)
	case core.EventNodeEnd:
		c.applyEnd(ev)
	case core.EventImage:
		c.applyMedia("image", ev)
	case core.EventVideo:
		c.applyMedia("video", ev)
	case core.EventError:
		c.resp.Err = ev.Content
	case core.EventResponseComplete:
		c.resp.Complete = true
	default:
		// Newer producers may emit types we do not know. Ignore them.
	}
}

func (c *Consumer) applyStart(ev core.Event) {
	if ev.NodeID == "" {
		return
	}
	if _, exists := c.nodes[ev.NodeID]; exists {
		return
	}
	step := &Step{ID: ev.NodeID, Name: ev.NodeName, Status: StepRunning}

	if sid := ev.SessionID(); sid != "" {
		// Session-start: the step anchors all future steps of the child
		// session, nested under the parent session's anchor.
		step.SessionID = sid
		c.attach(step, ev.ParentSessionID())
		c.sessions[sid] = step
	} else {
		c.attach(step, sessionOfNode(ev.NodeID))
	}
	c.nodes[ev.NodeID] = step
}

func (c *Consumer) attach(step *Step, sessionID string) {
	if anchor, ok := c.sessions[sessionID]; ok && anchor != step {
		anchor.Children = append(anchor.Children, step)
		return
	}
	c.resp.Steps = append(c.resp.Steps, step)
}

func (c *Consumer) applyToken(ev core.Event) {
	if ev.NodeID == "" {
		c.resp.FinalAnswer += ev.Content
		return
	}
	step, ok := c.nodes[ev.NodeID]
	if !ok {
		// Desync: token before node_start. Synthesize an implicit step.
		step = c.implicitStep(ev.NodeID)
	}
	if step.Status != StepRunning {
		// node_end is terminal for a node id. Late tokens are dropped.
		return
	}
	step.Content += ev.Content
	if nodeName(ev.NodeID) == finalAnswerNode || step.Name == finalAnswerNode {
		c.resp.FinalAnswer += ev.Content
	}
}

func (c *Consumer) applyEnd(ev core.Event) {
	if ev.NodeID == "" {
		return
	}
	step, ok := c.nodes[ev.NodeID]
	if !ok {
		step = c.implicitStep(ev.NodeID)
	}
	if step.Status != StepRunning {
		return
	}
	if ev.Status() == core.NodeStatusFailed {
		step.Status = StepFailed
	} else {
		step.Status = StepCompleted
	}
	if ev.Data != nil {
		if msg, ok := ev.Data[core.DataKeyError].(string); ok {
			step.Error = msg
		}
	}
}

func (c *Consumer) implicitStep(nodeID string) *Step {
	step := &Step{ID: nodeID, Name: nodeName(nodeID), Status: StepRunning, Implicit: true}
	c.attach(step, sessionOfNode(nodeID))
	c.nodes[nodeID] = step
	return step
}

func (c *Consumer) applyMedia(kind string, ev core.Event) {
	if ev.Data == nil {
		return
	}
	if url, ok := ev.Data[core.DataKeyURL].(string); ok && url != "" {
		c.resp.Media = append(c.resp.Media, MediaItem{Kind: kind, URL: url})
	}
}

// Finalize closes out an abruptly terminated stream: still-running steps are
// marked failed. It is idempotent and safe to call after a clean end too.
func (c *Consumer) Finalize() {
	for _, step := range c.nodes {
		if step.Status == StepRunning {
			step.Status = StepFailed
			if step.Error == "" {
				step.Error = "stream interrupted"
			}
		}
	}
}

// Response returns the current aggregate view. The tree keeps growing as
// more events are applied.
func (c *Consumer) Response() *Response { return &c.resp }

// sessionOfNode extracts the session prefix from "session:node#attempt" ids.
func sessionOfNode(nodeID string) string {
	if i := strings.IndexByte(nodeID, ':'); i > 0 {
		return nodeID[:i]
	}
	return ""
}

func nodeName(nodeID string) string {
	name := nodeID
	if i := strings.IndexByte(nodeID, ':'); i >= 0 {
		name = nodeID[i+1:]
	}
	if j := strings.IndexByte(name, '#'); j > 0 {
		name = name[:j]
	}
	return name
}
