// Package statemgr implements the MCPL State Manager: per-conversation
// mutable state with RFC 6902 patch application, a checkpoint tree that
// upgrades one-way from linear to tree mode on the first named rollback,
// two-phase canRollback/commitRollback, and size/count-bounded eviction with
// tombstones.
package statemgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/telemetry"
)

const (
	// MaxNodes bounds the checkpoint tree's node count before eviction kicks
	// in.
	MaxNodes = 50
	// MaxTombstones bounds how many evicted tree-mode node ids are
	// remembered, so canRollback can distinguish "expired" from "unknown".
	MaxTombstones = 200
	// MaxStateBytes bounds a checkpoint's serialized snapshot size; larger
	// snapshots are skipped without advancing the id counter.
	MaxStateBytes = 256 * 1024
	// CheckpointInterval is how many mutations elapse between automatic
	// checkpoints.
	CheckpointInterval = 10
)

// Mode is a conversation's checkpoint tree shape.
type Mode string

const (
	ModeLinear Mode = "linear"
	ModeTree   Mode = "tree"
)

// Node is one checkpoint in a conversation's tree.
type Node struct {
	ID            string
	Parent        string // empty means root
	Children      []string
	Snapshot      *string // nil if not host-managed or skipped for size
	CreatedAt     time.Time
	Label         string
	MutationCount int
}

// CheckpointView is the externally-visible, copy-safe projection of a node.
type CheckpointView struct {
	ID            string
	Parent        string
	Children      []string
	CreatedAt     time.Time
	IsCurrent     bool
	Label         string
	MutationCount int
}

// Conversation holds one conversation's mutable state and checkpoint tree.
type Conversation struct {
	mu sync.Mutex

	hostManaged bool
	state       json.RawMessage

	mode          Mode
	nodes         map[string]*Node
	current       string // empty: no checkpoint yet
	nextSeq       int
	mutationCount int
	tombstones    []string // oldest first, capped at MaxTombstones
}

// CanRollbackStatus is the outcome of a two-phase canRollback check.
type CanRollbackStatus string

const (
	StatusNoCheckpoints CanRollbackStatus = "no_checkpoints"
	StatusExpired       CanRollbackStatus = "expired"
	StatusUnknown       CanRollbackStatus = "unknown"
	StatusExists        CanRollbackStatus = "exists"
)

// CanRollbackResult is canRollback's response.
type CanRollbackResult struct {
	Status       CanRollbackStatus
	CheckpointID string
}

// CommitStatus is the outcome of commitRollback.
type CommitStatus string

const (
	CommitOK               CommitStatus = "ok"
	CommitRollbackFailed   CommitStatus = "rollback_failed"
	CommitCheckpointExpired CommitStatus = "checkpoint_expired"
)

// CommitResult is commitRollback's response.
type CommitResult struct {
	Status CommitStatus
}

// TreeEvent is emitted for checkpoint_tree_updated persistence/replay.
type TreeEvent struct {
	ConversationID string
	Action         string // "checkpoint", "mode_upgrade", "rollback"
	CheckpointID   string
	Parent         string
	Label          string
	MutationCount  int
	Timestamp      time.Time
}

// EventSink receives TreeEvents fire-and-forget for persistence.
type EventSink interface {
	Emit(ctx context.Context, ev TreeEvent)
}

// Manager owns every conversation's state and checkpoint tree.
type Manager struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	sink          EventSink
	obs           *observability.Recorder
}

// New constructs an empty Manager.
func New(sink EventSink, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Manager {
	return &Manager{
		conversations: make(map[string]*Conversation),
		sink:          sink,
		obs:           observability.New("statemgr", logger, metrics, tracer),
	}
}

func (m *Manager) conv(conversationID string, hostManaged bool) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		c = &Conversation{hostManaged: hostManaged, mode: ModeLinear, nodes: make(map[string]*Node)}
		m.conversations[conversationID] = c
	}
	return c
}

func (m *Manager) emit(ctx context.Context, ev TreeEvent) {
	if m.sink != nil {
		m.sink.Emit(ctx, ev)
	}
}

// SetState replaces conversationID's state wholesale; this always counts as
// one mutation.
func (m *Manager) SetState(ctx context.Context, conversationID string, hostManaged bool, value json.RawMessage) {
	c := m.conv(conversationID, hostManaged)
	c.mu.Lock()
	c.state = value
	c.mu.Unlock()
	m.mutate(ctx, conversationID, c)
}

// GetState returns conversationID's current state.
func (m *Manager) GetState(conversationID string) json.RawMessage {
	c := m.conv(conversationID, false)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ApplyPatch applies an RFC 6902 JSON Patch in place. If a `test` operation
// fails, success is false and the mutation does not count.
func (m *Manager) ApplyPatch(ctx context.Context, conversationID string, hostManaged bool, patch json.RawMessage) (success bool, errMsg string) {
	c := m.conv(conversationID, hostManaged)

	c.mu.Lock()
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		c.mu.Unlock()
		return false, fmt.Sprintf("statemgr: decode patch: %v", err)
	}
	original := c.state
	if len(original) == 0 {
		original = json.RawMessage("null")
	}
	applied, err := decoded.Apply(original)
	if err != nil {
		c.mu.Unlock()
		return false, fmt.Sprintf("statemgr: apply patch: %v", err)
	}
	c.state = applied
	c.mu.Unlock()

	m.mutate(ctx, conversationID, c)
	return true, ""
}

// mutate increments the mutation counter and, every CheckpointInterval-th
// call, creates a checkpoint.
func (m *Manager) mutate(ctx context.Context, conversationID string, c *Conversation) {
	c.mu.Lock()
	c.mutationCount++
	shouldCheckpoint := c.mutationCount%CheckpointInterval == 0
	c.mu.Unlock()

	if shouldCheckpoint {
		m.createCheckpoint(ctx, conversationID, c, "")
	}
}

// createCheckpoint allocates the next checkpoint node, linking it to the
// current node as parent. If hostManaged and the serialized state exceeds
// MaxStateBytes, the checkpoint is skipped entirely (the id counter does not
// advance).
func (m *Manager) createCheckpoint(ctx context.Context, conversationID string, c *Conversation, label string) {
	c.mu.Lock()

	var snapshot *string
	if c.hostManaged {
		buf, err := json.Marshal(c.state)
		if err == nil {
			if len(buf) > MaxStateBytes {
				c.mu.Unlock()
				return
			}
			s := string(buf)
			snapshot = &s
		}
	}

	c.nextSeq++
	id := fmt.Sprintf("chk_%d", c.nextSeq)
	parent := c.current
	node := &Node{ID: id, Parent: parent, Snapshot: snapshot, CreatedAt: time.Now(), Label: label, MutationCount: c.mutationCount}
	c.nodes[id] = node
	if parent != "" {
		if p, ok := c.nodes[parent]; ok {
			p.Children = append(p.Children, id)
		}
	}
	c.current = id
	c.mu.Unlock()

	m.evict(conversationID, c)

	m.emit(ctx, TreeEvent{ConversationID: conversationID, Action: "checkpoint", CheckpointID: id, Parent: parent, Label: label, MutationCount: node.MutationCount, Timestamp: node.CreatedAt})
}

// CanRollback is the first phase of rollback: it resolves a target
// checkpoint (the supplied id, or the parent of current when id is empty)
// and reports whether it can actually be rolled back to, without mutating
// state. The first call naming an explicit id upgrades the conversation
// one-way to tree mode.
func (m *Manager) CanRollback(ctx context.Context, conversationID string, id string) CanRollbackResult {
	c := m.conv(conversationID, false)

	c.mu.Lock()
	if len(c.nodes) == 0 {
		c.mu.Unlock()
		return CanRollbackResult{Status: StatusNoCheckpoints}
	}

	if id != "" && c.mode == ModeLinear {
		c.mode = ModeTree
		c.mu.Unlock()
		m.emit(ctx, TreeEvent{ConversationID: conversationID, Action: "mode_upgrade", Timestamp: time.Now()})
		c.mu.Lock()
	}

	target := id
	if target == "" {
		cur, ok := c.nodes[c.current]
		if !ok {
			c.mu.Unlock()
			return CanRollbackResult{Status: StatusNoCheckpoints}
		}
		target = cur.Parent
		if target == "" {
			c.mu.Unlock()
			return CanRollbackResult{Status: StatusNoCheckpoints}
		}
	}

	node, ok := c.nodes[target]
	if !ok {
		tombstoned := contains(c.tombstones, target)
		c.mu.Unlock()
		if tombstoned {
			return CanRollbackResult{Status: StatusExpired}
		}
		return CanRollbackResult{Status: StatusUnknown}
	}
	if c.hostManaged && node.Snapshot == nil {
		c.mu.Unlock()
		return CanRollbackResult{Status: StatusExpired}
	}
	c.mu.Unlock()
	return CanRollbackResult{Status: StatusExists, CheckpointID: target}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// CommitRollback is the second phase: it actually moves current to target,
// restoring the snapshot when host-managed, and resets the mutation
// counter.
func (m *Manager) CommitRollback(ctx context.Context, conversationID string, id string) CommitResult {
	c := m.conv(conversationID, false)

	c.mu.Lock()
	if len(c.nodes) == 0 {
		c.mu.Unlock()
		return CommitResult{Status: CommitRollbackFailed}
	}
	node, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return CommitResult{Status: CommitCheckpointExpired}
	}

	if c.hostManaged {
		if node.Snapshot == nil {
			c.mu.Unlock()
			return CommitResult{Status: CommitCheckpointExpired}
		}
		var parsed json.RawMessage
		if err := json.Unmarshal([]byte(*node.Snapshot), &parsed); err != nil {
			c.mu.Unlock()
			m.removeNode(conversationID, c, id)
			return CommitResult{Status: CommitRollbackFailed}
		}
		c.state = parsed
	}

	c.current = id
	c.mutationCount = 0
	c.mu.Unlock()

	m.emit(ctx, TreeEvent{ConversationID: conversationID, Action: "rollback", CheckpointID: id, Timestamp: time.Now()})
	return CommitResult{Status: CommitOK}
}

// removeNode detaches id from the tree (unlinking it from its parent's
// children) so a corrupt snapshot cannot cause an endless
// canRollback/commitRollback loop.
func (m *Manager) removeNode(conversationID string, c *Conversation, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[id]
	if !ok {
		return
	}
	if parent, ok := c.nodes[node.Parent]; ok {
		parent.Children = removeString(parent.Children, id)
	}
	delete(c.nodes, id)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

// evict applies the mode-specific eviction rule after a checkpoint is
// created.
func (m *Manager) evict(conversationID string, c *Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeLinear {
		for len(c.chainFromCurrentLocked()) > MaxNodes {
			chain := c.chainFromCurrentLocked()
			oldest := chain[len(chain)-1]
			node := c.nodes[oldest]
			for _, child := range node.Children {
				if cn, ok := c.nodes[child]; ok {
					cn.Parent = ""
				}
			}
			delete(c.nodes, oldest)
		}
		return
	}

	if len(c.nodes) <= MaxNodes {
		return
	}
	activeBranch := toSet(c.chainFromCurrentLocked())
	for len(c.nodes) > MaxNodes {
		leaf := findOldestOffBranchLeaf(c, activeBranch)
		if leaf == "" {
			return // no off-branch leaves remain, even though size still exceeds MaxNodes
		}
		node := c.nodes[leaf]
		if parent, ok := c.nodes[node.Parent]; ok {
			parent.Children = removeString(parent.Children, leaf)
		}
		delete(c.nodes, leaf)
		c.tombstones = append(c.tombstones, leaf)
		if len(c.tombstones) > MaxTombstones {
			c.tombstones = c.tombstones[1:]
		}
	}
}

// chainFromCurrentLocked walks current back to the root, inclusive.
func (c *Conversation) chainFromCurrentLocked() []string {
	var chain []string
	id := c.current
	for id != "" {
		chain = append(chain, id)
		node, ok := c.nodes[id]
		if !ok {
			break
		}
		id = node.Parent
	}
	return chain
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set
}

func findOldestOffBranchLeaf(c *Conversation, activeBranch map[string]struct{}) string {
	var oldest *Node
	for id, node := range c.nodes {
		if _, onBranch := activeBranch[id]; onBranch {
			continue
		}
		if len(node.Children) > 0 {
			continue // not a leaf
		}
		if oldest == nil || node.CreatedAt.Before(oldest.CreatedAt) {
			oldest = node
		}
	}
	if oldest == nil {
		return ""
	}
	return oldest.ID
}

// GetCheckpoints returns a copy-safe snapshot of the checkpoint tree.
func (m *Manager) GetCheckpoints(conversationID string) (current string, checkpoints []CheckpointView) {
	c := m.conv(conversationID, false)
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]CheckpointView, 0, len(ids))
	for _, id := range ids {
		node := c.nodes[id]
		children := append([]string(nil), node.Children...)
		out = append(out, CheckpointView{
			ID: id, Parent: node.Parent, Children: children, CreatedAt: node.CreatedAt,
			IsCurrent: id == c.current, Label: node.Label, MutationCount: node.MutationCount,
		})
	}
	return c.current, out
}

// Mode reports a conversation's current checkpoint tree mode.
func (m *Manager) Mode(conversationID string) Mode {
	c := m.conv(conversationID, false)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Replay reconstructs conversationID's checkpoint tree from a sequence of
// previously-persisted TreeEvents, tolerating the edge cases the spec calls
// out: a replayed checkpoint referencing an unknown parent still gets its
// parent pointer set (with children left unlinked), and a replayed rollback
// referencing an unknown id is skipped. Eviction is applied once after the
// whole run.
func (m *Manager) Replay(conversationID string, hostManaged bool, events []TreeEvent) {
	c := m.conv(conversationID, hostManaged)
	c.mu.Lock()
	for _, ev := range events {
		switch ev.Action {
		case "checkpoint":
			node := &Node{ID: ev.CheckpointID, Parent: ev.Parent, Label: ev.Label, CreatedAt: ev.Timestamp, MutationCount: ev.MutationCount}
			c.nodes[ev.CheckpointID] = node
			if ev.Parent != "" {
				if p, ok := c.nodes[ev.Parent]; ok {
					p.Children = append(p.Children, ev.CheckpointID)
				}
			}
			c.current = ev.CheckpointID
			if n := seqOf(ev.CheckpointID); n > c.nextSeq {
				c.nextSeq = n
			}
		case "mode_upgrade":
			c.mode = ModeTree
		case "rollback":
			if _, ok := c.nodes[ev.CheckpointID]; ok {
				c.current = ev.CheckpointID
				c.mutationCount = 0
			}
			// unknown id: skipped; Replay neither logs nor reports it.
		}
	}
	c.mu.Unlock()
	m.evict(conversationID, c)
}

func seqOf(id string) int {
	var n int
	_, err := fmt.Sscanf(id, "chk_%d", &n)
	if err != nil {
		return 0
	}
	return n
}
