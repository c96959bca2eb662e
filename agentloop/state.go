package agentloop

import (
	"context"
	"time"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
)

// TurnState is the loop's per-turn state machine position.
type TurnState int

const (
	// StateStreaming: consuming backend events for the current round.
	StateStreaming TurnState = iota

	// StateAwaitingPermission: the turn is paused on user permission;
	// resumption happens through the negotiator, not the stream.
	StateAwaitingPermission

	// StateAwaitingQuestion: the turn ended on a question tool call and
	// waits for the user's answer as the next prompt.
	StateAwaitingQuestion

	// StateDone: terminal. The generating state is destroyed.
	StateDone
)

func (s TurnState) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateAwaitingPermission:
		return "awaiting_permission"
	case StateAwaitingQuestion:
		return "awaiting_question"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// callDecision records the user's verdict on one blocked tool call.
type callDecision struct {
	granted  bool
	reason   string
	executed bool
}

// GeneratingState tracks one in-flight message. It is created when a turn
// starts and destroyed on the terminal event or explicit cancel. Only the
// engine mutates it, always under the engine's session lock.
type GeneratingState struct {
	SessionID string
	MessageID string

	State          TurnState
	Blocks         []chatevent.Block
	ToolCallCount  int
	StartTime      time.Time
	FirstTokenTime time.Time
	Usage          chatevent.Usage

	// conversation context for the next model round
	messages []modelkit.Message

	// index of the current round's assistant message, used by the legacy
	// injection path to append results in place
	roundAssistantIdx int

	// model and system prompt pinned for the whole turn
	model  string
	system string

	// calls blocked on permission, in stream order
	blockedCalls []modelkit.ToolCall
	decisions    map[string]*callDecision

	// loop context, cancelled by Cancel; resumption reuses it
	ctx    context.Context
	cancel context.CancelFunc
}

// openBlock returns the trailing block if it matches kind, else appends a
// new one. Deltas of one kind coalesce into one block; a kind change
// closes the previous block.
func (st *GeneratingState) openBlock(kind chatevent.BlockKind) *chatevent.Block {
	if n := len(st.Blocks); n > 0 && st.Blocks[n-1].Kind == kind {
		return &st.Blocks[n-1]
	}
	st.Blocks = append(st.Blocks, chatevent.Block{Kind: kind})
	return &st.Blocks[len(st.Blocks)-1]
}

// appendBlock closes the open block by appending a standalone one.
func (st *GeneratingState) appendBlock(b chatevent.Block) {
	st.Blocks = append(st.Blocks, b)
}

func (st *GeneratingState) decisionFor(toolCallID string) *callDecision {
	if st.decisions == nil {
		st.decisions = make(map[string]*callDecision)
	}
	d, ok := st.decisions[toolCallID]
	if !ok {
		d = &callDecision{}
		st.decisions[toolCallID] = d
	}
	return d
}
