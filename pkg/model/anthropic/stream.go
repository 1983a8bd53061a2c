package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/zypherlabs/zypher/pkg/model"
	"github.com/zypherlabs/zypher/pkg/protocol"
)

// stream adapts an SDK event stream to model.Stream. A goroutine drains the
// SDK stream through the assembler and feeds converted events to Recv.
type stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	raw    *ssestream.Stream[sdk.MessageStreamEventUnion]

	events chan *model.Event

	errMu    sync.Mutex
	finalErr error
}

func newStream(ctx context.Context, raw *ssestream.Stream[sdk.MessageStreamEventUnion]) *stream {
	cctx, cancel := context.WithCancel(ctx)
	s := &stream{
		ctx:    cctx,
		cancel: cancel,
		raw:    raw,
		events: make(chan *model.Event, 32),
	}
	go s.run()
	return s
}

func (s *stream) Recv() (*model.Event, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *stream) Close() error {
	s.cancel()
	return s.raw.Close()
}

func (s *stream) run() {
	defer close(s.events)
	defer s.raw.Close()

	asm := newAssembler(s.emit)
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.raw.Next() {
			if err := s.raw.Err(); err != nil && !errors.Is(err, io.EOF) {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			}
			return
		}
		if err := asm.handle(s.raw.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
}

func (s *stream) emit(ev *model.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.finalErr == nil {
		s.finalErr = err
	}
}

func (s *stream) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// assembler converts SDK stream events into model events while building the
// final assistant message block by block.
type assembler struct {
	emit func(*model.Event) error

	texts    map[int]*strings.Builder
	toolUses map[int]*toolBuffer
	thinking map[int]*thinkingBuffer
	done     map[int]protocol.ContentBlock

	stopReason protocol.StopReason
	usage      *protocol.TokenUsage
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

type thinkingBuffer struct {
	text      strings.Builder
	signature string
}

func newAssembler(emit func(*model.Event) error) *assembler {
	return &assembler{
		emit:     emit,
		texts:    make(map[int]*strings.Builder),
		toolUses: make(map[int]*toolBuffer),
		thinking: make(map[int]*thinkingBuffer),
		done:     make(map[int]protocol.ContentBlock),
	}
}

func (a *assembler) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return nil

	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			a.toolUses[idx] = &toolBuffer{id: start.ID, name: start.Name}
			return a.emit(&model.Event{
				Type:      model.EventToolUseStart,
				ToolUseID: start.ID,
				ToolName:  start.Name,
			})
		case sdk.TextBlock:
			a.texts[idx] = &strings.Builder{}
		case sdk.ThinkingBlock:
			a.thinking[idx] = &thinkingBuffer{}
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			sb := a.texts[idx]
			if sb == nil {
				sb = &strings.Builder{}
				a.texts[idx] = sb
			}
			sb.WriteString(delta.Text)
			return a.emit(&model.Event{Type: model.EventText, Text: delta.Text})
		case sdk.InputJSONDelta:
			tb := a.toolUses[idx]
			if tb == nil || delta.PartialJSON == "" {
				return nil
			}
			tb.fragments = append(tb.fragments, delta.PartialJSON)
			return a.emit(&model.Event{
				Type:       model.EventToolUseInput,
				ToolUseID:  tb.id,
				ToolName:   tb.name,
				InputDelta: delta.PartialJSON,
			})
		case sdk.ThinkingDelta:
			tb := a.thinking[idx]
			if tb == nil {
				tb = &thinkingBuffer{}
				a.thinking[idx] = tb
			}
			tb.text.WriteString(delta.Thinking)
			return nil
		case sdk.SignatureDelta:
			if tb := a.thinking[idx]; tb != nil {
				tb.signature = delta.Signature
			}
			return nil
		}
		return nil

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		switch {
		case a.texts[idx] != nil:
			a.done[idx] = &protocol.TextBlock{Text: a.texts[idx].String()}
			delete(a.texts, idx)
		case a.toolUses[idx] != nil:
			tb := a.toolUses[idx]
			delete(a.toolUses, idx)
			input := map[string]any{}
			raw := strings.TrimSpace(strings.Join(tb.fragments, ""))
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &input); err != nil {
					return errors.New("anthropic: tool input is not valid JSON")
				}
			}
			a.done[idx] = &protocol.ToolUseBlock{ID: tb.id, Name: tb.name, Input: input}
		case a.thinking[idx] != nil:
			tb := a.thinking[idx]
			delete(a.thinking, idx)
			if tb.text.Len() > 0 {
				a.done[idx] = &protocol.ThinkingBlock{
					Signature: tb.signature,
					Text:      tb.text.String(),
				}
			}
		}
		return nil

	case sdk.MessageDeltaEvent:
		a.stopReason = protocol.StopReason(ev.Delta.StopReason)
		a.usage = convertUsage(ev.Usage)
		return a.emit(&model.Event{Type: model.EventUsage, Usage: a.usage})

	case sdk.MessageStopEvent:
		return a.emit(&model.Event{
			Type:       model.EventMessage,
			Message:    a.finalMessage(),
			StopReason: a.stopReason,
		})
	}
	return nil
}

func (a *assembler) finalMessage() *protocol.Message {
	idxs := make([]int, 0, len(a.done))
	for idx := range a.done {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	content := make([]protocol.ContentBlock, 0, len(idxs))
	for _, idx := range idxs {
		content = append(content, a.done[idx])
	}
	return &protocol.Message{
		Role:      protocol.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
	}
}

func convertUsage(u sdk.MessageDeltaUsage) *protocol.TokenUsage {
	usage := &protocol.TokenUsage{
		Input:  protocol.InputUsage{Total: u.InputTokens},
		Output: protocol.OutputUsage{Total: u.OutputTokens},
		Total:  u.InputTokens + u.OutputTokens,
	}
	if u.CacheCreationInputTokens > 0 {
		usage.Input.CacheCreation = protocol.Int64(u.CacheCreationInputTokens)
	}
	if u.CacheReadInputTokens > 0 {
		usage.Input.CacheRead = protocol.Int64(u.CacheReadInputTokens)
	}
	return usage
}

var _ model.Stream = (*stream)(nil)
