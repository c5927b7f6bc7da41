// Package messaging gives cooperating agentmgr processes a shared
// mailbox and peer discovery over the state directory. The mailbox is
// one append-only JSONL file; peers announce themselves with periodic
// dashboard snapshot files. Everything is best-effort file plumbing,
// there is no broker.
package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentmgr/internal/bus"
	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

// PollInterval is how often the mailbox tail is checked for new
// inbound messages.
const PollInterval = 5 * time.Second

// Message is one mailbox entry.
type Message struct {
	ID   string    `json:"id"`
	Ts   time.Time `json:"ts"`
	From string    `json:"from"`
	To   string    `json:"to"`
	Body string    `json:"body"`
}

// Mailbox appends to and tails the shared messages.jsonl. self is the
// recipient name this process answers to.
type Mailbox struct {
	path string
	self string
	bus  *bus.Bus

	mu     sync.Mutex
	offset int64
	seen   map[string]bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMailbox opens a mailbox on path. Messages already in the file
// are history, not announcements; the poller starts at the current
// end of file.
func NewMailbox(path, self string, b *bus.Bus) *Mailbox {
	mb := &Mailbox{
		path: path,
		self: self,
		bus:  b,
		seen: make(map[string]bool),
		done: make(chan struct{}),
	}
	if fi, err := os.Stat(path); err == nil {
		mb.offset = fi.Size()
	}
	return mb
}

// Send appends one message. Our own sends are pre-marked seen so the
// poller never echoes them back.
func (mb *Mailbox) Send(from, to, body string) (Message, error) {
	if to == "" {
		return Message{}, fmt.Errorf("messaging: recipient is required")
	}
	msg := Message{
		ID:   "msg-" + uuid.NewString(),
		Ts:   time.Now(),
		From: from,
		To:   to,
		Body: body,
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("messaging: marshal message: %w", err)
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	f, err := os.OpenFile(mb.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return Message{}, fmt.Errorf("messaging: open mailbox: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Message{}, fmt.Errorf("messaging: append message: %w", err)
	}
	mb.seen[msg.ID] = true
	return msg, nil
}

// Read returns the newest messages addressed to recipient, newest
// first. markSeen suppresses poller announcements for the returned
// ids.
func (mb *Mailbox) Read(recipient string, limit int, markSeen bool) ([]Message, error) {
	all, _, err := mb.scan(0)
	if err != nil {
		return nil, err
	}

	var matched []Message
	for _, msg := range all {
		if msg.To == recipient {
			matched = append(matched, msg)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	// newest first
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	if markSeen {
		mb.mu.Lock()
		for _, msg := range matched {
			mb.seen[msg.ID] = true
		}
		mb.mu.Unlock()
	}
	return matched, nil
}

// Start launches the tail poller.
func (mb *Mailbox) Start() {
	mb.wg.Add(1)
	go func() {
		defer mb.wg.Done()
		ticker := time.NewTicker(PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-mb.done:
				return
			case <-ticker.C:
				mb.poll()
			}
		}
	}()
}

// Close stops the poller.
func (mb *Mailbox) Close() {
	select {
	case <-mb.done:
		return
	default:
	}
	close(mb.done)
	mb.wg.Wait()
}

// poll reads newly appended lines and publishes message:received for
// inbound messages not seen before.
func (mb *Mailbox) poll() {
	mb.mu.Lock()
	offset := mb.offset
	mb.mu.Unlock()

	msgs, newOffset, err := mb.scan(offset)
	if err != nil {
		slog.Warn("messaging: mailbox poll failed", "error", err)
		return
	}

	var inbound []Message
	mb.mu.Lock()
	mb.offset = newOffset
	for _, msg := range msgs {
		if msg.To != mb.self || mb.seen[msg.ID] {
			continue
		}
		mb.seen[msg.ID] = true
		inbound = append(inbound, msg)
	}
	mb.mu.Unlock()

	for _, msg := range inbound {
		mb.bus.Publish(protocol.MessageReceived{
			MessageID: msg.ID,
			From:      msg.From,
			To:        msg.To,
			Body:      msg.Body,
		})
	}
}

// scan decodes complete lines starting at offset and returns the new
// absolute offset. A torn final line (no trailing newline yet) is left
// for the next pass.
func (mb *Mailbox) scan(offset int64) ([]Message, int64, error) {
	f, err := os.Open(mb.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("messaging: open mailbox: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("messaging: stat mailbox: %w", err)
	}
	if fi.Size() < offset {
		// rotated or truncated underneath us
		offset = 0
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, 0, fmt.Errorf("messaging: seek mailbox: %w", err)
	}

	data := make([]byte, fi.Size()-offset)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, 0, fmt.Errorf("messaging: read mailbox: %w", err)
	}

	var msgs []Message
	var consumed int64
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(data[:idx]))
		data = data[idx+1:]
		consumed += int64(idx + 1)
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			slog.Warn("messaging: skipping corrupt mailbox line", "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, offset + consumed, nil
}
