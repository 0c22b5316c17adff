package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Command is one queued subscriber command awaiting delivery.
type Command struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Outbox persists commands that could not be written to the hub, so a
// prompt or permission answer issued during a disconnect is delivered
// once the connection comes back. Backed by an append-only JSONL file
// that compacts when enough delivered entries accumulate.
type Outbox struct {
	path    string
	maxSize int

	mu          sync.Mutex
	commands    []Command
	nextID      int64
	appendFile  *os.File
	lastCompact time.Time
}

func NewOutbox(stateDir string, maxSize int) (*Outbox, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	o := &Outbox{
		path:    filepath.Join(stateDir, "outbox.jsonl"),
		maxSize: maxSize,
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) load() error {
	file, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue // skip corrupt lines
		}
		o.commands = append(o.commands, cmd)
		if cmd.ID >= o.nextID {
			o.nextID = cmd.ID + 1
		}
	}
	return scanner.Err()
}

// Push queues one command. When the outbox is full the oldest entry is
// dropped; stale commands against dead sessions are worthless anyway.
func (o *Outbox) Push(msgType string, payload json.RawMessage) (Command, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	cmd := Command{ID: o.nextID, Type: msgType, Payload: payload}
	o.nextID++

	overflow := len(o.commands) >= o.maxSize
	if overflow {
		o.commands = o.commands[1:]
	}
	o.commands = append(o.commands, cmd)

	if err := o.appendLocked(cmd); err != nil {
		return cmd, err
	}
	if overflow {
		return cmd, o.compactLocked()
	}
	return cmd, nil
}

// Delivered drops every command up to and including id.
func (o *Outbox) Delivered(id int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	kept := o.commands[:0]
	removed := 0
	for _, cmd := range o.commands {
		if cmd.ID > id {
			kept = append(kept, cmd)
		} else {
			removed++
		}
	}
	o.commands = kept
	return o.maybeCompactLocked(removed)
}

// Pending returns the undelivered commands in queue order.
func (o *Outbox) Pending() []Command {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Command, len(o.commands))
	copy(out, o.commands)
	return out
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.commands)
}

func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.appendFile != nil {
		err := o.appendFile.Close()
		o.appendFile = nil
		return err
	}
	return nil
}

func (o *Outbox) appendLocked(cmd Command) error {
	if o.appendFile == nil {
		f, err := os.OpenFile(o.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open outbox for append: %w", err)
		}
		o.appendFile = f
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = o.appendFile.Write(append(data, '\n'))
	return err
}

func (o *Outbox) maybeCompactLocked(removed int) error {
	if removed == 0 {
		return nil
	}
	if time.Since(o.lastCompact) < 30*time.Second && removed < 100 {
		if info, err := os.Stat(o.path); err != nil || info.Size() < 5*1024*1024 {
			return nil
		}
	}
	return o.compactLocked()
}

func (o *Outbox) compactLocked() error {
	tmp := o.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("compact outbox: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, cmd := range o.commands {
		data, err := json.Marshal(cmd)
		if err != nil {
			continue
		}
		w.Write(append(data, '\n'))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, o.path); err != nil {
		return err
	}
	if o.appendFile != nil {
		o.appendFile.Close()
		o.appendFile = nil
	}
	o.lastCompact = time.Now()
	return nil
}
