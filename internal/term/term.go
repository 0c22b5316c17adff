// Package term provides live terminal access to managed sessions. One
// PTY-backed tmux attach runs per session with at least one viewer;
// output bytes fan out to every attached channel, and input from the
// controlling channel goes back through the PTY so keystrokes behave
// like a real terminal.
package term

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// OutputFunc receives raw terminal bytes for one channel.
type OutputFunc func(channelID string, data []byte)

type bridge struct {
	tmuxName string
	ptmx     *os.File
	cmd      *exec.Cmd

	mu       sync.RWMutex
	channels map[string]bool // channelID -> readonly

	closeOnce sync.Once
	closed    chan struct{}
}

// Manager owns one bridge per tmux session.
type Manager struct {
	bin    string
	socket string
	output OutputFunc

	mu            sync.Mutex
	bridges       map[string]*bridge // tmuxName -> bridge
	channelToName map[string]string
}

func NewManager(bin, socket string, output OutputFunc) *Manager {
	return &Manager{
		bin:           bin,
		socket:        socket,
		output:        output,
		bridges:       make(map[string]*bridge),
		channelToName: make(map[string]string),
	}
}

// Attach connects a channel to a session's terminal, starting the PTY
// bridge if this is the first viewer.
func (m *Manager) Attach(tmuxName, channelID string, readonly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bridges[tmuxName]
	if !ok {
		var err error
		b, err = m.startBridge(tmuxName)
		if err != nil {
			return err
		}
		m.bridges[tmuxName] = b
	}

	b.mu.Lock()
	b.channels[channelID] = readonly
	b.mu.Unlock()
	m.channelToName[channelID] = tmuxName
	return nil
}

// Detach removes a channel; the bridge shuts down with its last viewer.
func (m *Manager) Detach(channelID string) {
	m.mu.Lock()
	tmuxName, ok := m.channelToName[channelID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.channelToName, channelID)
	b := m.bridges[tmuxName]
	m.mu.Unlock()

	if b == nil {
		return
	}
	b.mu.Lock()
	delete(b.channels, channelID)
	last := len(b.channels) == 0
	b.mu.Unlock()

	if last {
		m.mu.Lock()
		delete(m.bridges, tmuxName)
		m.mu.Unlock()
		b.close()
	}
}

// Input writes raw bytes from a channel into the terminal. Read-only
// channels are refused.
func (m *Manager) Input(channelID string, data []byte) error {
	m.mu.Lock()
	tmuxName, ok := m.channelToName[channelID]
	b := m.bridges[tmuxName]
	m.mu.Unlock()

	if !ok || b == nil {
		return fmt.Errorf("channel %s not attached", channelID)
	}

	b.mu.RLock()
	readonly, attached := b.channels[channelID]
	b.mu.RUnlock()
	if !attached {
		return fmt.Errorf("channel %s not attached", channelID)
	}
	if readonly {
		return fmt.Errorf("channel %s is read-only", channelID)
	}

	select {
	case <-b.closed:
		return fmt.Errorf("terminal for %s is closed", tmuxName)
	default:
	}
	_, err := b.ptmx.Write(data)
	return err
}

// Resize changes the PTY window size for a session's bridge.
func (m *Manager) Resize(channelID string, rows, cols uint16) error {
	m.mu.Lock()
	tmuxName := m.channelToName[channelID]
	b := m.bridges[tmuxName]
	m.mu.Unlock()

	if b == nil {
		return fmt.Errorf("channel %s not attached", channelID)
	}
	return pty.Setsize(b.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// CloseSession tears down the bridge for a session, detaching all viewers.
func (m *Manager) CloseSession(tmuxName string) {
	m.mu.Lock()
	b := m.bridges[tmuxName]
	delete(m.bridges, tmuxName)
	for ch, name := range m.channelToName {
		if name == tmuxName {
			delete(m.channelToName, ch)
		}
	}
	m.mu.Unlock()

	if b != nil {
		b.close()
	}
}

// Close shuts down every bridge.
func (m *Manager) Close() {
	m.mu.Lock()
	bridges := make([]*bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.bridges = make(map[string]*bridge)
	m.channelToName = make(map[string]string)
	m.mu.Unlock()

	for _, b := range bridges {
		b.close()
	}
}

func (m *Manager) startBridge(tmuxName string) (*bridge, error) {
	var args []string
	if m.socket != "" {
		args = append(args, "-S", m.socket)
	}
	args = append(args, "attach-session", "-t", tmuxName)

	cmd := exec.Command(m.bin, args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to attach terminal for %s: %w", tmuxName, err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	b := &bridge{
		tmuxName: tmuxName,
		ptmx:     ptmx,
		cmd:      cmd,
		channels: make(map[string]bool),
		closed:   make(chan struct{}),
	}

	go m.readLoop(b)
	go func() {
		_ = cmd.Wait()
		b.close()
	}()

	return b, nil
}

func (m *Manager) readLoop(b *bridge) {
	buf := make([]byte, 4096)
	for {
		n, err := b.ptmx.Read(buf)
		if n > 0 {
			b.mu.RLock()
			channels := make([]string, 0, len(b.channels))
			for id := range b.channels {
				channels = append(channels, id)
			}
			b.mu.RUnlock()

			for _, ch := range channels {
				data := make([]byte, n)
				copy(data, buf[:n])
				m.output(ch, data)
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case <-b.closed:
				default:
					log.Printf("term: read error for %s: %v", b.tmuxName, err)
				}
			}
			b.close()
			return
		}
	}
}

func (b *bridge) close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		if b.ptmx != nil {
			_ = b.ptmx.Close()
		}
		if b.cmd != nil && b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
	})
}
