package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agent-relay/relayd/internal/activity"
	"github.com/agent-relay/relayd/internal/client"
	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/control"
	"github.com/agent-relay/relayd/internal/hub"
	"github.com/agent-relay/relayd/internal/metrics"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/router"
	"github.com/agent-relay/relayd/internal/scheduler"
	"github.com/agent-relay/relayd/internal/term"
	"github.com/agent-relay/relayd/internal/tmux"
	"github.com/agent-relay/relayd/internal/watch"
)

const Version = "0.1.0"

func defaultConfigPath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "relayd", "config.yaml")
	}
	return "/etc/relayd/config.yaml"
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "sessions":
			runSessionsCommand(os.Args[2:])
			return
		case "watch":
			runWatchCommand(os.Args[2:])
			return
		case "send":
			runSendCommand(os.Args[2:])
			return
		case "version":
			runVersionCommand()
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	runDaemon()
}

func printHelp() {
	fmt.Println(`relayd - session relay daemon for coding agents

Usage:
  relayd [command] [options]

Commands:
  (none)       Run as daemon (default)
  status       Show daemon status
  sessions     List sessions known to the daemon
  watch        Stream live events to stdout
  send         Send a prompt to a session
  version      Show version information
  help         Show this help

Daemon Options:
  -config string  Path to config file (default ~/.config/relayd/config.yaml)

Subcommand Options:
  -json         Output in JSON format
  -config       Path to config file`)
}

func runVersionCommand() {
	fmt.Printf("relayd version %s\n", Version)
}

func apiBase(cfg *config.Config) string {
	listen := cfg.Server.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

func apiGet(cfg *config.Config, path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, apiBase(cfg)+path, nil)
	if err != nil {
		return err
	}
	if cfg.Server.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.Token)
	}
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath(), "Path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var st struct {
		Sessions int `json:"sessions"`
		Clients  int `json:"clients"`
	}
	daemonErr := apiGet(cfg, "/status", &st)

	status := map[string]any{
		"version":   Version,
		"listen":    cfg.Server.Listen,
		"state_dir": cfg.Storage.StateDir,
		"running":   daemonErr == nil,
	}
	if daemonErr == nil {
		status["sessions"] = st.Sessions
		status["clients"] = st.Clients
	} else {
		status["error"] = daemonErr.Error()
	}

	if *jsonOutput {
		outputJSON(status)
		return
	}
	fmt.Printf("Relay Status\n")
	fmt.Printf("============\n")
	fmt.Printf("Version:   %s\n", Version)
	fmt.Printf("Listen:    %s\n", cfg.Server.Listen)
	fmt.Printf("State Dir: %s\n", cfg.Storage.StateDir)
	fmt.Printf("Running:   %v\n", daemonErr == nil)
	if daemonErr != nil {
		fmt.Printf("Error:     %s\n", daemonErr.Error())
	} else {
		fmt.Printf("Sessions:  %d\n", st.Sessions)
		fmt.Printf("Clients:   %d\n", st.Clients)
	}
}

func runSessionsCommand(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	configPath := fs.String("config", defaultConfigPath(), "Path to config file")
	all := fs.Bool("all", false, "Include offline sessions")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	path := "/sessions"
	if *all {
		path += "?all=true"
	}
	var sessions []map[string]any
	if err := apiGet(cfg, path, &sessions); err != nil {
		if *jsonOutput {
			outputJSON(map[string]any{"error": err.Error()})
			return
		}
		log.Fatalf("Failed to list sessions: %v", err)
	}

	if *jsonOutput {
		outputJSON(map[string]any{
			"sessions":    sessions,
			"total_count": len(sessions),
		})
		return
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	fmt.Printf("Sessions (%d total)\n", len(sessions))
	fmt.Println(strings.Repeat("=", 60))
	for _, s := range sessions {
		fmt.Printf("\n%v [%v]\n", s["name"], s["state"])
		fmt.Printf("  ID:       %v\n", s["id"])
		fmt.Printf("  Kind:     %v\n", s["kind"])
		if wd, ok := s["work_dir"].(string); ok && wd != "" {
			fmt.Printf("  Dir:      %s\n", wd)
		}
		if ext, ok := s["external_id"].(string); ok && ext != "" {
			fmt.Printf("  External: %s\n", ext)
		}
	}
}

// runWatchCommand subscribes to the hub and prints every frame, one
// JSON object per line.
func runWatchCommand(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to config file")
	fs.Parse(args)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	listen := cfg.Server.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	wsURL := "ws://" + listen + "/ws"

	c := client.New(wsURL, cfg.Server.Token, nil)
	c.SetMessageHandler(func(msgType string, payload json.RawMessage) {
		line, err := json.Marshal(map[string]any{
			"type":    msgType,
			"payload": payload,
		})
		if err != nil {
			return
		}
		fmt.Println(string(line))
	})
	if err := c.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

// runSendCommand delivers one prompt over the hub socket. If the daemon
// is unreachable the command lands in the on-disk outbox and is replayed
// by the next send or watch invocation that connects.
func runSendCommand(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to config file")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) < 2 {
		log.Fatalf("usage: relayd send [options] <session-id> <text>")
	}
	sessionID, text := rest[0], strings.Join(rest[1:], " ")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	outbox, err := client.NewOutbox(cfg.Storage.StateDir, 1000)
	if err != nil {
		log.Fatalf("Failed to open outbox: %v", err)
	}
	defer outbox.Close()

	listen := cfg.Server.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	c := client.New("ws://"+listen+"/ws", cfg.Server.Token, nil)
	c.SetOutbox(outbox)

	done := make(chan struct{})
	c.SetMessageHandler(func(msgType string, payload json.RawMessage) {
		if msgType == hub.TypeAck {
			var ack hub.AckPayload
			if json.Unmarshal(payload, &ack) == nil && ack.Op == "send-prompt" {
				if !ack.OK {
					log.Printf("send failed: %s", ack.Error)
				}
				close(done)
			}
		}
	})

	if err := c.Connect(); err != nil {
		// Queue for later delivery instead of losing the prompt.
		if serr := c.Send(hub.TypeSendPrompt, hub.SendPromptPayload{
			SessionID: sessionID,
			Text:      text,
		}); serr != nil {
			log.Fatalf("Failed to queue prompt: %v", serr)
		}
		fmt.Printf("daemon unreachable, prompt queued (%d pending)\n", outbox.Len())
		return
	}
	defer c.Close()

	if err := c.Send(hub.TypeSendPrompt, hub.SendPromptPayload{
		SessionID: sessionID,
		Text:      text,
	}); err != nil {
		log.Fatalf("Failed to send prompt: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Fatalf("timed out waiting for acknowledgement")
	}
}

func outputJSON(data any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func runDaemon() {
	configPath := flag.String("config", defaultConfigPath(), "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("Daemon error: %v", err)
	}
}

func run(cfg *config.Config) error {
	store, err := registry.NewStore(cfg.Storage.StateDir)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	reg, err := registry.New(store)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	tmuxClient := tmux.NewClient(&cfg.Tmux)

	met := metrics.New(prometheus.DefaultRegisterer,
		func() float64 { return float64(reg.ManagedCount()) },
		func() float64 { return float64(reg.ObservedCount()) },
	)

	// The hub is the delivery sink but needs the controller, which needs
	// the scheduler. Break the cycle with a late-bound pointer.
	var hubSrv *hub.Server
	sched := scheduler.New(scheduler.Options{
		Coalesce:    time.Duration(cfg.Scheduler.CoalesceMs) * time.Millisecond,
		MinInterval: time.Duration(cfg.Scheduler.MinIntervalMs) * time.Millisecond,
		MaxAge:      time.Duration(cfg.Scheduler.MaxAgeMs) * time.Millisecond,
		Tick:        time.Duration(cfg.Scheduler.TickMs) * time.Millisecond,
	}, func(ev scheduler.Event) {
		if hubSrv != nil {
			hubSrv.Broadcast(ev)
		}
	}, reg.Exists)
	sched.OnSchedule = func(ev scheduler.Event) {
		met.EventsScheduled.WithLabelValues(metrics.PriorityLabel(int(ev.Priority))).Inc()
	}
	sched.OnDrop = func(scheduler.Event) { met.EventsDropped.Inc() }
	sched.OnCoalesce = func(scheduler.Event) { met.EventsCoalesced.Inc() }

	rt := router.New(reg, sched, router.Options{
		RevertDelay:  time.Duration(cfg.Scheduler.RevertDelayMs) * time.Millisecond,
		RemovalGrace: time.Duration(cfg.Scheduler.RemovalGraceMs) * time.Millisecond,
	})
	sched.SetTickHook(rt.Tick)

	var ctrl *control.Controller
	watcher := watch.NewWatcher(&cfg.Watch, tmuxClient,
		func() []watch.Candidate {
			if ctrl == nil {
				return nil
			}
			return ctrl.WatchCandidates()
		},
		func(sessionID string, prompt *watch.Prompt) {
			met.PromptsDetected.Inc()
			rt.HandlePromptDetected(sessionID, prompt)
		},
	)
	rt.SetClearSignature(watcher.ClearSignature)

	var act *activity.Watcher
	if cfg.Activity.Enabled {
		act = activity.New(time.Duration(cfg.Activity.DebounceMs)*time.Millisecond,
			func(sessionID string, changes int) {
				sched.Schedule(scheduler.Event{
					SessionID: sessionID,
					Priority:  scheduler.Low,
					Kind:      "activity",
					Payload:   map[string]int{"changes": changes},
				})
			})
		defer act.Shutdown()
	}

	ctrl = control.New(cfg, reg, tmuxClient, rt, sched, watcher, act)

	termMgr := term.NewManager(cfg.Tmux.Bin, cfg.Tmux.Socket,
		func(channelID string, data []byte) {
			if hubSrv != nil {
				hubSrv.TerminalOutput(channelID, data)
			}
		})
	defer termMgr.Close()

	hubSrv = hub.NewServer(ctrl, termMgr, met, cfg.Server.Token)
	rt.SetPermissionFunc(hubSrv.BroadcastPermission)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)
	go watcher.Run(ctx)

	// Health reconcile loop: mark sessions whose tmux process vanished.
	go func() {
		interval := time.Duration(cfg.Watch.HealthIntervalMs) * time.Millisecond
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				changed, err := ctrl.ReconcileHealth()
				if err != nil {
					met.TmuxErrors.Inc()
					log.Printf("health reconcile: %v", err)
					continue
				}
				if changed {
					hubSrv.BroadcastSessions()
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: hubSrv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("relayd %s listening on %s", Version, cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		log.Printf("received %v, shutting down", s)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
