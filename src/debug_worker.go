package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
)

// ControlRequest asks main to act on the running blinds
type ControlRequest struct {
	Kind  string // "refresh", "clear_override" or "reload"
	Blind string // blind id, empty for all
}

// Colours for highlighting changes
var (
	changedValue = color.New(color.FgYellow).SprintFunc()
	failedValue  = color.New(color.FgRed).SprintFunc()
	headerText   = color.New(color.Bold).SprintFunc()
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// statusColumns are the fields shown for a watched blind
var statusColumns = []string{"time", "state", "azimuth", "elevation", "setting", "position", "override", "ok"}

// statusRow formats a status as one value per column
func statusRow(s BlindStatus) []string {
	row := make([]string, len(statusColumns))
	for i := range row {
		row[i] = "-"
	}
	if r := s.Result; r != nil {
		row[0] = r.Timestamp.Local().Format("15:04:05")
		row[1] = string(r.WindowState)
		row[2] = fmt.Sprintf("%.1f", r.Azimuth)
		row[3] = fmt.Sprintf("%.1f", r.Elevation)
		if r.CoverSetting != nil {
			row[4] = fmt.Sprintf("%.0f%%", *r.CoverSetting)
		}
	}
	if s.CoverPosition != nil {
		row[5] = fmt.Sprintf("%.0f%%", *s.CoverPosition)
	}
	if s.ManualOverride {
		row[6] = "until " + s.OverrideUntil.Local().Format("15:04")
	} else {
		row[6] = "no"
	}
	row[7] = "yes"
	if !s.LastUpdateSuccess {
		row[7] = "no"
	}
	return row
}

// DebugState tracks the latest status of every blind and which ones are watched
type DebugState struct {
	statuses   map[string]BlindStatus
	watches    []string
	prevRows   map[string][]string // last printed row per blind for change highlighting
	rl         *readline.Instance
	hub        *StateHub
	controlOut chan<- ControlRequest
}

// NewDebugState creates a new debug state
func NewDebugState(hub *StateHub, controlOut chan<- ControlRequest) *DebugState {
	return &DebugState{
		statuses:   make(map[string]BlindStatus),
		prevRows:   make(map[string][]string),
		hub:        hub,
		controlOut: controlOut,
	}
}

// print outputs a line, handling readline prompt properly
func (s *DebugState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.rl != nil {
		s.rl.Clean()
		fmt.Println(line)
		s.rl.Refresh()
	} else {
		fmt.Println(line)
	}
}

// UpdateStatus stores a status and prints it if the blind is watched
func (s *DebugState) UpdateStatus(status BlindStatus) {
	s.statuses[status.ID] = status
	if slices.Contains(s.watches, status.ID) {
		s.PrintRow(status)
	}
}

func (s *DebugState) blindIDs() []string {
	ids := make([]string, 0, len(s.statuses))
	for id := range s.statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch starts printing rows for a blind, or for all blinds
func (s *DebugState) Watch(id string) {
	if id == "--all" {
		for _, blind := range s.blindIDs() {
			s.Watch(blind)
		}
		return
	}
	if _, ok := s.statuses[id]; !ok {
		log.Printf("Unknown blind: %s (try 'list')", id)
		return
	}
	if slices.Contains(s.watches, id) {
		log.Printf("Already watching: %s", id)
		return
	}
	s.watches = append(s.watches, id)
	sort.Strings(s.watches)
	log.Printf("Watching: %s", id)
	s.PrintHeader()
	s.PrintRow(s.statuses[id])
}

// Unwatch stops printing rows for a blind, or for all blinds
func (s *DebugState) Unwatch(id string) bool {
	if id == "--all" {
		s.watches = s.watches[:0]
		s.prevRows = make(map[string][]string)
		log.Println("All watches removed")
		return true
	}
	i := slices.Index(s.watches, id)
	if i < 0 {
		log.Printf("No watch found for: %s", id)
		return false
	}
	s.watches = slices.Delete(s.watches, i, i+1)
	delete(s.prevRows, id)
	log.Printf("Unwatched: %s", id)
	return true
}

// PrintHeader prints the column headers
func (s *DebugState) PrintHeader() {
	s.print("%s", headerText(fmt.Sprintf("%-16s %s", "blind", strings.Join(padColumns(statusColumns), " | "))))
}

// PrintRow prints a blind's status, highlighting values that changed
func (s *DebugState) PrintRow(status BlindStatus) {
	row := statusRow(status)
	prev, hasPrev := s.prevRows[status.ID]
	padded := padColumns(row)

	parts := make([]string, len(row))
	anyChanged := !hasPrev
	for i, value := range padded {
		changed := !hasPrev || prev[i] != row[i]
		anyChanged = anyChanged || changed
		switch {
		case i == len(row)-1 && row[i] == "no":
			parts[i] = failedValue(value)
		case changed:
			parts[i] = changedValue(value)
		default:
			parts[i] = value
		}
	}

	if anyChanged {
		s.print("%-16s %s", status.ID, strings.Join(parts, " | "))
		s.prevRows[status.ID] = row
	}
}

// padColumns right-aligns every value to a common column width
func padColumns(values []string) []string {
	const width = 10
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%*s", width, v)
	}
	return out
}

// ListBlinds prints a one-line summary per blind
func (s *DebugState) ListBlinds() {
	ids := s.blindIDs()
	if len(ids) == 0 {
		log.Println("No status received yet")
		return
	}
	s.print("Blinds (%d):", len(ids))
	for _, id := range ids {
		st := s.statuses[id]
		state := "-"
		if st.Result != nil {
			state = string(st.Result.WindowState)
		}
		s.print("  %-16s %-10s next run %s", id, state, st.NextRun.Local().Format(time.Kitchen))
	}
}

// ShowBlind prints every attribute of one blind
func (s *DebugState) ShowBlind(id string) {
	st, ok := s.statuses[id]
	if !ok {
		log.Printf("Unknown blind: %s (try 'list')", id)
		return
	}
	attrs := st.Attributes()
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.print("%s (%s):", st.Name, st.ID)
	for _, k := range keys {
		v := attrs[k]
		if v == nil {
			v = "-"
		}
		s.print("  %-22s %v", k, v)
	}
}

// ListEntities prints every entity the hub has seen with its state
func (s *DebugState) ListEntities() {
	if s.hub == nil {
		return
	}
	ids := s.hub.Entities()
	s.print("Entities (%d):", len(ids))
	for _, id := range ids {
		st, _ := s.hub.Get(id)
		s.print("  %-40s %s", id, st.State)
	}
}

func (s *DebugState) request(req ControlRequest) {
	select {
	case s.controlOut <- req:
	default:
		log.Printf("Busy, %s request dropped", req.Kind)
	}
}

// handleDebugCommand processes a debug command
func handleDebugCommand(cmd string, state *DebugState) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "list":
		state.ListBlinds()

	case "show":
		if len(parts) < 2 {
			log.Println("Usage: show <blind>")
			return
		}
		state.ShowBlind(parts[1])

	case "entities":
		state.ListEntities()

	case "watch":
		if len(parts) < 2 {
			log.Println("Usage: watch <blind> | watch --all")
			return
		}
		state.Watch(parts[1])

	case "unwatch":
		if len(parts) < 2 {
			log.Println("Usage: unwatch <blind> | unwatch --all")
			return
		}
		state.Unwatch(parts[1])

	case "refresh":
		req := ControlRequest{Kind: "refresh"}
		if len(parts) > 1 {
			req.Blind = parts[1]
		}
		state.request(req)

	case "override":
		if len(parts) < 2 || parts[1] != "clear" {
			log.Println("Usage: override clear [blind]")
			return
		}
		req := ControlRequest{Kind: "clear_override"}
		if len(parts) > 2 {
			req.Blind = parts[2]
		}
		state.request(req)

	case "reload":
		state.request(ControlRequest{Kind: "reload"})

	case "help":
		fmt.Println("Commands:")
		fmt.Println("  list                 - List blinds with their window state")
		fmt.Println("  show <blind>         - Show every attribute of a blind")
		fmt.Println("  entities             - List Home Assistant entities seen so far")
		fmt.Println("  watch <blind>        - Print a row whenever the blind updates")
		fmt.Println("  watch --all          - Watch every blind")
		fmt.Println("  unwatch <blind>      - Stop watching a blind")
		fmt.Println("  unwatch --all        - Remove all watches")
		fmt.Println("  refresh [blind]      - Evaluate now (all blinds if none given)")
		fmt.Println("  override clear [blind] - End a manual-override hold (all blinds if none given)")
		fmt.Println("  reload               - Re-read the blinds config and restart controllers")
		fmt.Println("  help                 - Show this help")

	default:
		log.Printf("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for debug history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	blindctlCache := filepath.Join(cacheDir, "blindctl")
	_ = os.MkdirAll(blindctlCache, 0750)
	return filepath.Join(blindctlCache, "debug_history")
}

// debugWorker provides interactive introspection of blind statuses
func debugWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	statusChan <-chan BlindStatus,
	hub *StateHub,
	controlChan chan<- ControlRequest,
) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Debug worker: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil // Clear readline reference on exit
	}()

	// Redirect log output through readline-aware writer
	rlWriter.rl = rl
	log.SetOutput(rlWriter)

	log.Println("Debug worker started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	state := NewDebugState(hub, controlChan)
	state.rl = rl

	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case cmd := <-commandChan:
			handleDebugCommand(cmd, state)
		case status := <-statusChan:
			state.UpdateStatus(status)
		case <-ctx.Done():
			log.Println("Debug worker stopped")
			return
		}
	}
}
