package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
)

const prompt = "tally> "

// REPL is the interactive command loop over one session.
type REPL struct {
	session   *Session
	o         *IO
	factories map[string]func() *Command
	order     []string
	liner     *liner.State
}

// NewREPL builds a REPL over the session.
func NewREPL(session *Session, o *IO) *REPL {
	r := &REPL{
		session:   session,
		o:         o,
		factories: map[string]func() *Command{},
	}

	for _, factory := range CommandFactories() {
		name := factory().Name()
		r.factories[name] = factory
		r.order = append(r.order, name)
	}

	return r
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".tally_sim_history")
}

// Run starts the REPL loop, returning when the user exits.
func (r *REPL) Run(ctx context.Context) error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	r.o.Printf("tally-sim - cache synchronization sandbox (session %s)\n", r.session.ID)
	r.o.Println("Type 'help' for available commands.")
	r.o.Println()

	for {
		line, err := r.liner.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				r.o.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		name := strings.ToLower(parts[0])
		args := parts[1:]

		switch name {
		case "exit", "quit", "q":
			r.o.Println("Bye!")

			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		default:
			factory, ok := r.factories[name]
			if !ok {
				r.o.Printf("Unknown command: %s (type 'help' for commands)\n", name)
				continue
			}

			_ = factory().Run(ctx, r.session, r.o, args)
		}
	}

	r.saveHistory()

	return nil
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path)
	if err != nil {
		return
	}

	_, _ = r.liner.WriteHistory(f)
	_ = f.Close()
}

func (r *REPL) completer(line string) []string {
	var out []string

	for _, name := range r.order {
		if strings.HasPrefix(name, strings.ToLower(line)) {
			out = append(out, name)
		}
	}

	return out
}

func (r *REPL) printHelp() {
	r.o.Println("Commands:")

	for _, name := range r.order {
		r.o.Println(r.factories[name]().HelpLine())
	}

	r.o.Println("  help                               Show this help")
	r.o.Println("  exit / quit / q                    Exit")
	r.o.Println()
	r.o.Printf("Entity types: %s\n", strings.Join(EntityTypes, ", "))
}
