package sim

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/tallyapp/tally/pkg/syncstore"
)

// CommandFactories builds the simulator command set. Factories return fresh
// commands so pflag state never leaks between REPL invocations.
func CommandFactories() []func() *Command {
	return []func() *Command{
		newLsCommand,
		newShowCommand,
		newCreateCommand,
		newEditCommand,
		newRmCommand,
		newSearchCommand,
		newPushCommand,
		newBulkCommand,
		newStoresCommand,
		newReportCommand,
		newLatencyCommand,
	}
}

func newLsCommand() *Command {
	flags := flag.NewFlagSet("ls", flag.ContinueOnError)
	filters := flags.StringSlice("filter", nil, "filter key=value (repeatable)")
	sortField := flags.String("sort", "", "sort field")
	desc := flags.Bool("desc", false, "sort descending")

	return &Command{
		Flags: flags,
		Usage: "ls <type> [flags]",
		Short: "List entities through a paged store",
		Long: "Opens (or reuses) the store for the given query and fetches its next\n" +
			"page. Repeating the same query scrolls further; a different filter or\n" +
			"sort opens a separate store.",
		Exec: func(ctx context.Context, s *Session, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: ls takes exactly one entity type", ErrUsage)
			}

			filterMap := map[string]string{}

			for _, f := range *filters {
				k, v, ok := strings.Cut(f, "=")
				if !ok || k == "" {
					return fmt.Errorf("%w: bad filter %q", ErrUsage, f)
				}

				filterMap[k] = v
			}

			snap, err := s.List(ctx, args[0], filterMap, syncstore.SortSpec{Field: *sortField, Desc: *desc})
			if err != nil {
				return err
			}

			printSnapshot(o, snap)

			return nil
		},
	}
}

func newShowCommand() *Command {
	return &Command{
		Usage: "show <type> <id>",
		Short: "Show one entity through the detail cache",
		Exec: func(ctx context.Context, s *Session, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: show takes a type and an id", ErrUsage)
			}

			rec, err := s.Detail(ctx, args[0], syncstore.ID(args[1]))
			if err != nil {
				return err
			}

			printRecord(o, rec)

			return nil
		},
	}
}

func newCreateCommand() *Command {
	return &Command{
		Usage: "create <type> k=v...",
		Short: "Create an entity optimistically",
		Long: "Applies the new record to every matching store immediately, then\n" +
			"commits it; the temporary id is swapped for the server's id on commit.",
		Exec: func(ctx context.Context, s *Session, o *IO, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("%w: create takes a type and at least one field", ErrUsage)
			}

			fields, err := ParseFields(args[1:])
			if err != nil {
				return err
			}

			rec, err := s.CreateEntity(ctx, args[0], fields)
			if err != nil {
				return err
			}

			o.Println("created", args[0], string(rec.ID()))

			return nil
		},
	}
}

func newEditCommand() *Command {
	return &Command{
		Usage: "edit <type> <id> k=v...",
		Short: "Update fields optimistically",
		Long: "Patches every open store and the detail cache before the write\n" +
			"resolves. A rejected write rolls every cache back; try 'fail write'\n" +
			"via the backend knobs to see it.",
		Exec: func(ctx context.Context, s *Session, o *IO, args []string) error {
			if len(args) < 3 {
				return fmt.Errorf("%w: edit takes a type, an id and at least one field", ErrUsage)
			}

			fields, err := ParseFields(args[2:])
			if err != nil {
				return err
			}

			result, err := s.EditEntity(ctx, args[0], syncstore.ID(args[1]), fields)
			if err != nil {
				return fmt.Errorf("%w (caches rolled back)", err)
			}

			o.Println("committed", result.MutationID)

			return nil
		},
	}
}

func newRmCommand() *Command {
	return &Command{
		Usage: "rm <type> <id>",
		Short: "Delete an entity optimistically",
		Exec: func(ctx context.Context, s *Session, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: rm takes a type and an id", ErrUsage)
			}

			_, err := s.RemoveEntity(ctx, args[0], syncstore.ID(args[1]))
			if err != nil {
				return fmt.Errorf("%w (caches rolled back)", err)
			}

			o.Println("deleted", args[0], args[1])

			return nil
		},
	}
}

func newSearchCommand() *Command {
	return &Command{
		Usage: "search <type> <query...>",
		Short: "Search entities through the search mirror",
		Long: "Ranked results come from the backend; local writes re-evaluate\n" +
			"membership client-side, so a renamed entity appears or disappears\n" +
			"without a new round-trip.",
		Exec: func(ctx context.Context, s *Session, o *IO, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("%w: search takes a type and query terms", ErrUsage)
			}

			snap, err := s.Search(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}

			printSnapshot(o, snap)

			return nil
		},
	}
}

func newPushCommand() *Command {
	return &Command{
		Usage: "push <type> <id|new> k=v...",
		Short: "Write as another session; open views update via realtime",
		Long: "Bypasses the optimistic path and writes straight to the backend.\n" +
			"The realtime echo patches every open view, which is how other users'\n" +
			"edits reach this session. Use 'new' as the id to create.",
		Exec: func(ctx context.Context, s *Session, o *IO, args []string) error {
			if len(args) < 3 {
				return fmt.Errorf("%w: push takes a type, an id (or 'new') and fields", ErrUsage)
			}

			id := syncstore.ID(args[1])
			if args[1] == "new" {
				id = ""
			}

			fields, err := ParseFields(args[2:])
			if err != nil {
				return err
			}

			rec, err := s.Push(ctx, args[0], id, fields)
			if err != nil {
				return err
			}

			o.Println("pushed", args[0], string(rec.ID()))

			return nil
		},
	}
}

func newBulkCommand() *Command {
	return &Command{
		Usage: "bulk <type> <count>",
		Short: "Batch a burst of updates through the coalescing batcher",
		Exec: func(ctx context.Context, s *Session, o *IO, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: bulk takes a type and a count", ErrUsage)
			}

			count, err := strconv.Atoi(args[1])
			if err != nil || count <= 0 {
				return fmt.Errorf("%w: count must be a positive integer", ErrUsage)
			}

			touched, err := s.Bulk(ctx, args[0], count)
			if err != nil {
				return err
			}

			o.Printf("coalesced %d updates into %d entity patches\n", count, touched)

			return nil
		},
	}
}

func newStoresCommand() *Command {
	return &Command{
		Usage: "stores",
		Short: "List every registered store with its version and counts",
		Exec: func(_ context.Context, s *Session, o *IO, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("%w: stores takes no arguments", ErrUsage)
			}

			summaries := s.StoreSummaries()
			if len(summaries) == 0 {
				o.Println("no stores registered; run 'ls' first")
				return nil
			}

			for _, line := range summaries {
				o.Println(line)
			}

			return nil
		},
	}
}

func newReportCommand() *Command {
	return &Command{
		Usage: "report [path]",
		Short: "Dump every store to a JSON report (atomic write)",
		Exec: func(_ context.Context, s *Session, o *IO, args []string) error {
			path := s.cfg.ReportPathAbs
			if len(args) == 1 {
				path = args[0]
			} else if len(args) > 1 {
				return fmt.Errorf("%w: report takes at most one path", ErrUsage)
			}

			err := s.WriteReport(path)
			if err != nil {
				return err
			}

			o.Println("wrote", path)

			return nil
		},
	}
}

func newLatencyCommand() *Command {
	return &Command{
		Usage: "latency <ms>",
		Short: "Set artificial backend latency",
		Exec: func(_ context.Context, s *Session, o *IO, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: latency takes a millisecond value", ErrUsage)
			}

			ms, err := strconv.Atoi(args[0])
			if err != nil || ms < 0 {
				return fmt.Errorf("%w: latency must be a non-negative integer", ErrUsage)
			}

			s.mem.SetLatency(time.Duration(ms) * time.Millisecond)
			o.Printf("backend latency set to %dms\n", ms)

			return nil
		},
	}
}

// printSnapshot renders a store snapshot as an id-first table.
func printSnapshot(o *IO, snap syncstore.Snapshot) {
	if len(snap.Items) == 0 {
		o.Println("(empty)")
		return
	}

	for _, rec := range snap.Items {
		o.Printf("%-6s %s\n", string(rec.ID()), summarize(rec))
	}

	o.Printf("%d of %d loaded", len(snap.Items), snap.TotalCount)

	if snap.HasMore {
		o.Printf("; repeat to fetch more")
	}

	o.Println()
}

// printRecord renders one record with sorted field names.
func printRecord(o *IO, rec syncstore.Record) {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		o.Printf("%-12s %v\n", k, rec[k])
	}
}

func summarize(rec syncstore.Record) string {
	keys := make([]string, 0, len(rec))

	for k := range rec {
		if k == syncstore.FieldID {
			continue
		}

		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, rec[k]))
	}

	return strings.Join(parts, " ")
}
