package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runpad/runpad/internal/config"
	"github.com/runpad/runpad/internal/run"
	"github.com/runpad/runpad/internal/storage/sqlite"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console against the local script store",
	Long: `Open an interactive console to manage and run stored scripts without
the web server. Output streams to the terminal; Ctrl-C aborts a running
script.

Examples:
  runpad console`,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	svc, err := buildRunService(cfg, store, zap.NewNop())
	if err != nil {
		return err
	}

	rl, err := readline.New("runpad> ")
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("runpad console. Type 'help' for commands, 'quit' to exit.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return nil
		case "help":
			fmt.Println("  list                  stored scripts")
			fmt.Println("  add <path> [name]     upload a local file")
			fmt.Println("  run <name> [seconds]  execute a script (Ctrl-C aborts)")
			fmt.Println("  delete <name>         remove a script")
			fmt.Println("  quit                  exit")
		case "list":
			consoleList(store)
		case "add":
			consoleAdd(store, fields[1:])
		case "run":
			consoleRun(svc, fields[1:])
		case "delete":
			consoleDelete(store, fields[1:])
		default:
			fmt.Printf("unknown command %q, try 'help'\n", fields[0])
		}
	}
}

func consoleList(store *sqlite.SQLiteStore) {
	scripts, err := store.List(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	if len(scripts) == 0 {
		fmt.Println("no scripts stored")
		return
	}
	for _, sc := range scripts {
		fmt.Printf("  %-40s %6d bytes  %s\n", sc.Name, sc.Size, sc.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func consoleAdd(store *sqlite.SQLiteStore, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: add <path> [name]")
		return
	}
	content, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	name := filepath.Base(args[0])
	if len(args) > 1 {
		name = args[1]
	}
	if err := store.Save(context.Background(), name, content); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Printf("stored %s (%d bytes)\n", name, len(content))
}

func consoleDelete(store *sqlite.SQLiteStore, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: delete <name>")
		return
	}
	if err := store.Delete(context.Background(), args[0]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return
	}
	fmt.Println("deleted", args[0])
}

func consoleRun(svc *run.Service, args []string) {
	if len(args) == 0 {
		fmt.Println("usage: run <name> [timeout seconds]")
		return
	}

	req := run.SubmitRequest{FileName: args[0]}
	if len(args) > 1 {
		seconds, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: timeout must be a number")
			return
		}
		req.TimeoutSeconds = seconds
	}

	// Subscribe at submission so the full sequence, start included,
	// reaches the terminal.
	runID, sub, err := svc.SubmitWatch(context.Background(), req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "rejected:", err)
		return
	}
	defer sub.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			printEvent(ev)
			if ev.Terminal() {
				return
			}
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\naborting run...")
			svc.Abort(runID)
		}
	}
}

func printEvent(ev run.Event) {
	switch ev.Type {
	case run.TypeStart:
		fmt.Printf("--- %s started ---\n", ev.FileName)
	case run.TypeStdout:
		fmt.Print(ev.Chunk)
	case run.TypeStderr:
		fmt.Fprint(os.Stderr, ev.Chunk)
	case run.TypeExit:
		switch {
		case ev.Signal != nil:
			fmt.Printf("--- killed (%s) ---\n", *ev.Signal)
		case ev.ExitCode != nil:
			fmt.Printf("--- exited with code %d ---\n", *ev.ExitCode)
		default:
			fmt.Println("--- exited ---")
		}
	case run.TypeError:
		fmt.Fprintf(os.Stderr, "--- error: %s ---\n", ev.Message)
	}
}
