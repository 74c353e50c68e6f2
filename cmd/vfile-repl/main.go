package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/phroun/vfile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	configPath string
	scratchDir string
	verbose    bool
	readOnly   bool

	cfg    vfile.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vfile-repl [file]",
	Short: "Interactive shell over a block-paged virtual file",
	Long: `vfile-repl opens a file in a scratch-file backed document and accepts
line-oriented editing commands. Type 'help' at the prompt for the list.`,
	Args: cobra.MaximumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = vfile.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger, err = vfile.NewLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runREPL,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vfile.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVar(&scratchDir, "scratch-dir", "", "directory for scratch files")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVarP(&readOnly, "readonly", "R", false, "refuse to overwrite the file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// REPL holds the state of the interactive session
type REPL struct {
	lib         *vfile.Library
	reader      *bufio.Reader
	interactive bool
	ctx         context.Context
}

// doc returns the open document.
func (r *REPL) doc() *vfile.Document {
	return r.lib.Current()
}

// LinesChanged implements vfile.Display.
func (r *REPL) LinesChanged(first, last, delta int) {
	logger.Debug("lines changed", zap.Int("first", first), zap.Int("last", last), zap.Int("delta", delta))
}

// Redraw implements vfile.Display.
func (r *REPL) Redraw() {}

// Message implements vfile.Display.
func (r *REPL) Message(text string) {
	fmt.Println(text)
}

// Confirm implements vfile.Confirmer. Without a terminal every question is
// answered no.
func (r *REPL) Confirm(prompt string) bool {
	if !r.interactive {
		return false
	}
	fmt.Printf("%s [y/N] ", prompt)
	answer, err := r.reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func runREPL(cmd *cobra.Command, args []string) error {
	if scratchDir != "" {
		cfg.ScratchDir = scratchDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r := &REPL{
		reader:      bufio.NewReader(os.Stdin),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		ctx:         ctx,
	}
	lib, err := vfile.Init(vfile.LibraryOptions{
		Config:    &cfg,
		Logger:    logger,
		Display:   r,
		Confirmer: r,
	})
	if err != nil {
		return fmt.Errorf("initializing library: %w", err)
	}
	r.lib = lib
	defer lib.Close()

	opts := vfile.OpenOptions{ReadOnly: readOnly}
	if len(args) == 1 {
		opts.Path = args[0]
	}
	if _, err := lib.Open(ctx, opts); err != nil {
		return err
	}

	if r.interactive {
		fmt.Println("vfile REPL. Type 'help' for available commands, 'quit' to exit")
	}
	for {
		if r.interactive {
			fmt.Print("vfile> ")
		}
		input, err := r.reader.ReadString('\n')
		if err != nil {
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !r.handleCommand(input) {
			return nil
		}
	}
}

func (r *REPL) handleCommand(input string) bool {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(input, parts[0]))

	if r.doc() == nil {
		switch cmd {
		case "quit", "exit", "q", "q!":
			return false
		case "open", "e", "e!", "help", "preserved", "recover":
		default:
			fmt.Println("No document is open. Use 'open <path>'.")
			return true
		}
	}

	var err error
	switch cmd {
	case "help":
		r.printHelp()
	case "quit", "exit", "q":
		err = r.doc().Abandon(false)
		if err == nil {
			return false
		}
	case "q!":
		return false
	case "open", "e", "e!":
		err = r.cmdOpen(args, cmd == "e!")
	case "save", "w", "w!":
		err = r.cmdSave(args, cmd == "w!")
	case "wq":
		err = r.doc().SaveAndAbandon(r.ctx, "", false)
		if err == nil {
			return false
		}
	case "status":
		r.cmdStatus()
	case "stats":
		r.cmdStats()
	case "check":
		err = r.doc().CheckIntegrity(r.ctx)
		if err == nil {
			fmt.Println("ok")
		}
	case "compact":
		var n int
		n, err = r.doc().Compact(r.ctx)
		if err == nil {
			fmt.Printf("merged %d blocks\n", n)
		}
	case "seek":
		err = r.cmdSeek(args)
	case "print", "p":
		err = r.cmdPrint(args)
	case "insert", "i":
		err = r.cmdInsert(rest, false)
	case "append", "a":
		err = r.cmdInsert(rest, true)
	case "delete", "d":
		err = r.cmdDelete(args)
	case "replace":
		err = r.cmdReplace(args)
	case "undo", "u":
		err = r.doc().Undo(r.ctx)
	case "yank", "y":
		err = r.cmdYank(args)
	case "put":
		err = r.cmdPut(args)
	case "buffer":
		err = r.cmdBuffer(args)
	case "mark", "k":
		err = r.cmdMark(args)
	case "find", "/":
		err = r.cmdFind(rest, false)
	case "rfind", "?":
		err = r.cmdFind(rest, true)
	case "substitute", "s":
		err = r.cmdSubstitute(args)
	case "preserved":
		err = r.cmdPreserved()
	case "recover":
		err = r.cmdRecover(args)
	default:
		fmt.Printf("Unknown command: %s. Type 'help' for available commands.\n", cmd)
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		if d := r.doc(); d != nil {
			d.CancelChange()
		}
	}
	return true
}

func (r *REPL) printHelp() {
	help := `
Available Commands:
-------------------

FILES:
  open <path>             Edit another file (e! discards changes)
  save [path]             Write the document (w! forces)
  wq                      Write and quit
  quit                    Quit (q! discards changes)
  status                  Show document status
  preserved               List preserved scratch files
  recover <scratch>       Print the text of a preserved scratch file

MOVING:
  seek <line> [col]       Move the cursor
  mark <a-z> [line col]   Set a named mark, or show it
  find <text>             Search forward from the cursor
  rfind <text>            Search backward from the cursor

READING:
  print [first [last]]    Print lines (default: cursor line)

EDITING:
  insert <text>           Insert before the cursor (\n for newline)
  append <text>           Insert after the cursor line
  delete [count]          Delete lines starting at the cursor line
  replace <char>          Replace the character under the cursor
  substitute <old> <new>  Replace every occurrence
  undo                    Undo the last change (undo again to redo)

CUT BUFFERS:
  yank <buf> [count]      Copy lines into a buffer (A-Z appends)
  put <buf> [above]       Paste a buffer below (or above) the cursor line
  buffer <buf>            Show a buffer's text

INSPECTION:
  stats                   Show storage statistics
  check                   Verify the block chain and line index
  compact                 Merge small neighboring blocks

OTHER:
  help                    Show this help message
`
	fmt.Println(help)
}

func (r *REPL) cmdOpen(args []string, force bool) error {
	if len(args) != 1 {
		return errors.New("usage: open <path>")
	}
	_, err := r.lib.Open(r.ctx, vfile.OpenOptions{Path: args[0], Force: force})
	return err
}

func (r *REPL) cmdSave(args []string, force bool) error {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	return r.doc().Save(r.ctx, path, force)
}

func (r *REPL) cmdStatus() {
	d := r.doc()
	cur := d.Cursor()
	line, _ := d.Line(cur.Line())
	col := min(cur.Col(), len(line))
	fmt.Printf("%q", d.Name())
	if d.IsModified() {
		fmt.Print(" [Modified]")
	}
	if d.IsReadOnly() {
		fmt.Print(" [READONLY]")
	}
	fmt.Printf(" line %d of %d, column %d\n",
		cur.Line(), d.LineCount(), runewidth.StringWidth(line[:col])+1)
}

func (r *REPL) cmdStats() {
	s := r.doc().Stats()
	fmt.Printf("  Lines:      %d\n", s.Lines)
	fmt.Printf("  Blocks:     %d of %d\n", s.LogicalBlocks, s.MaxLogicalBlocks)
	fmt.Printf("  File:       %d blocks, %d free\n", s.FileBlocks, s.FreeBlocks)
	fmt.Printf("  Cache:      %d/%d resident, %d dirty\n", s.ResidentBlocks, s.CacheSlots, s.DirtyBlocks)
	fmt.Printf("  Hits:       %d, misses %d, evictions %d\n", s.Hits, s.Misses, s.Evictions)
	fmt.Printf("  Writes:     %d, errors %d, short reads %d\n", s.BlockWrites, s.WriteErrors, s.ShortReads)
	fmt.Printf("  Removed:    %d emptied, %d never written; %d unwritten\n", s.EmptiedBlocks, s.DiscardedBlocks, s.UnwrittenBlocks)
	fmt.Printf("  Scratch:    %d files\n", s.ScratchFiles)
}

func (r *REPL) cmdSeek(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: seek <line> [col]")
	}
	line, err := strconv.Atoi(args[0])
	if err != nil {
		return err
	}
	col := 0
	if len(args) > 1 {
		if col, err = strconv.Atoi(args[1]); err != nil {
			return err
		}
	}
	if err := r.doc().SetCursor(vfile.MarkAt(line, col)); err != nil {
		return err
	}
	r.cmdStatus()
	return nil
}

func (r *REPL) cmdPrint(args []string) error {
	d := r.doc()
	first := d.Cursor().Line()
	last := first
	var err error
	if len(args) > 0 {
		if first, err = strconv.Atoi(args[0]); err != nil {
			return err
		}
		last = first
	}
	if len(args) > 1 {
		if last, err = strconv.Atoi(args[1]); err != nil {
			return err
		}
	}
	lines, err := d.Lines(first, min(last, d.LineCount()))
	if err != nil {
		return err
	}
	for i, line := range lines {
		fmt.Printf("%6d  %s\n", first+i, line)
	}
	return nil
}

func unescape(text string) string {
	text = strings.ReplaceAll(text, "\\n", "\n")
	return strings.ReplaceAll(text, "\\t", "\t")
}

func (r *REPL) cmdInsert(text string, below bool) error {
	if text == "" {
		return errors.New("usage: insert <text>")
	}
	d := r.doc()
	at := d.Cursor()
	text = unescape(text)
	if below {
		at = vfile.LineMark(at.Line() + 1)
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
	}
	return d.Insert(r.ctx, at, text)
}

func (r *REPL) cmdDelete(args []string) error {
	d := r.doc()
	count := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return err
		}
		count = n
	}
	from := vfile.LineMark(d.Cursor().Line())
	to := vfile.LineMark(min(from.Line()+count, d.LineCount()+1))
	if err := d.Cut(r.ctx, 0, from, to); err != nil {
		return err
	}
	return d.Delete(r.ctx, from, to)
}

func (r *REPL) cmdReplace(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: replace <char>")
	}
	d := r.doc()
	at := d.Cursor()
	line, err := d.Line(at.Line())
	if err != nil {
		return err
	}
	if at.Col() >= len(line) {
		return fmt.Errorf("%w: no character under the cursor", vfile.ErrInvalidMark)
	}
	end := vfile.MarkAt(at.Line(), at.Col()+1)
	return d.Replace(r.ctx, at, end, args[0])
}

func bufferName(arg string) (rune, error) {
	if len([]rune(arg)) != 1 {
		return 0, fmt.Errorf("%w: %q", vfile.ErrInvalidBufferName, arg)
	}
	return []rune(arg)[0], nil
}

func (r *REPL) cmdYank(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: yank <buf> [count]")
	}
	name, err := bufferName(args[0])
	if err != nil {
		return err
	}
	count := 1
	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil {
			return err
		}
	}
	d := r.doc()
	from := vfile.LineMark(d.Cursor().Line())
	to := vfile.LineMark(min(from.Line()+count, d.LineCount()+1))
	return d.Cut(r.ctx, name, from, to)
}

func (r *REPL) cmdPut(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: put <buf> [above]")
	}
	name, err := bufferName(args[0])
	if err != nil {
		return err
	}
	after := len(args) < 2 || args[1] != "above"
	d := r.doc()
	at, err := d.Paste(r.ctx, name, d.Cursor(), after, false)
	if err != nil {
		return err
	}
	return d.SetCursor(at)
}

func (r *REPL) cmdBuffer(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: buffer <buf>")
	}
	name, err := bufferName(args[0])
	if err != nil {
		return err
	}
	text, err := r.doc().BufferText(name)
	if err != nil {
		return err
	}
	fmt.Print(text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Println()
	}
	return nil
}

func (r *REPL) cmdMark(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: mark <a-z> [line col]")
	}
	name, err := bufferName(args[0])
	if err != nil {
		return err
	}
	d := r.doc()
	if len(args) == 1 {
		m, err := d.MarkNamed(name)
		if err != nil {
			return err
		}
		fmt.Printf("mark %c at %v\n", name, m)
		return nil
	}
	m := d.Cursor()
	if len(args) >= 3 {
		line, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		col, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		m = vfile.MarkAt(line, col)
	}
	return d.SetMark(name, m)
}

func (r *REPL) cmdFind(text string, backward bool) error {
	if text == "" {
		return errors.New("usage: find <text>")
	}
	d := r.doc()
	res, err := d.FindString(d.Cursor(), text, vfile.SearchOptions{CaseSensitive: true, Backward: backward})
	if err != nil {
		return err
	}
	if err := d.SetCursor(res.Start); err != nil {
		return err
	}
	return r.cmdPrint(nil)
}

func (r *REPL) cmdSubstitute(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: substitute <old> <new>")
	}
	n, err := r.doc().ReplaceAll(r.ctx, unescape(args[0]), unescape(args[1]), vfile.SearchOptions{CaseSensitive: true})
	if err != nil {
		return err
	}
	fmt.Printf("%d substitutions\n", n)
	return nil
}

func (r *REPL) cmdPreserved() error {
	list, err := r.lib.ListPreserved(r.ctx)
	if err != nil {
		return err
	}
	for _, info := range list {
		fmt.Printf("%s  %-20s %s (%s)\n", info.Time.Format("2006-01-02 15:04"), info.Name, info.Scratch, info.Reason)
	}
	return nil
}

func (r *REPL) cmdRecover(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: recover <scratch>")
	}
	_, err := r.lib.Recover(r.ctx, args[0], os.Stdout)
	return err
}
