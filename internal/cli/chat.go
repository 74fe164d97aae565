package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jasonkneen/claudesky/internal/daemon"
	"github.com/jasonkneen/claudesky/pkg/agent"
	"github.com/spf13/cobra"
)

var (
	chatModel   string
	chatResume  string
	chatVerbose bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the terminal",
	Long: `Start an interactive chat with the configured agent runtime.
The session starts with the first message. Ctrl-C interrupts the reply in
progress; /help lists the slash commands.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model or alias for this session (default from config)")
	chatCmd.Flags().StringVar(&chatResume, "resume", "", "resume a previous session id")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "show thinking, tool results and runtime diagnostics")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout belongs to the conversation
	cfg.Logging.Console = false

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.Options{ConfigPath: cfgFile, Version: version})
	if err != nil {
		return err
	}
	defer d.Close()

	opts := daemon.SessionDefaults(cfg)
	opts.Model = chatModel
	opts.Resume = chatResume

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	interrupts := make(chan struct{}, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-sigCh:
				select {
				case interrupts <- struct{}{}:
				default:
				}
			case <-done:
				return
			}
		}
	}()

	r := newREPL(d.GetController(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), chatVerbose)
	r.interrupts = interrupts
	return r.Run(commandContext(cmd))
}

// repl is a line-oriented chat over one controller. Each message waits for the
// end of its turn before the next prompt.
type repl struct {
	controller *agent.Controller
	options    agent.Options
	in         io.Reader
	printer    *eventPrinter
	interrupts <-chan struct{}
}

func newREPL(controller *agent.Controller, opts agent.Options, in io.Reader, out io.Writer, verbose bool) *repl {
	return &repl{
		controller: controller,
		options:    opts,
		in:         in,
		printer:    newEventPrinter(out, verbose),
	}
}

// Run reads lines until EOF or /quit, then stops the session.
func (r *repl) Run(ctx context.Context) error {
	defer r.shutdown()

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	r.printer.line("claudesky chat (/help for commands)")
	for {
		r.printer.prompt()
		if !scanner.Scan() {
			r.printer.line("")
			return scanner.Err()
		}
		r.printer.inputRead()

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printer.line("error: " + err.Error())
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.send(ctx, line); err != nil {
			r.printer.line("error: " + err.Error())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *repl) send(ctx context.Context, text string) error {
	if !r.controller.IsActive() {
		if _, err := r.controller.Start(ctx, r.options, r.printer.handle); err != nil {
			return err
		}
		// later sessions follow the controller's own resume bookkeeping
		r.options.Resume = ""
	}

	r.printer.resetTurn()
	done := r.controller.Done()
	if err := r.controller.SendText(ctx, text); err != nil {
		return err
	}
	return r.wait(ctx, done)
}

func (r *repl) wait(ctx context.Context, done <-chan struct{}) error {
	for {
		select {
		case <-r.printer.turns:
			return nil
		case <-done:
			r.printer.line("[session ended]")
			return nil
		case <-r.interrupts:
			if _, err := r.controller.Interrupt(ctx); err != nil {
				r.printer.line("error: " + err.Error())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func parseCommand(line string) (name, arg string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}
	name = strings.ToLower(fields[0])
	arg = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	return name, arg
}

func (r *repl) command(ctx context.Context, line string) (quit bool, err error) {
	name, arg := parseCommand(line)
	switch name {
	case "/help":
		r.printer.line("/interrupt       stop the reply in progress")
		r.printer.line("/model [name]    show or switch the model")
		r.printer.line("/status          show the session state")
		r.printer.line("/stop            end the session (the next message starts a new one)")
		r.printer.line("/quit            leave")

	case "/interrupt":
		interrupted, err := r.controller.Interrupt(ctx)
		if err != nil {
			return false, err
		}
		if !interrupted {
			r.printer.line("nothing to interrupt")
		}

	case "/model":
		if arg == "" {
			preference := r.controller.Snapshot().ModelPreference
			r.printer.line(fmt.Sprintf("model: %s (%s)", preference, r.controller.ResolveModel(preference)))
			return false, nil
		}
		if err := r.controller.SetModel(ctx, arg); err != nil {
			return false, err
		}
		r.printer.line(fmt.Sprintf("model: %s (%s)", arg, r.controller.ResolveModel(arg)))

	case "/status":
		state := r.controller.Snapshot()
		r.printer.line(fmt.Sprintf("phase: %s", state.Phase))
		if state.SessionID != "" {
			r.printer.line("session: " + state.SessionID)
		}
		r.printer.line("model: " + state.ModelPreference)

	case "/stop":
		if !r.controller.IsActive() {
			r.printer.line("no active session")
			return false, nil
		}
		if err := r.stop(ctx); err != nil {
			return false, err
		}
		r.printer.line("session stopped")

	case "/quit", "/exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *repl) stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return r.controller.Stop(ctx, agent.StopOptions{})
}

func (r *repl) shutdown() {
	if !r.controller.IsActive() {
		return
	}
	if err := r.stop(context.Background()); err != nil {
		r.printer.line("error: " + err.Error())
	}
}
