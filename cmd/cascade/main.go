package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cascade/internal/cascade"
	"cascade/internal/config"
	"cascade/internal/logging"
	"cascade/internal/perception"
	"cascade/internal/resource"
	"cascade/internal/retrieval"
	"cascade/internal/store"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "cascade",
	Short: "cascade - adaptive task execution engine",
	Long: `cascade turns a natural-language request into a validated, staged
execution plan and runs it.

A request flows through ambiguity analysis, clarification, constraint
extraction, feasibility validation, path selection, and planning before any
stage executes. Every session ends in exactly one terminal state with a
structured reason.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Submit a request and drive it to a terminal state",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRequest(cmd.Context(), strings.Join(args, " "))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's state and progress history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(args[0])
	},
}

var respondCmd = &cobra.Command{
	Use:   "respond <session-id> <choice>",
	Short: "Answer a session's pending clarification question",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respond(cmd.Context(), args[0], args[1])
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listSessions()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(runCmd, statusCmd, respondCmd, sessionsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// engine bundles everything a command needs to drive sessions.
type engine struct {
	cfg          *config.Config
	store        *store.SessionStore
	orchestrator *cascade.Orchestrator
}

func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Initialize(logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Directory: cfg.Logging.Directory,
	}); err != nil {
		return nil, err
	}

	st, err := store.NewSessionStore(cfg.Store.DatabasePath)
	if err != nil {
		return nil, err
	}

	invoker, err := perception.NewInvoker(ctx, cfg.LLM)
	if err != nil {
		st.Close()
		return nil, err
	}

	var retriever retrieval.Retriever
	if idx, err := retrieval.NewKeywordIndex(cfg.Retrieval); err != nil {
		logging.RetrievalWarn("retrieval disabled: %v", err)
	} else {
		retriever = idx
	}

	vocab := cascade.NewVocabulary()
	if cfg.Vocabulary.Path != "" {
		if err := vocab.LoadFile(cfg.Vocabulary.Path); err != nil {
			st.Close()
			return nil, err
		}
		if cfg.Vocabulary.HotReload {
			if err := vocab.Watch(ctx, cfg.Vocabulary.Path); err != nil {
				st.Close()
				return nil, err
			}
		}
	}

	monitor := resource.NewRuntimeMonitor(0)
	orch := cascade.NewOrchestrator(cfg, st, invoker, retriever, monitor, vocab)
	return &engine{cfg: cfg, store: st, orchestrator: orch}, nil
}

func (e *engine) close() {
	e.store.Close()
	logging.Sync()
}

// runRequest submits the request and interacts through any clarification
// questions until the session reaches a terminal state.
func runRequest(ctx context.Context, text string) error {
	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	go streamEvents(e.orchestrator.Events())

	s, err := e.orchestrator.Submit(ctx, cascade.Request{Text: text})
	for errors.Is(err, cascade.ErrAwaitingAnswer) {
		s, err = answerQuestion(ctx, e, s)
	}
	if err != nil {
		return err
	}

	printOutcome(s)
	return nil
}

// answerQuestion prompts the user for the pending question; no answer
// within the configured timeout triggers the fallback rule.
func answerQuestion(ctx context.Context, e *engine, s *cascade.Session) (*cascade.Session, error) {
	q := s.PendingQuestion
	fmt.Printf("\nWhat do you mean by %q?\n", q.Term)
	for i, c := range q.Candidates {
		fmt.Printf("  %d. %s\n", i+1, c.Value)
	}
	fmt.Printf("Choice (1-%d, free text, or enter to skip): ", len(q.Candidates))

	answers := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		answers <- strings.TrimSpace(line)
	}()

	select {
	case choice := <-answers:
		return e.orchestrator.Respond(ctx, s.ID, choice)
	case <-time.After(e.cfg.Engine.QuestionTimeout.Std()):
		fmt.Println("\n(no answer, applying fallback)")
		return e.orchestrator.ExpireQuestion(ctx, s.ID)
	case <-ctx.Done():
		return s, ctx.Err()
	}
}

func streamEvents(events <-chan cascade.Event) {
	for ev := range events {
		fmt.Printf("[%s] %s: %s\n", ev.At.Format("15:04:05"), ev.State, ev.Detail)
	}
}

func printOutcome(s *cascade.Session) {
	fmt.Printf("\nSession %s finished: %s\n", s.ID, s.State)
	if s.Reason != nil {
		fmt.Printf("  %s\n", s.Reason.Summary)
		for _, c := range s.Reason.BlockingConstraints {
			fmt.Printf("  blocked by: %s\n", c)
		}
		for _, term := range s.Reason.UnresolvedAmbiguities {
			fmt.Printf("  unresolved: %q\n", term)
		}
	}
	if s.State == cascade.StateCompleted {
		for _, st := range s.Stages {
			fmt.Printf("\n--- %s: %s ---\n%s\n", st.ID, st.Description, st.Output)
		}
	}
}

func showStatus(sessionID string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := store.NewSessionStore(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.LoadSession(sessionID)
	if err != nil {
		return err
	}
	fmt.Printf("Session %s\n  state: %s\n  updated: %s\n",
		rec.ID, rec.State, rec.UpdatedAt.Format(time.RFC3339))
	if rec.TerminalReason != "" {
		fmt.Printf("  outcome: %s\n", rec.TerminalReason)
	}

	history, err := st.LoadHistory(sessionID)
	if err != nil {
		return err
	}
	for _, snap := range history {
		fmt.Printf("  #%d %s %s\n", snap.Seq, snap.TakenAt.Format(time.RFC3339), snap.Payload)
	}
	return nil
}

func respond(ctx context.Context, sessionID, choice string) error {
	e, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	go streamEvents(e.orchestrator.Events())

	s, err := e.orchestrator.Respond(ctx, sessionID, choice)
	if errors.Is(err, cascade.ErrAwaitingAnswer) {
		q := s.PendingQuestion
		fmt.Printf("Next question: what do you mean by %q?\n", q.Term)
		for i, c := range q.Candidates {
			fmt.Printf("  %d. %s\n", i+1, c.Value)
		}
		fmt.Printf("Answer with: cascade respond %s <choice>\n", s.ID)
		return nil
	}
	if err != nil {
		return err
	}
	printOutcome(s)
	return nil
}

func listSessions() error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	st, err := store.NewSessionStore(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	recs, err := st.ListSessions(20)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  %-16s  %s\n", rec.ID, rec.State, rec.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
