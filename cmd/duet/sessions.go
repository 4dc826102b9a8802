package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

var (
	startMode   string
	startOpener string
	startLang   string
	startNow    bool

	saySignal string
	sayNow    bool

	advanceNow bool
)

var startCmd = &cobra.Command{
	Use:   "start <topic>",
	Short: "Start a debate or planning session",
	Long: `Start creates the session and its opening human message, then asks the
running server to take the first turn. With --now the first step runs in this
process instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := domain.ParseMode(startMode)
		if err != nil {
			return err
		}
		e, err := openEngine(false)
		if err != nil {
			return err
		}
		defer e.Close()
		ctx := cmd.Context()

		conv, err := e.svc.StartSession(ctx, app.StartOptions{
			Mode:     mode,
			Topic:    strings.Join(args, " "),
			Opener:   startOpener,
			Language: domain.ParseLanguage(startLang),
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Started %s session %s\n", conv.Session.Mode, conv.Session.ID)

		how, err := requestStep(ctx, e, domain.TriggerStart, conv.Session.ID, startNow)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, how)
		return nil
	},
}

var sayCmd = &cobra.Command{
	Use:   "say <session-id> <message>",
	Short: "Add a human message to a session",
	Long: `Say appends a human message. Mention Agent A or Agent B to address one of
them. --signal stop ends the session; --signal handover passes the floor
without asking for a reply.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sig, err := domain.ParseSignal(saySignal)
		if err != nil {
			return err
		}
		e, err := openEngine(false)
		if err != nil {
			return err
		}
		defer e.Close()
		ctx := cmd.Context()
		id := args[0]
		out := cmd.OutOrStdout()

		human, reply, err := e.coordinator.Inject(ctx, id, strings.Join(args[1:], " "), sig)
		if err != nil && human == nil {
			return err
		}
		if err != nil {
			fmt.Fprintf(out, "Message stored; the immediate turn failed: %v\n", err)
		}
		fmt.Fprint(out, renderMessage(*human))
		if reply != nil {
			fmt.Fprint(out, renderMessage(*reply))
		}
		if !e.coordinator.NeedsFollowUp(human, reply) {
			return nil
		}
		how, err := requestStep(ctx, e, domain.TriggerAdvance, id, sayNow)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, how)
		return nil
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <session-id>",
	Short: "Request the next step of a session",
	Long: `Advance asks for one debate turn, or for planning nodes to run until the
next checkpoint. Without --now the request goes to the running server and
duplicates are coalesced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(false)
		if err != nil {
			return err
		}
		defer e.Close()
		if _, err := e.svc.LastMessage(cmd.Context(), args[0]); err != nil {
			return err
		}
		how, err := requestStep(cmd.Context(), e, domain.TriggerAdvance, args[0], advanceNow)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), how)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <session-id>",
	Short: "Drive a session in this process until it needs a human",
	Long: `Run takes debate turns until an agent hands over or stops, or runs
planning nodes until the next checkpoint, printing each new message. Ctrl-C
stops between turns.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(false)
		if err != nil {
			return err
		}
		defer e.Close()
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		id := args[0]

		last, err := e.svc.LastMessage(ctx, id)
		if err != nil {
			return err
		}
		var mode domain.Mode
		if err := e.svc.Query(ctx, id, func(conv *domain.Conversation) error {
			mode = conv.Session.Mode
			return nil
		}); err != nil {
			return err
		}

		if mode == domain.ModeDebate {
			err = e.coordinator.RunAutonomous(ctx, id)
		} else {
			outcome := e.inlineIngestor().Handle(ctx, newTrigger(domain.TriggerAdvance, id))
			if outcome == app.OutcomeFailed {
				err = errors.New("planning step failed; see the transcript for the error acknowledgment")
			}
		}
		if printErr := printSince(ctx, cmd, e, id, last.ID); printErr != nil {
			return printErr
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Stop automatic turns until resumed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			if err := e.svc.Pause(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Paused %s\n", args[0])
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(e *engine) error {
			if err := e.svc.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	startCmd.Flags().StringVar(&startMode, "mode", "debate", "session mode (debate or planning)")
	startCmd.Flags().StringVar(&startOpener, "opener", "", "first human message (default: the topic)")
	startCmd.Flags().StringVar(&startLang, "lang", "english", "response language for planning (english or vietnamese)")
	startCmd.Flags().BoolVar(&startNow, "now", false, "run the first step in this process")

	sayCmd.Flags().StringVar(&saySignal, "signal", "continue", "signal to attach (continue, handover, stop)")
	sayCmd.Flags().BoolVar(&sayNow, "now", false, "run the follow-up step in this process")

	advanceCmd.Flags().BoolVar(&advanceNow, "now", false, "run the step in this process")
}

func withEngine(fn func(*engine) error) error {
	e, err := openEngine(false)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

// requestStep hands a trigger to whoever consumes them. With now it runs in
// this process. Otherwise a shared queue gets it directly and the in-process
// backend of a running server gets it through a signal file.
func requestStep(ctx context.Context, e *engine, kind domain.TriggerKind, sessionID string, now bool) (string, error) {
	q, err := e.attachSharedQueue(ctx)
	if err != nil {
		return "", err
	}
	if now {
		outcome := e.inlineIngestor().Handle(ctx, newTrigger(kind, sessionID))
		return "Step " + outcome, nil
	}
	if q != nil {
		queued, err := e.svc.Enqueue(ctx, kind, sessionID)
		if err != nil {
			return "", err
		}
		if !queued {
			return "Already pending", nil
		}
		return "Queued", nil
	}
	if err := app.DropSignal(e.policy.SignalDir(), kind, sessionID, ""); err != nil {
		return "", err
	}
	return "Requested (a running `duet serve` picks it up)", nil
}

func newTrigger(kind domain.TriggerKind, sessionID string) domain.Trigger {
	return domain.Trigger{
		ID:         uuid.NewString(),
		Kind:       kind,
		SessionID:  sessionID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// printSince prints the messages appended after message afterID.
func printSince(ctx context.Context, cmd *cobra.Command, e *engine, id string, afterID int64) error {
	msgs, err := e.svc.Transcript(context.WithoutCancel(ctx), id, 0)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, m := range msgs {
		if m.ID > afterID {
			fmt.Fprint(out, renderMessage(m))
		}
	}
	return nil
}
