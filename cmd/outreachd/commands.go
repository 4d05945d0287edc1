package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"outreach/internal/app"
	"outreach/internal/platform"
	"outreach/internal/queue"
	"outreach/pkg/systemd"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(app.Options{ConfigPath: f.configPath})
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			_, _ = systemd.Ready()

			reason := app.StopUnknown
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			runErr := a.Err()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return errors.Join(runErr, err)
			}
			return runErr
		},
	}
}

func newTickCmd(f *rootFlags) *cobra.Command {
	var noPacing bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one dispatch tick and print its outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := f.oneShot(noPacing)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			if err := a.InitDrivers(ctx); err != nil {
				return err
			}
			out, err := a.RunTick(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&noPacing, "no-pacing", false, "skip typing delays between sends")
	return cmd
}

func newPollCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Poll every inbox once and advance conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := f.oneShot(true)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			if err := a.InitDrivers(ctx); err != nil {
				return err
			}
			outs, err := a.RunPoll(ctx)
			if perr := printJSON(cmd.OutOrStdout(), outs); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newEnqueueCmd(f *rootFlags) *cobra.Command {
	var (
		plat, kind, to, text, owner, campaign, at string
		approved, force                           bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add one outbound action to the queue",
		Example: `  outreachd enqueue --platform linkedin --to jane-doe --text "Hi Jane"
  outreachd enqueue --platform linkedin --kind connect --to jane-doe --at 2024-06-03T09:30:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := platform.Parse(plat)
			if err != nil {
				return err
			}
			k, err := platform.ParseKind(kind)
			if err != nil {
				return err
			}
			it := queue.Item{
				Platform:  p,
				Kind:      k,
				Recipient: to,
				Payload:   queue.Payload{Text: text},
				Owner:     owner,
				Campaign:  campaign,
			}
			if approved {
				it.Status = queue.StatusApproved
			}
			if at != "" {
				if it.ScheduledAt, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			a, err := f.oneShot(true)
			if err != nil {
				return err
			}
			defer a.Close()
			stored, err := a.Enqueue(cmd.Context(), it, force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stored)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&plat, "platform", "", "target platform (linkedin, instagram, x, telegram)")
	fl.StringVar(&kind, "kind", string(platform.KindMessage), "message or connect")
	fl.StringVar(&to, "to", "", "recipient handle or alias")
	fl.StringVar(&text, "text", "", "message text")
	fl.StringVar(&owner, "owner", "", "sending account label")
	fl.StringVar(&campaign, "campaign", "", "campaign label")
	fl.StringVar(&at, "at", "", "scheduled time (RFC 3339); default now")
	fl.BoolVar(&approved, "approved", false, "store as approved instead of ready")
	fl.BoolVar(&force, "force", false, "enqueue even outside the work window")
	_ = cmd.MarkFlagRequired("platform")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue counts and window state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := f.oneShot(true)
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
