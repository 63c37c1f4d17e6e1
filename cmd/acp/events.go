package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/types/protocol"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the session's event log",
	Long: `Read events from the session log, optionally filtered by kind or
source. With --follow the command keeps tailing: on the filesystem
backend it wakes on file notifications, falling back to interval polling
when the watch cannot be established (and always on the SQLite backend).

Example:
  acp events --session $SESSION
  acp events --session $SESSION --follow --kind finding
  acp events --session $SESSION --from 4096 --json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		from, _ := cmd.Flags().GetInt64("from")
		follow, _ := cmd.Flags().GetBool("follow")
		interval, _ := cmd.Flags().GetDuration("interval")
		kind, _ := cmd.Flags().GetString("kind")
		source, _ := cmd.Flags().GetString("source")
		asJSON, _ := cmd.Flags().GetBool("json")

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		printEvents := func(events []protocol.Event) error {
			for _, ev := range events {
				if kind != "" && string(ev.Kind) != kind {
					continue
				}
				if source != "" && ev.Source != source {
					continue
				}
				if err := printEvent(ev, asJSON); err != nil {
					return err
				}
			}
			return nil
		}

		events, cursor, err := sess.TailEvents(ctx, from)
		if err != nil {
			return err
		}
		if err := printEvents(events); err != nil {
			return err
		}
		if !follow {
			return nil
		}

		wake := eventWakeups(ctx, store, sess.ID(), interval)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-wake:
			}

			events, cursor, err = sess.TailEvents(ctx, cursor)
			if err != nil {
				return err
			}
			if err := printEvents(events); err != nil {
				return err
			}
		}
	},
}

// eventWakeups returns a channel that fires whenever new events may be
// available. Filesystem stores get fsnotify wakeups on the log file;
// everything else, and watch setup failures, degrade to the poll interval.
func eventWakeups(ctx context.Context, store coordination.Store, sessionID string, interval time.Duration) <-chan struct{} {
	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	type eventLogPather interface {
		EventLogPath(sessionID string) string
	}
	if fsStore, ok := store.(eventLogPather); ok {
		if watcher, err := fsnotify.NewWatcher(); err == nil {
			// Watch the session directory: the log file may not exist yet,
			// and appends surface as writes within the directory.
			if err := watcher.Add(filepath.Dir(fsStore.EventLogPath(sessionID))); err == nil {
				go func() {
					defer watcher.Close()
					for {
						select {
						case <-ctx.Done():
							return
						case _, ok := <-watcher.Events:
							if !ok {
								return
							}
							notify()
						case err, ok := <-watcher.Errors:
							if !ok {
								return
							}
							logger.G(ctx).WithError(err).Debug("event log watch error")
						}
					}
				}()
			} else {
				watcher.Close()
				logger.G(ctx).WithError(err).Debug("falling back to polling for events")
			}
		}
	}

	// Polling keeps the tail moving even when notifications are missed.
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				notify()
			}
		}
	}()

	return wake
}

func printEvent(ev protocol.Event, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	line := fmt.Sprintf("%s  %-16s %-22s", ev.Timestamp.Format("15:04:05.000"), ev.Source, ev.Kind)
	if len(ev.Payload) > 0 {
		line += " " + string(ev.Payload)
	}
	fmt.Println(line)
	return nil
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().Int64("from", 0, "Cursor to resume from (0 reads the whole log)")
	eventsCmd.Flags().Bool("follow", false, "Keep tailing the log for new events")
	eventsCmd.Flags().Duration("interval", time.Second, "Polling interval used while following")
	eventsCmd.Flags().String("kind", "", "Only show events of this kind")
	eventsCmd.Flags().String("source", "", "Only show events from this worker")
	eventsCmd.Flags().Bool("json", false, "Print events as JSON lines")
}
