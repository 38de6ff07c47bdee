package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/quanta/habitsync/internal/client/connectivity"
	"github.com/quanta/habitsync/internal/client/credentials"
	"github.com/quanta/habitsync/internal/client/queue"
	"github.com/quanta/habitsync/internal/client/store"
	"github.com/quanta/habitsync/internal/milestone"
	"github.com/quanta/habitsync/internal/models"
)

type appFunc func() *app

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func loginCmd(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "login <name>",
		Short: "Register an account and store its token in the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			userID, token, err := a.remote.Register(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			if err := a.keyring.Save(credentials.Session{UserID: userID, Token: token}); err != nil {
				return err
			}
			fmt.Printf("Signed in as %s (%s)\n", args[0], userID)
			return nil
		},
	}
}

func logoutCmd(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session and wipe local data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.svc.Logout(cmd.Context()); err != nil {
				return err
			}
			return a.keyring.Clear()
		},
	}
}

func habitCmd(get appFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "habit", Short: "Manage habits"}

	var cadence string
	var difficulty int
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a habit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			e, err := models.NewEntity(models.KindHabit, a.svc.OwnerID(), models.Habit{
				Title:           strings.Join(args, " "),
				Cadence:         cadence,
				DifficultyLevel: difficulty,
				IsActive:        true,
			})
			if err != nil {
				return err
			}
			saved, err := a.svc.Save(cmd.Context(), e)
			if err != nil {
				return err
			}
			fmt.Println(saved.ID)
			return nil
		},
	}
	add.Flags().StringVar(&cadence, "cadence", "daily", "daily, weekdays or weekly")
	add.Flags().IntVar(&difficulty, "difficulty", 1, "difficulty level")

	list := &cobra.Command{
		Use:   "list",
		Short: "List habits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			habits, err := a.svc.Habits(cmd.Context())
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "ID\tTITLE\tCADENCE\tSYNCED")
			for _, e := range habits {
				var h models.Habit
				if err := e.Decode(&h); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", e.ID, h.Title, h.Cadence, e.Synced)
			}
			return w.Flush()
		},
	}

	show := &cobra.Command{
		Use:   "show <habit-id>",
		Short: "Show one habit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			e, err := a.svc.Habit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			var h models.Habit
			if err := e.Decode(&h); err != nil {
				return err
			}
			fmt.Printf("ID: %s\nTitle: %s\nCadence: %s\nDifficulty: %d\nActive: %t\nSynced: %t\n",
				e.ID, h.Title, h.Cadence, h.DifficultyLevel, h.IsActive, e.Synced)
			return nil
		},
	}

	var (
		date  string
		value int
		note  string
	)
	done := &cobra.Command{
		Use:   "done <habit-id>",
		Short: "Record a completion and show crossed milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			day := time.Now()
			if date != "" {
				var err error
				if day, err = time.ParseInLocation(models.DateLayout, date, time.Local); err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
			}
			res, err := a.svc.CompleteHabit(cmd.Context(), args[0], day, value, note)
			if err != nil {
				return err
			}
			fmt.Printf("Streak: %d day(s)\n", res.Streak)
			if res.First {
				fmt.Println("First completion!")
			}
			for _, m := range res.Milestones {
				fmt.Printf("%s %s\n", m.Title, m.Message)
			}
			if res.Insurance != nil {
				fmt.Printf("%s %s\n", res.Insurance.Title, res.Insurance.Message)
			}
			return nil
		},
	}
	done.Flags().StringVar(&date, "date", "", "completion date (YYYY-MM-DD), today by default")
	done.Flags().IntVar(&value, "value", 1, "completion value")
	done.Flags().StringVar(&note, "note", "", "optional note")

	rm := &cobra.Command{
		Use:   "rm <habit-id>",
		Short: "Delete a habit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			return a.svc.Delete(cmd.Context(), models.KindHabit, args[0])
		},
	}

	cmd.AddCommand(add, list, show, done, rm)
	return cmd
}

func moodCmd(get appFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "mood", Short: "Log and review moods"}

	var note string
	logMood := &cobra.Command{
		Use:   "log <score>",
		Short: "Log today's mood (1-5)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			score, err := strconv.Atoi(args[0])
			if err != nil || score < 1 || score > 5 {
				return fmt.Errorf("score must be between 1 and 5, got %q", args[0])
			}
			e, err := models.NewEntity(models.KindMood, a.svc.OwnerID(), models.Mood{
				Date:  time.Now().Format(models.DateLayout),
				Score: score,
				Note:  note,
			})
			if err != nil {
				return err
			}
			_, err = a.svc.Save(cmd.Context(), e)
			return err
		},
	}
	logMood.Flags().StringVar(&note, "note", "", "optional note")

	var days int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show recent moods",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			moods, err := a.svc.Moods(cmd.Context(), days)
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "DATE\tSCORE\tNOTE")
			for _, e := range moods {
				var m models.Mood
				if err := e.Decode(&m); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", m.Date, m.Score, m.Note)
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&days, "days", 7, "number of days to show")

	cmd.AddCommand(logMood, list)
	return cmd
}

func missionCmd(get appFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "mission", Short: "Set or show the current mission"}

	var weakness string
	set := &cobra.Command{
		Use:   "set <skill>",
		Short: "Record a new mission",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			e, err := models.NewEntity(models.KindMission, a.svc.OwnerID(), models.Mission{
				Skill: strings.Join(args, " "), Weakness: weakness,
			})
			if err != nil {
				return err
			}
			_, err = a.svc.Save(cmd.Context(), e)
			return err
		},
	}
	set.Flags().StringVar(&weakness, "weakness", "", "weakness to work on")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the latest mission",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			e, err := a.svc.Mission(cmd.Context())
			if err != nil {
				return err
			}
			var m models.Mission
			if err := e.Decode(&m); err != nil {
				return err
			}
			fmt.Printf("Skill: %s\nWeakness: %s\n", m.Skill, m.Weakness)
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}

func visionCmd(get appFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "vision", Short: "Set or show the vision board"}

	var tags []string
	set := &cobra.Command{
		Use:   "set <summary>",
		Short: "Record a new vision",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			e, err := models.NewEntity(models.KindVision, a.svc.OwnerID(), models.Vision{
				Summary: strings.Join(args, " "), Tags: tags,
			})
			if err != nil {
				return err
			}
			_, err = a.svc.Save(cmd.Context(), e)
			return err
		},
	}
	set.Flags().StringSliceVar(&tags, "tag", nil, "vision tags")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the latest vision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			e, err := a.svc.Vision(cmd.Context())
			if err != nil {
				return err
			}
			var v models.Vision
			if err := e.Decode(&v); err != nil {
				return err
			}
			fmt.Printf("%s\nTags: %s\n", v.Summary, strings.Join(v.Tags, ", "))
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}

func badgesCmd(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "badges",
		Short: "List earned badges",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if err := a.requireSession(); err != nil {
				return err
			}
			badges, err := a.svc.Badges(cmd.Context())
			if err != nil {
				return err
			}
			w := table()
			fmt.Fprintln(w, "TYPE\tAWARDED")
			for _, e := range badges {
				var b models.Badge
				if err := e.Decode(&b); err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\n", b.Type, b.AwardedAt.Local().Format(time.DateOnly))
			}
			return w.Flush()
		},
	}
}

func syncCmd(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push queued changes to the API now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			if !a.monitor.Online() {
				return fmt.Errorf("api %s is unreachable, changes stay queued", a.cfg.APIURL)
			}
			r, err := a.engine.Drain(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("attempted %d, succeeded %d, failed %d, deferred %d, dead-lettered %d\n",
				r.Attempted, r.Succeeded, r.Failed, r.Deferred, r.DeadLettered)
			return nil
		},
	}
}

func statusCmd(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := get().svc.Status(cmd.Context())
			if err != nil {
				return err
			}
			state := "offline"
			if st.Online {
				state = "online"
			}
			fmt.Printf("API: %s\nQueued: %d\nDead letters: %d\nUnsynced entities: %d\n",
				state, st.Pending, st.DeadLetters, st.Unsynced)
			return nil
		},
	}
}

func queueCmd(get appFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Inspect queued mutations"}

	printQueue := func(entries []models.Mutation) error {
		w := table()
		fmt.Fprintln(w, "SEQ\tOP\tENTITY\tRETRIES\tLAST ERROR")
		for _, m := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", m.Seq, m.Op, m.Key(), m.RetryCount, m.LastError)
		}
		return w.Flush()
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List pending mutations in replay order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := get().queue.PeekAll(cmd.Context())
			if err != nil {
				return err
			}
			return printQueue(entries)
		},
	}
	dead := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered mutations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := get().queue.DeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			return printQueue(entries)
		},
	}
	retry := &cobra.Command{
		Use:   "retry <seq>",
		Short: "Move a dead-lettered mutation back into the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid sequence number %q", args[0])
			}
			a := get()
			m, err := a.queue.Requeue(cmd.Context(), seq)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d as %d\t%s\t%s\n", seq, m.Seq, m.Op, m.Key())
			if a.monitor.Online() {
				a.engine.Trigger()
			}
			return nil
		},
	}

	cmd.AddCommand(list, dead, retry)
	return cmd
}

func exportCmd(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "export <file>",
		Short: "Write the local database and queue to a JSON snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := get().store.Export(cmd.Context())
			if err != nil {
				return err
			}
			f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return err
			}
			if err := store.WriteSnapshot(f, snap); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		},
	}
}

func importCmd(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the local database and queue with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			snap, err := store.ReadSnapshot(f)
			if err != nil {
				return err
			}
			return get().store.Import(cmd.Context(), snap)
		},
	}
}

func daemonCmd(get appFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep probing the API and draining the queue until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := get()
			ctx := cmd.Context()

			sched := connectivity.NewScheduler(a.log)
			if _, err := sched.ScheduleProbe(ctx, a.prober, a.cfg.ProbeInterval); err != nil {
				return err
			}
			if _, err := sched.ScheduleDrain(a.monitor, a.engine, a.cfg.DrainInterval); err != nil {
				return err
			}
			queue.StartDeadLetterCleaner(ctx, a.queue, time.Hour, a.cfg.DeadLetterRetention, a.log)

			sched.Start()
			defer sched.Stop()
			if a.monitor.Online() {
				a.engine.Trigger()
			}
			fmt.Println("syncing in the background, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}
}

func milestonesCmd() *cobra.Command {
	var thresholds []int
	cmd := &cobra.Command{
		Use:         "milestones <previous> <current>",
		Short:       "Show the streak milestones crossed between two streak lengths",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{"standalone": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			prev, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			curr, err := strconv.Atoi(args[1])
			if err != nil {
				return err
			}
			titles := make(map[int]string, len(milestone.Streak))
			for _, d := range milestone.Streak {
				titles[d.Threshold] = d.Title
			}
			for _, t := range milestone.Crossed(prev, curr, thresholds) {
				if title, ok := titles[t]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", t, title)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\n", t)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&thresholds, "thresholds", milestone.Thresholds(milestone.Streak), "thresholds to check")
	return cmd
}
