// mirror-tool is a utility program for one-shot operations on organizer data.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"organizer/archive"
	"organizer/changetrack"
	"organizer/dblayer"
	"organizer/dbtypes"
	"organizer/deeplink"
	"organizer/kvstore"
	"organizer/mirror"
	"organizer/mutation"
	"organizer/notify"
	"organizer/sortpref"
	"organizer/workouthistory"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/storage"
	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var cmdRoot = &cobra.Command{
	Use:          "mirror-tool",
	SilenceUsage: true,
}

var (
	dataProject string
	dryRun      bool
	bucket      string
	kvDir       string
	timeout     time.Duration
)

func init() {
	cmdRoot.PersistentFlags().StringVar(&dataProject, "data-project", "", "GCP project that contains the application state.")
	cmdRoot.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Operate on an empty in-memory store instead of Firestore.")
	cmdRoot.PersistentFlags().StringVar(&bucket, "bucket", "", "GCS bucket for archives.")
	cmdRoot.PersistentFlags().StringVar(&kvDir, "kv-dir", os.ExpandEnv("$HOME/.organizer"), "Directory of the local key-value store.")
	cmdRoot.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Deadline for the whole operation.")
}

func openStore(ctx context.Context) (dblayer.Store, func(), error) {
	if dryRun {
		return dblayer.NewMemory(), func() {}, nil
	}
	fstore, err := firestore.NewClient(ctx, dataProject)
	if err != nil {
		return nil, nil, fmt.Errorf("while creating FireStore client: %w", err)
	}
	return dblayer.NewFirestore(fstore), func() { fstore.Close() }, nil
}

// withStore runs fn with a deadline-bound context and an open store.
func withStore(fn func(ctx context.Context, store dblayer.Store) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return fn(ctx, store)
}

func newMutator(store dblayer.Store) *mutation.Mutator {
	return mutation.New(store, mutation.WithScheduler(notify.NewStoreScheduler(store)))
}

func findPinned(ctx context.Context, store dblayer.Store, owner mutation.Owner, id string) (dbtypes.ChecklistRecord, error) {
	snap, err := store.Get(ctx, dbtypes.PinnedChecklistsCollection, owner.Key())
	if err != nil {
		return dbtypes.ChecklistRecord{}, fmt.Errorf("while reading pinned checklists of %v: %w", owner, err)
	}
	doc := &dbtypes.PinnedChecklistsDoc{}
	if snap.Exists() {
		if err := snap.DataTo(doc); err != nil {
			return dbtypes.ChecklistRecord{}, fmt.Errorf("while decoding pinned checklists of %v: %w", owner, err)
		}
	}
	for _, rec := range doc.Pinned {
		if rec.ID == id {
			return rec, nil
		}
	}
	return dbtypes.ChecklistRecord{}, fmt.Errorf("checklist %s of %v: %w", id, owner, mutation.ErrRecordNotFound)
}

// waitReady blocks until m has mirrored its principal.
func waitReady(ctx context.Context, m *mirror.Mirror) error {
	ready := make(chan struct{})
	var once sync.Once
	cancel := m.Watch(func(s *mirror.State) {
		if s.Ready() {
			once.Do(func() { close(ready) })
		}
	})
	defer cancel()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		if err := m.State().LastError; err != nil {
			return fmt.Errorf("while waiting for mirror: %w", err)
		}
		return fmt.Errorf("while waiting for mirror: %w", ctx.Err())
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	saveOwner    string
	saveID       string
	saveName     string
	saveItems    []string
	saveReminder string
	saveOrder    int
)

var cmdSave = &cobra.Command{
	Use:   "save",
	Short: "Create or replace a pinned checklist",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := mutation.ParseOwner(saveOwner)
		if err != nil {
			return err
		}

		rec := dbtypes.ChecklistRecord{
			ID:   saveID,
			Name: saveName,
		}
		for i, text := range saveItems {
			rec.Items = append(rec.Items, dbtypes.ChecklistItem{ID: strconv.Itoa(i), Text: text})
		}
		if saveReminder != "" {
			at, err := time.Parse(time.RFC3339, saveReminder)
			if err != nil {
				return fmt.Errorf("while parsing --reminder: %w", err)
			}
			rec.ReminderTime = &at
		}
		if saveOrder >= 0 {
			order := saveOrder
			rec.Order = &order
		}

		return withStore(func(ctx context.Context, store dblayer.Store) error {
			stored, err := findPinned(ctx, store, owner, rec.ID)
			switch {
			case errors.Is(err, mutation.ErrRecordNotFound):
			case err != nil:
				return err
			default:
				edit := trackEdit(stored, rec)
				if !edit.Dirty() {
					glog.Infof("Checklist %s of %v is unchanged, not saving", rec.ID, owner)
					return nil
				}
				glog.Infof("Saving checklist %s of %v; diff (-stored +edited)\n%s", rec.ID, owner, edit.Diff())
			}
			return newMutator(store).Save(ctx, rec, owner)
		})
	},
}

// trackEdit compares an edited record against the stored one, ignoring the
// fields Save fills in itself.
func trackEdit(stored, edited dbtypes.ChecklistRecord) *changetrack.Tracker[dbtypes.ChecklistRecord] {
	baseline := stored.Sanitized()
	baseline.UpdatedAt = time.Time{}

	edited = edited.Sanitized()
	edited.UpdatedAt = time.Time{}
	if edited.Order == nil {
		edited.Order = baseline.Order
	}

	t := changetrack.New(baseline)
	t.Set(edited)
	return t
}

func init() {
	cmdSave.Flags().StringVar(&saveOwner, "owner", "", "Owner, as personal/USER or group/GROUP.")
	cmdSave.Flags().StringVar(&saveID, "id", "", "Checklist ID.")
	cmdSave.Flags().StringVar(&saveName, "name", "", "Checklist name.")
	cmdSave.Flags().StringSliceVar(&saveItems, "item", []string{}, "Checklist item text.  May be repeated.")
	cmdSave.Flags().StringVar(&saveReminder, "reminder", "", "Reminder time, RFC 3339.")
	cmdSave.Flags().IntVar(&saveOrder, "order", -1, "Display position.  Negative keeps the stored position.")
}

var (
	unpinOwner string
	unpinID    string
)

var cmdUnpin = &cobra.Command{
	Use:   "unpin",
	Short: "Remove a pinned checklist",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := mutation.ParseOwner(unpinOwner)
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store dblayer.Store) error {
			return newMutator(store).Unpin(ctx, unpinID, owner)
		})
	},
}

func init() {
	cmdUnpin.Flags().StringVar(&unpinOwner, "owner", "", "Owner, as personal/USER or group/GROUP.")
	cmdUnpin.Flags().StringVar(&unpinID, "id", "", "Checklist ID.")
}

var (
	moveFrom string
	moveTo   string
	moveID   string
)

var cmdMove = &cobra.Command{
	Use:   "move",
	Short: "Move a pinned checklist to another owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := mutation.ParseOwner(moveFrom)
		if err != nil {
			return err
		}
		to, err := mutation.ParseOwner(moveTo)
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store dblayer.Store) error {
			rec, err := findPinned(ctx, store, from, moveID)
			if err != nil {
				return err
			}
			return newMutator(store).Move(ctx, rec, from, to)
		})
	},
}

func init() {
	cmdMove.Flags().StringVar(&moveFrom, "from", "", "Current owner, as personal/USER or group/GROUP.")
	cmdMove.Flags().StringVar(&moveTo, "to", "", "New owner, as personal/USER or group/GROUP.")
	cmdMove.Flags().StringVar(&moveID, "id", "", "Checklist ID.")
}

// parseOrderChange parses ID@OWNER=ORDER.
func parseOrderChange(arg string) (mutation.OrderChange, error) {
	id, rest, ok := strings.Cut(arg, "@")
	if !ok || id == "" {
		return mutation.OrderChange{}, fmt.Errorf("%q is not of the form ID@OWNER=ORDER", arg)
	}
	ownerText, orderText, ok := strings.Cut(rest, "=")
	if !ok {
		return mutation.OrderChange{}, fmt.Errorf("%q is not of the form ID@OWNER=ORDER", arg)
	}
	owner, err := mutation.ParseOwner(ownerText)
	if err != nil {
		return mutation.OrderChange{}, err
	}
	order, err := strconv.Atoi(orderText)
	if err != nil {
		return mutation.OrderChange{}, fmt.Errorf("while parsing order in %q: %w", arg, err)
	}
	return mutation.OrderChange{ID: id, Owner: owner, Order: order}, nil
}

var cmdReorder = &cobra.Command{
	Use:   "reorder ID@OWNER=ORDER...",
	Short: "Reorder pinned checklists across owners in one transaction",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var changes []mutation.OrderChange
		for _, arg := range args {
			change, err := parseOrderChange(arg)
			if err != nil {
				return err
			}
			changes = append(changes, change)
		}
		return withStore(func(ctx context.Context, store dblayer.Store) error {
			return newMutator(store).Reorder(ctx, changes)
		})
	},
}

var exportOwner string

func newArchiver(ctx context.Context, store dblayer.Store) (*archive.Archiver, func(), error) {
	if bucket == "" {
		return nil, nil, fmt.Errorf("--bucket is required")
	}
	gcs, err := storage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("while creating GCS client: %w", err)
	}
	return archive.New(store, archive.NewGCS(gcs, bucket)), func() { gcs.Close() }, nil
}

var cmdExport = &cobra.Command{
	Use:   "export",
	Short: "Export an owner's pinned checklists to GCS",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := mutation.ParseOwner(exportOwner)
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store dblayer.Store) error {
			a, closeGCS, err := newArchiver(ctx, store)
			if err != nil {
				return err
			}
			defer closeGCS()

			name, err := a.Export(ctx, owner)
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		})
	},
}

var cmdListExports = &cobra.Command{
	Use:   "list-exports",
	Short: "List an owner's exports, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := mutation.ParseOwner(exportOwner)
		if err != nil {
			return err
		}
		return withStore(func(ctx context.Context, store dblayer.Store) error {
			a, closeGCS, err := newArchiver(ctx, store)
			if err != nil {
				return err
			}
			defer closeGCS()

			names, err := a.List(ctx, owner)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		})
	},
}

func init() {
	cmdExport.Flags().StringVar(&exportOwner, "owner", "", "Owner, as personal/USER or group/GROUP.")
	cmdListExports.Flags().StringVar(&exportOwner, "owner", "", "Owner, as personal/USER or group/GROUP.")
}

var cmdRestore = &cobra.Command{
	Use:   "restore OBJECT",
	Short: "Replace an owner's pinned checklists with an export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store dblayer.Store) error {
			a, closeGCS, err := newArchiver(ctx, store)
			if err != nil {
				return err
			}
			defer closeGCS()

			return a.Restore(ctx, args[0])
		})
	},
}

var mirrorUser string

var cmdOpen = &cobra.Command{
	Use:   "open URL",
	Short: "Resolve a deep link against a user's mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		link, err := deeplink.Parse(args[0])
		if err != nil && !errors.Is(err, deeplink.ErrNoDate) {
			return err
		}

		return withStore(func(ctx context.Context, store dblayer.Store) error {
			m := mirror.New(store, mirror.WithSelectedDate(time.Now()))
			defer m.Close()
			m.SetPrincipal(mirrorUser)

			route := deeplink.Apply(link, m)
			if err := waitReady(ctx, m); err != nil {
				return err
			}

			state := m.State()
			fmt.Printf("route: %s\n", route)
			fmt.Printf("selected: %s\n", state.SelectedDate.Format(deeplink.DateLayout))
			if state.InternalCalendar != nil {
				fmt.Printf("calendar: %s (%d events)\n", state.InternalCalendar.ID, len(state.InternalCalendar.Events))
			}
			return nil
		})
	},
}

var cmdPinned = &cobra.Command{
	Use:   "pinned",
	Short: "Print a user's pinned checklists in their preferred order",
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := kvstore.OpenBadger(kvDir)
		if err != nil {
			return err
		}
		defer kv.Close()

		order, err := sortpref.Load(kv)
		if err != nil {
			return err
		}

		return withStore(func(ctx context.Context, store dblayer.Store) error {
			m := mirror.New(store)
			defer m.Close()
			m.SetPrincipal(mirrorUser)
			if err := waitReady(ctx, m); err != nil {
				return err
			}
			return printJSON(sortpref.Apply(order, m.State().PinnedChecklists()))
		})
	},
}

func init() {
	cmdOpen.Flags().StringVar(&mirrorUser, "user", "", "ID of the user to mirror.")
	cmdPinned.Flags().StringVar(&mirrorUser, "user", "", "ID of the user to mirror.")
}

var cmdSortOrder = &cobra.Command{
	Use:   "sort-order [custom|alphabetical|recent]",
	Short: "Show or set the pinned checklist sort order",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kv, err := kvstore.OpenBadger(kvDir)
		if err != nil {
			return err
		}
		defer kv.Close()

		if len(args) == 1 {
			return sortpref.Save(kv, sortpref.Order(args[0]))
		}
		order, err := sortpref.Load(kv)
		if err != nil {
			return err
		}
		fmt.Println(order)
		return nil
	},
}

// parseSet parses REPSxWEIGHT.
func parseSet(s string) (dbtypes.WorkoutSet, error) {
	repsText, weightText, ok := strings.Cut(s, "x")
	if !ok {
		return dbtypes.WorkoutSet{}, fmt.Errorf("%q is not of the form REPSxWEIGHT", s)
	}
	reps, err := strconv.ParseInt(repsText, 10, 64)
	if err != nil {
		return dbtypes.WorkoutSet{}, fmt.Errorf("while parsing reps in %q: %w", s, err)
	}
	weight, err := strconv.ParseInt(weightText, 10, 64)
	if err != nil {
		return dbtypes.WorkoutSet{}, fmt.Errorf("while parsing weight in %q: %w", s, err)
	}
	return dbtypes.WorkoutSet{Reps: reps, Weight: weight}, nil
}

var (
	workoutExercise string
	workoutSets     []string
)

var cmdRecordWorkout = &cobra.Command{
	Use:   "record-workout",
	Short: "Record today's sets of one exercise",
	RunE: func(cmd *cobra.Command, args []string) error {
		sample := dbtypes.WorkoutSample{Date: time.Now()}
		for _, s := range workoutSets {
			set, err := parseSet(s)
			if err != nil {
				return err
			}
			sample.Sets = append(sample.Sets, set)
		}
		return withStore(func(ctx context.Context, store dblayer.Store) error {
			return workouthistory.New(store, workouthistory.WithLocation(time.Local)).Record(ctx, mirrorUser, workoutExercise, sample)
		})
	},
}

func init() {
	cmdRecordWorkout.Flags().StringVar(&mirrorUser, "user", "", "ID of the user.")
	cmdRecordWorkout.Flags().StringVar(&workoutExercise, "exercise", "", "Exercise ID.")
	cmdRecordWorkout.Flags().StringSliceVar(&workoutSets, "set", []string{}, "A set, as REPSxWEIGHT.  May be repeated.")
}

func main() {
	glog.CopyStandardLogTo("INFO")
	defer glog.Flush()

	cmdRoot.AddCommand(
		cmdSave,
		cmdUnpin,
		cmdMove,
		cmdReorder,
		cmdExport,
		cmdListExports,
		cmdRestore,
		cmdOpen,
		cmdPinned,
		cmdSortOrder,
		cmdRecordWorkout,
	)

	if err := cmdRoot.Execute(); err != nil {
		glog.Flush()
		os.Exit(1)
	}
}
