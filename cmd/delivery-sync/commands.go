// ABOUTME: One-shot delivery-sync commands operating on the local queue and cache
// ABOUTME: Capture, queue inspection, manual sync/retry, cache browsing and maintenance

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/delivery-sync/internal/engine"
	"github.com/2389/delivery-sync/internal/notecache"
	"github.com/2389/delivery-sync/internal/store"
)

const timeFormat = "2006-01-02 15:04"

func parseID(args []string, usage string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", args[0])
	}
	return id, nil
}

func parseInt64Flag(name, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, value)
	}
	return n, nil
}

// cmdCapture queues a delivery note with the given photo files
func cmdCapture(ctx context.Context, e *engine.Engine, args []string) error {
	var note store.NewPendingNote
	var files []string

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--establishment", "-e":
			if i+1 < len(args) {
				note.EstablishmentID, err = parseInt64Flag("establishment", args[i+1])
				i++
			}
		case "--supplier", "-s":
			if i+1 < len(args) {
				note.SupplierID, err = parseInt64Flag("supplier", args[i+1])
				i++
			}
		case "--establishment-name":
			if i+1 < len(args) {
				note.EstablishmentName = args[i+1]
				i++
			}
		case "--supplier-name":
			if i+1 < len(args) {
				note.SupplierName = args[i+1]
				i++
			}
		default:
			files = append(files, args[i])
		}
		if err != nil {
			return err
		}
	}

	if note.EstablishmentID == 0 || note.SupplierID == 0 || len(files) == 0 {
		return fmt.Errorf("usage: capture --establishment <id> --supplier <id> <photo>...")
	}

	photos := make([]store.PhotoInput, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("reading photo: %w", err)
		}
		photos = append(photos, store.PhotoInput{Data: data, OriginalName: filepath.Base(f)})
	}

	id, err := e.Capture(ctx, note, photos)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Queued delivery note %d with %d photo(s)\n", id, len(photos))
	return nil
}

func statusColor(s store.NoteStatus) string {
	switch s {
	case store.StatusSynced:
		return color.GreenString(string(s))
	case store.StatusFailed:
		return color.RedString(string(s))
	case store.StatusUploading:
		return color.CyanString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

// cmdPending lists the whole upload queue
func cmdPending(ctx context.Context, e *engine.Engine) error {
	notes, err := e.Store().ListAllPendingNotes(ctx)
	if err != nil {
		return err
	}

	if len(notes) == 0 {
		fmt.Println("Upload queue is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tESTABLISHMENT\tSUPPLIER\tSTATUS\tRETRIES\tCREATED")
	fmt.Fprintln(w, "  --\t-------------\t--------\t------\t-------\t-------")

	for _, n := range notes {
		est := strconv.FormatInt(n.EstablishmentID, 10)
		if n.EstablishmentName != "" {
			est = n.EstablishmentName
		}
		sup := strconv.FormatInt(n.SupplierID, 10)
		if n.SupplierName != "" {
			sup = n.SupplierName
		}
		fmt.Fprintf(w, "  %d\t%s\t%s\t%s\t%d\t%s\n",
			n.ID, est, sup, statusColor(n.Status), n.RetryCount, n.CreatedAt.Local().Format(timeFormat))
	}
	w.Flush()

	fmt.Printf("\nTotal: %d note(s)\n", len(notes))
	return nil
}

// cmdSync uploads every ready note once
func cmdSync(ctx context.Context, e *engine.Engine) error {
	if err := e.Sync().SyncAll(ctx); err != nil {
		return err
	}

	remaining, err := e.Store().CountPendingNotes(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Sync finished, %d note(s) still waiting\n", remaining)
	return nil
}

// cmdRetry resets a note's retry budget and uploads it
func cmdRetry(ctx context.Context, e *engine.Engine, args []string) error {
	id, err := parseID(args, "retry <id>")
	if err != nil {
		return err
	}

	synced, err := e.Sync().Retry(ctx, id)
	if err != nil {
		return err
	}
	if synced {
		color.Green("✓ Delivery note %d uploaded\n", id)
	} else {
		color.Yellow("Delivery note %d queued for upload\n", id)
	}
	return nil
}

// cmdDelete removes a queued note
func cmdDelete(ctx context.Context, e *engine.Engine, args []string) error {
	id, err := parseID(args, "delete <id>")
	if err != nil {
		return err
	}

	if err := e.Sync().Delete(ctx, id); err != nil {
		return err
	}
	color.Green("✓ Delivery note %d deleted\n", id)
	return nil
}

// cmdNotes lists the cached delivery notes, refreshing first unless --offline
func cmdNotes(ctx context.Context, e *engine.Engine, args []string) error {
	var establishmentID int64
	offline := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--establishment", "-e":
			if i+1 < len(args) {
				var err error
				establishmentID, err = parseInt64Flag("establishment", args[i+1])
				if err != nil {
					return err
				}
				i++
			}
		case "--offline":
			offline = true
		}
	}

	var notes []*store.CachedNote
	var err error
	if offline {
		notes, err = e.Store().GetCachedNotes(ctx, establishmentID)
	} else {
		notes, err = e.Cache().GetList(ctx, establishmentID)
	}
	if err != nil {
		return err
	}

	if len(notes) == 0 {
		fmt.Println("No cached delivery notes.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tESTABLISHMENT\tSTATUS\tVALIDATED\tIMAGE")
	fmt.Fprintln(w, "  --\t-------------\t------\t---------\t-----")

	for _, n := range notes {
		validated := "-"
		if n.ValidatedAt != nil {
			validated = n.ValidatedAt.Local().Format(timeFormat)
		}
		image := ""
		if n.HasImage {
			image = "yes"
		}
		fmt.Fprintf(w, "  %d\t%d\t%s\t%s\t%s\n", n.ID, n.EstablishmentID, n.Status, validated, image)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d note(s)\n", len(notes))
	return nil
}

// cmdShow prints one cached note with its full server payload
func cmdShow(ctx context.Context, e *engine.Engine, args []string) error {
	id, err := parseID(args, "show <id>")
	if err != nil {
		return err
	}

	n, err := e.Cache().GetDetail(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delivery note %d is not cached", id)
	}
	if err != nil {
		return err
	}

	yellow := color.New(color.FgYellow)
	yellow.Printf("Delivery note %d\n", n.ID)
	fmt.Printf("  Establishment: %d\n", n.EstablishmentID)
	fmt.Printf("  Status:        %s\n", n.Status)
	if n.ValidatedAt != nil {
		fmt.Printf("  Validated:     %s\n", n.ValidatedAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("  Has image:     %t\n", n.HasImage)
	fmt.Printf("  Cached:        %s\n", n.CachedAt.Local().Format(time.RFC3339))
	if len(n.Payload) > 0 {
		fmt.Println()
		fmt.Println(string(n.Payload))
	}
	return nil
}

// cmdImage writes a note's image to a file, fetching it when not cached
func cmdImage(ctx context.Context, e *engine.Engine, args []string) error {
	var output string
	var rest []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--output", "-o":
			if i+1 < len(args) {
				output = args[i+1]
				i++
			}
		default:
			rest = append(rest, args[i])
		}
	}

	id, err := parseID(rest, "image <id> -o <file>")
	if err != nil {
		return err
	}
	if output == "" {
		return fmt.Errorf("usage: image <id> -o <file>")
	}

	data, err := e.Cache().GetImage(ctx, id)
	if err != nil {
		return err
	}
	if data == nil {
		return fmt.Errorf("image for delivery note %d is unavailable", id)
	}

	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("writing image: %w", err)
	}
	color.Green("✓ Wrote %d bytes to %s\n", len(data), output)
	return nil
}

// cmdRefresh refreshes the cache and waits for image prefetching to finish
func cmdRefresh(ctx context.Context, e *engine.Engine, args []string) error {
	var opts notecache.RefreshOptions

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--force", "-f":
			opts.Force = true
		case "--establishment", "-e":
			if i+1 < len(args) {
				var err error
				opts.EstablishmentID, err = parseInt64Flag("establishment", args[i+1])
				if err != nil {
					return err
				}
				i++
			}
		}
	}

	if err := e.Cache().Refresh(ctx, opts); err != nil {
		return err
	}
	e.Cache().Wait()

	n, err := e.Store().CountCachedNotes(ctx)
	if err != nil {
		return err
	}
	images, err := e.Store().CountCachedNoteImages(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Cache holds %d note(s) and %d image(s)\n", n, images)
	return nil
}

func cmdClearCache(ctx context.Context, e *engine.Engine) error {
	if err := e.Cache().Clear(ctx); err != nil {
		return err
	}
	color.Green("✓ Cache cleared\n")
	return nil
}

// cmdQuota prints storage usage against the configured budget
func cmdQuota(ctx context.Context, e *engine.Engine) error {
	q, err := e.CheckQuota(ctx)
	if err != nil {
		return err
	}
	if q == nil {
		fmt.Println("Storage quota is not configured.")
		return nil
	}

	line := fmt.Sprintf("Storage: %d / %d bytes (%.1f%%)", q.Used, q.Quota, q.PercentUsed)
	if q.Warning {
		color.Red("%s - almost full\n", line)
	} else {
		fmt.Println(line)
	}
	return nil
}

func cmdCleanup(ctx context.Context, e *engine.Engine) error {
	n, err := e.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d synced note(s)\n", n)
	return nil
}

// cmdStatus shows reachability and queue/cache counts
func cmdStatus(ctx context.Context, e *engine.Engine) error {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	fmt.Print("Server:        ")
	if e.Prober().IsOnline(ctx) {
		green.Println("reachable")
	} else {
		red.Println("unreachable")
	}

	pending, err := e.Store().CountPendingNotes(ctx)
	if err != nil {
		return err
	}
	cached, err := e.Store().CountCachedNotes(ctx)
	if err != nil {
		return err
	}
	images, err := e.Store().CountCachedNoteImages(ctx)
	if err != nil {
		return err
	}
	last, err := e.Store().LastNoteSync(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	fmt.Printf("Waiting:       %d note(s)\n", pending)
	fmt.Printf("Cached notes:  %d\n", cached)
	fmt.Printf("Cached images: %d\n", images)
	if last.IsZero() {
		fmt.Println("Last refresh:  never")
	} else {
		fmt.Printf("Last refresh:  %s\n", last.Local().Format(time.RFC3339))
	}
	return nil
}
