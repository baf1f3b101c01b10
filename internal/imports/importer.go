package imports

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/storage"
	"github.com/mailkite/mailkite/internal/subscribers"
)

// batchSize is how many CSV rows are upserted per statement.
const batchSize = 500

// progressTTL keeps finished progress documents around long enough for
// the UI to observe the terminal state.
const progressTTL = 24 * time.Hour

// SniffDelimiter picks the CSV delimiter from a sample of the file
// (first KiB is plenty): whichever of comma, semicolon or tab appears
// most often outside quoted sections wins, comma on a tie.
func SniffDelimiter(sample []byte) rune {
	counts := map[rune]int{',': 0, ';': 0, '\t': 0}
	inQuotes := false
	for _, b := range sample {
		switch b {
		case '"':
			inQuotes = !inQuotes
		case ',', ';', '\t':
			if !inQuotes {
				counts[rune(b)]++
			}
		}
	}
	best := ','
	for _, d := range []rune{';', '\t'} {
		if counts[d] > counts[best] {
			best = d
		}
	}
	return best
}

// Importer runs queued subscriber imports: it streams the uploaded CSV
// out of file storage, upserts rows in batches and reports progress to
// Redis while it goes.
type Importer struct {
	imports     *Store
	subscribers *subscribers.Store
	lists       *lists.Store
	files       storage.FileStore
	redis       *redis.Client
}

// NewImporter wires up an importer.
func NewImporter(imports *Store, subs *subscribers.Store, ls *lists.Store, files storage.FileStore, rdb *redis.Client) *Importer {
	return &Importer{
		imports:     imports,
		subscribers: subs,
		lists:       ls,
		files:       files,
		redis:       rdb,
	}
}

type runCounters struct {
	total   int
	created int
	updated int
	skipped int
}

// Run executes one import end to end. Claiming happens through the
// QUEUED→IMPORTING transition, so a retried or duplicated task finds the
// import already claimed and backs off without side effects. Data errors
// (unreadable CSV, bad timestamps) move the import to ERRORED rather
// than bouncing the task: re-running them would fail the same way.
func (im *Importer) Run(ctx context.Context, importID uuid.UUID) error {
	err := im.imports.TransitionStatus(ctx, importID, StatusImporting, StatusQueued)
	if errors.Is(err, ErrInvalidTransition) {
		logger.Info("import no longer queued, skipping", "import_id", importID)
		return nil
	}
	if err != nil {
		return err
	}

	si, err := im.imports.Get(ctx, importID)
	if err != nil {
		return err
	}
	if err := si.Mapping.Validate(); err != nil {
		return im.fail(ctx, si, &runCounters{}, fmt.Errorf("field mapping: %w", err))
	}

	f, err := im.files.Get(ctx, si.FileKey)
	if err != nil {
		return im.fail(ctx, si, &runCounters{}, fmt.Errorf("open import file: %w", err))
	}
	defer f.Close()

	br := bufio.NewReader(f)
	sample, _ := br.Peek(1024)
	reader := csv.NewReader(br)
	reader.Comma = SniffDelimiter(sample)
	reader.FieldsPerRecord = -1

	if si.HasHeader {
		if _, err := reader.Read(); err != nil && err != io.EOF {
			return im.fail(ctx, si, &runCounters{}, fmt.Errorf("read header: %w", err))
		}
	}

	logger.Info("import started",
		"import_id", si.ID, "list_id", si.MailingListID, "file", si.Filename)

	var (
		counters runCounters
		batch    []*subscribers.Subscriber
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return im.fail(ctx, si, &counters, fmt.Errorf("row %d: %w", counters.total+1, err))
		}
		counters.total++

		sub, err := im.parseRow(si, record)
		if err != nil {
			return im.fail(ctx, si, &counters, fmt.Errorf("row %d: %w", counters.total, err))
		}
		if sub == nil {
			counters.skipped++
			continue
		}
		batch = append(batch, sub)

		if len(batch) >= batchSize {
			stop, err := im.flush(ctx, si, batch, &counters)
			if err != nil {
				return im.fail(ctx, si, &counters, err)
			}
			batch = batch[:0]
			if stop {
				return im.finishCanceled(ctx, si, &counters)
			}
		}
	}
	if len(batch) > 0 {
		if _, err := im.flush(ctx, si, batch, &counters); err != nil {
			return im.fail(ctx, si, &counters, err)
		}
	}

	if err := im.imports.SetCounts(ctx, si.ID, counters.total, counters.created, counters.updated, counters.skipped); err != nil {
		return err
	}
	if err := im.lists.UpdateSubscribersCount(ctx, nil, si.MailingListID); err != nil {
		return err
	}
	if err := im.imports.TransitionStatus(ctx, si.ID, StatusCompleted, StatusImporting); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Canceled under us after the last batch.
			return im.finishCanceled(ctx, si, &counters)
		}
		return err
	}
	im.publishProgress(ctx, si.ID, StatusCompleted, &counters)

	logger.Info("import completed",
		"import_id", si.ID, "total", counters.total,
		"created", counters.created, "updated", counters.updated, "skipped", counters.skipped)
	return nil
}

// parseRow maps one CSV record onto a subscriber. A missing or invalid
// email skips the row (nil, nil); an unparseable timestamp aborts the
// whole run.
func (im *Importer) parseRow(si *SubscriberImport, record []string) (*subscribers.Subscriber, error) {
	sub := &subscribers.Subscriber{
		MailingListID: si.MailingListID,
		Status:        si.TargetStatus,
	}
	for col, field := range si.Mapping {
		if col >= len(record) {
			continue
		}
		value := record[col]
		switch field {
		case FieldEmail:
			sub.Email = subscribers.NormalizeEmail(value)
		case FieldName:
			sub.Name = value
		case FieldOptinIP:
			sub.OptinIP = value
		case FieldConfirmIP:
			sub.ConfirmIP = value
		case FieldOptinDate:
			if value == "" {
				continue
			}
			t, err := time.ParseInLocation(DateLayout, value, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("optin_date %q: %w", value, err)
			}
			sub.OptinDate = t
		case FieldConfirmDate:
			if value == "" {
				continue
			}
			t, err := time.ParseInLocation(DateLayout, value, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("confirm_date %q: %w", value, err)
			}
			sub.ConfirmDate = &t
		}
	}
	if !subscribers.ValidEmail(sub.Email) {
		return nil, nil
	}
	return sub, nil
}

// flush upserts one batch, appends IMPORTED activities for the rows the
// batch created, publishes progress and re-checks for cancellation.
func (im *Importer) flush(ctx context.Context, si *SubscriberImport, batch []*subscribers.Subscriber, c *runCounters) (stop bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	created, err := im.subscribers.ImportBatch(ctx, batch)
	if err != nil {
		return false, err
	}
	c.created += len(created)
	c.updated += len(batch) - len(created)

	for _, id := range created {
		a := &subscribers.Activity{
			Type:         subscribers.ActivityImported,
			SubscriberID: id,
			Description:  si.Filename,
		}
		if err := im.subscribers.RecordActivity(ctx, a); err != nil {
			return false, err
		}
	}

	im.publishProgress(ctx, si.ID, StatusImporting, c)

	cur, err := im.imports.Get(ctx, si.ID)
	if err != nil {
		return false, err
	}
	return cur.Status == StatusCanceled, nil
}

// finishCanceled records how far a canceled run got. The rows already
// upserted stay; the list count is refreshed so they show up.
func (im *Importer) finishCanceled(ctx context.Context, si *SubscriberImport, c *runCounters) error {
	logger.Info("import canceled", "import_id", si.ID, "processed", c.total)
	if err := im.imports.SetCounts(ctx, si.ID, c.total, c.created, c.updated, c.skipped); err != nil {
		return err
	}
	if err := im.lists.UpdateSubscribersCount(ctx, nil, si.MailingListID); err != nil {
		return err
	}
	im.publishProgress(ctx, si.ID, StatusCanceled, c)
	return nil
}

// fail moves the import to ERRORED with whatever counters accumulated.
// The error is recorded on the import rather than returned, so the task
// is not retried into the same deterministic failure.
func (im *Importer) fail(ctx context.Context, si *SubscriberImport, c *runCounters, cause error) error {
	logger.Error("import failed", "import_id", si.ID, "error", cause)
	if err := im.imports.SetCounts(ctx, si.ID, c.total, c.created, c.updated, c.skipped); err != nil {
		logger.Error("recording import counts", "import_id", si.ID, "error", err)
	}
	if err := im.imports.SetError(ctx, si.ID, cause.Error()); err != nil {
		return err
	}
	im.publishProgress(ctx, si.ID, StatusErrored, c)
	return nil
}

func (im *Importer) publishProgress(ctx context.Context, id uuid.UUID, status string, c *runCounters) {
	if im.redis == nil {
		return
	}
	doc, err := json.Marshal(Progress{
		Status:    status,
		Processed: c.total,
		Created:   c.created,
		Updated:   c.updated,
		Skipped:   c.skipped,
	})
	if err != nil {
		return
	}
	if err := im.redis.Set(ctx, ProgressKey(id), doc, progressTTL).Err(); err != nil {
		logger.Warn("publishing import progress", "import_id", id, "error", err)
	}
}
