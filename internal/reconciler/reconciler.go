// Package reconciler drains the dirty-page queue against the server. A cycle
// groups pending entries by project, merges each project's local uploads into
// the authoritative remote page list, and commits the full reconciled list in
// one metadata call per project. Failures in one project never abort the rest.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pencraft/pagesync/internal/api"
	"github.com/pencraft/pagesync/internal/pagestore"
	"github.com/pencraft/pagesync/internal/syncqueue"
)

// DefaultBatchSize bounds how many pages are held in memory at once while
// uploading; batches run strictly sequentially.
const DefaultBatchSize = 2

// PageStore reads cached page content. Satisfied by pagestore.Store.
type PageStore interface {
	Get(projectID string, pageNumber int) (json.RawMessage, error)
}

// Metadata is the project metadata surface. Satisfied by api.HTTPClient.
type Metadata interface {
	Presign(ctx context.Context, fileName, contentType string) (api.PresignResult, error)
	ListPages(ctx context.Context, projectID string) ([]api.PageRef, error)
	CreatePages(ctx context.Context, projectID string, pages []api.PageRef) error
}

// Uploader PUTs page payloads to presigned URLs. Satisfied by
// gateway.Gateway.
type Uploader interface {
	UploadObject(ctx context.Context, payload any, uploadURL string) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store     PageStore
	Metadata  Metadata
	Uploader  Uploader
	Queue     syncqueue.Queue
	BatchSize int
	Logger    Logger

	// Online reports whether connectivity is confirmed present. A cycle
	// stays idle when it returns false. Nil means always online.
	Online func() bool

	// now is replaceable in tests for deterministic object keys.
	now func() time.Time
}

type Reconciler struct {
	store     PageStore
	metadata  Metadata
	uploader  Uploader
	queue     syncqueue.Queue
	batchSize int
	logger    Logger
	online    func() bool
	now       func() time.Time
}

func New(opts Options) (*Reconciler, error) {
	if opts.Store == nil || opts.Metadata == nil || opts.Uploader == nil || opts.Queue == nil {
		return nil, fmt.Errorf("store, metadata, uploader and queue are required")
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	now := opts.now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		store:     opts.Store,
		metadata:  opts.Metadata,
		uploader:  opts.Uploader,
		queue:     opts.Queue,
		batchSize: batchSize,
		logger:    opts.Logger,
		online:    opts.Online,
		now:       now,
	}, nil
}

// SyncOnce runs one reconciliation cycle. With an empty queue or no
// connectivity it makes no network calls at all. The returned error joins
// per-project failures; a failed project keeps its entries queued and does
// not prevent other projects from syncing.
func (r *Reconciler) SyncOnce(ctx context.Context) error {
	if r.online != nil && !r.online() {
		return nil
	}
	entries := r.queue.Snapshot()
	if len(entries) == 0 {
		return nil
	}

	groups := map[string][]syncqueue.Entry{}
	for _, entry := range entries {
		groups[entry.ProjectID] = append(groups[entry.ProjectID], entry)
	}
	projectIDs := make([]string, 0, len(groups))
	for projectID := range groups {
		projectIDs = append(projectIDs, projectID)
	}
	sort.Strings(projectIDs)

	var errs []error
	for _, projectID := range projectIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		completed, err := r.syncProject(ctx, projectID, groups[projectID])
		if err != nil {
			r.logf("sync project %s failed: %v", projectID, err)
			errs = append(errs, fmt.Errorf("project %s: %w", projectID, err))
		}
		if len(completed) > 0 {
			if removeErr := r.queue.Remove(completed); removeErr != nil {
				r.logf("dequeue for project %s failed: %v", projectID, removeErr)
				errs = append(errs, fmt.Errorf("project %s: %w", projectID, removeErr))
			}
		}
	}
	return errors.Join(errs...)
}

// Run executes SyncOnce on a fixed interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.SyncOnce(ctx); err != nil {
				r.logf("sync cycle failed: %v", err)
			}
		}
	}
}

// syncProject reconciles one project and returns the entries safe to remove
// from the queue. Only entries whose page uploaded and whose project commit
// succeeded are completed; entries whose cached page is gone are completed
// too, since they can never upload.
func (r *Reconciler) syncProject(ctx context.Context, projectID string, entries []syncqueue.Entry) ([]syncqueue.Entry, error) {
	// One authoritative fetch per project per cycle. Remote pages go into
	// the map first so local uploads override on pageNumber conflicts.
	remote, err := r.metadata.ListPages(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pageMap := make(map[int]api.PageRef, len(remote)+len(entries))
	for _, ref := range remote {
		pageMap[ref.PageNumber] = ref
	}

	var uploaded []syncqueue.Entry
	var gone []syncqueue.Entry
	uploadedAny := false
	for start := 0; start < len(entries); start += r.batchSize {
		end := start + r.batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[start:end]

		loaded := make([]loadedPage, 0, len(batch))
		for _, entry := range batch {
			data, err := r.store.Get(entry.ProjectID, entry.PageNumber)
			if err != nil {
				if errors.Is(err, pagestore.ErrNotFound) {
					gone = append(gone, entry)
					continue
				}
				r.logf("load %s failed: %v", entry, err)
				continue
			}
			loaded = append(loaded, loadedPage{entry: entry, data: data})
		}

		refs, err := r.uploadBatch(ctx, projectID, loaded)
		if err != nil {
			// The failed batch contributes nothing to the page map;
			// earlier successful batches are retained and later
			// batches still run. Its entries stay queued.
			r.logf("batch upload for %s failed: %v", projectID, err)
			continue
		}
		for i, ref := range refs {
			existing := pageMap[ref.PageNumber]
			existing.PageNumber = ref.PageNumber
			existing.StrokeURL = ref.StrokeURL
			pageMap[ref.PageNumber] = existing
			uploaded = append(uploaded, loaded[i].entry)
		}
		if len(refs) > 0 {
			uploadedAny = true
		}
	}

	if !uploadedAny {
		// Nothing reached storage, so there is nothing to commit. Gone
		// entries are still dropped; everything else retries next cycle.
		return gone, nil
	}

	pages := make([]api.PageRef, 0, len(pageMap))
	for _, ref := range pageMap {
		pages = append(pages, ref)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })

	if err := r.metadata.CreatePages(ctx, projectID, pages); err != nil {
		// Uploads landed but the commit did not: every uploaded entry
		// survives for an idempotent retry under a fresh object key.
		return gone, err
	}
	return append(uploaded, gone...), nil
}

type loadedPage struct {
	entry syncqueue.Entry
	data  json.RawMessage
}

// uploadBatch presigns and uploads each page of one batch. Any failure
// voids the whole batch's contribution.
func (r *Reconciler) uploadBatch(ctx context.Context, projectID string, batch []loadedPage) ([]api.PageRef, error) {
	refs := make([]api.PageRef, 0, len(batch))
	for _, page := range batch {
		fileName := r.objectFileName(projectID, page.entry.PageNumber)
		presigned, err := r.metadata.Presign(ctx, fileName, "application/json")
		if err != nil {
			return nil, err
		}
		if err := r.uploader.UploadObject(ctx, page.data, presigned.UploadURL); err != nil {
			return nil, err
		}
		refs = append(refs, api.PageRef{
			PageNumber: page.entry.PageNumber,
			StrokeURL:  presigned.DownloadURL,
		})
	}
	return refs, nil
}

// objectFileName carries a timestamp so a retried upload lands under a new
// key instead of overwriting the object a previous commit may reference.
func (r *Reconciler) objectFileName(projectID string, pageNumber int) string {
	return fmt.Sprintf("project-%s-page-%d-%d.json", projectID, pageNumber, r.now().UnixNano())
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
