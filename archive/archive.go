// Package archive exports pinned-checklist parent documents to GCS and
// restores them.
//
// Each export is a new object; exports are never overwritten.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"
	"organizer/mutation"

	"cloud.google.com/go/storage"
	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

const keyPrefix = "archives/pinnedChecklists/"

var (
	ErrObjectExists   = errors.New("archive object already exists")
	ErrObjectNotFound = errors.New("archive object not found")
	ErrNothingToSave  = errors.New("owner has no pinned checklists document")
)

// Objects is a flat object namespace.
type Objects interface {
	// Create writes a new object, failing with ErrObjectExists if name is
	// taken.  It returns the generation of the new object.
	Create(ctx context.Context, name string, data []byte) (int64, error)
	Read(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// GCS stores objects in a Cloud Storage bucket.
type GCS struct {
	gcs    *storage.Client
	bucket string
}

func NewGCS(gcs *storage.Client, bucket string) *GCS {
	return &GCS{
		gcs:    gcs,
		bucket: bucket,
	}
}

func (g *GCS) Create(ctx context.Context, name string, data []byte) (int64, error) {
	obj := g.gcs.Bucket(g.bucket).Object(name)

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"

	// Disable chunking.  Exports are small.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		w.Close()
		return 0, fmt.Errorf("while writing to object writer: %w", err)
	}

	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return 0, ErrObjectExists
		}
		return 0, fmt.Errorf("while closing object writer: %w", err)
	}

	return w.Attrs().Generation, nil
}

func (g *GCS) Read(ctx context.Context, name string) ([]byte, error) {
	r, err := g.gcs.Bucket(g.bucket).Object(name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("while opening reader for object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("while reading from object: %w", err)
	}
	return data, nil
}

func (g *GCS) List(ctx context.Context, prefix string) ([]string, error) {
	it := g.gcs.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while listing objects: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// Export is the stored form of one pinned-checklists document.
type Export struct {
	OwnerType  mutation.OwnerType          `json:"ownerType"`
	OwnerID    string                      `json:"ownerId"`
	ExportedAt time.Time                   `json:"exportedAt"`
	Doc        dbtypes.PinnedChecklistsDoc `json:"doc"`
}

func (e *Export) Owner() mutation.Owner {
	if e.OwnerType == mutation.OwnerGroup {
		return mutation.Group(e.OwnerID)
	}
	return mutation.Personal(e.OwnerID)
}

// Archiver moves pinned checklists between the document store and an
// object store.
type Archiver struct {
	store   dblayer.Store
	objects Objects
	now     func() time.Time
}

func New(store dblayer.Store, objects Objects) *Archiver {
	return &Archiver{
		store:   store,
		objects: objects,
		now:     time.Now,
	}
}

func objectName(owner mutation.Owner, at time.Time) string {
	return path.Join(keyPrefix, string(owner.Type), owner.Key(), strconv.FormatInt(at.UnixNano(), 10)+".json")
}

func tracer() trace.Tracer {
	return otel.Tracer("organizer/archive")
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Export writes the owner's current pinned checklists to a new object and
// returns its name.
func (a *Archiver) Export(ctx context.Context, owner mutation.Owner) (name string, err error) {
	ctx, span := tracer().Start(ctx, "Archiver.Export")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("owner", owner.String()))

	snap, err := a.store.Get(ctx, dbtypes.PinnedChecklistsCollection, owner.Key())
	if err != nil {
		return "", fmt.Errorf("while reading pinned checklists of %v: %w", owner, err)
	}
	if !snap.Exists() {
		return "", fmt.Errorf("%v: %w", owner, ErrNothingToSave)
	}

	ex := &Export{
		OwnerType:  owner.Type,
		OwnerID:    owner.Key(),
		ExportedAt: a.now(),
	}
	if err := snap.DataTo(&ex.Doc); err != nil {
		return "", fmt.Errorf("while decoding pinned checklists of %v: %w", owner, err)
	}

	data, err := json.Marshal(ex)
	if err != nil {
		return "", fmt.Errorf("while marshaling export: %w", err)
	}

	name = objectName(owner, ex.ExportedAt)
	gen, err := a.objects.Create(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("while creating archive object %q: %w", name, err)
	}

	glog.Infof("Exported %d pinned checklists of %v to %s (generation %d)", len(ex.Doc.Pinned), owner, name, gen)
	return name, nil
}

// Load reads back an export without touching the document store.
func (a *Archiver) Load(ctx context.Context, name string) (*Export, error) {
	data, err := a.objects.Read(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("while reading archive object %q: %w", name, err)
	}
	ex := &Export{}
	if err := json.Unmarshal(data, ex); err != nil {
		return nil, fmt.Errorf("while unmarshaling archive object %q: %w", name, err)
	}
	if ex.OwnerID == "" {
		return nil, fmt.Errorf("archive object %q has no owner", name)
	}
	return ex, nil
}

// Restore replaces the owner's pinned checklists with the contents of the
// named export.
func (a *Archiver) Restore(ctx context.Context, name string) (err error) {
	ctx, span := tracer().Start(ctx, "Archiver.Restore")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.String("object", name))

	ex, err := a.Load(ctx, name)
	if err != nil {
		return err
	}
	owner := ex.Owner()

	doc := ex.Doc
	for i := range doc.Pinned {
		doc.Pinned[i] = doc.Pinned[i].Sanitized()
	}
	doc.UpdatedAt = a.now()

	err = a.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		return tx.Set(dbtypes.PinnedChecklistsCollection, owner.Key(), &doc)
	})
	if err != nil {
		return fmt.Errorf("while restoring pinned checklists of %v: %w", owner, err)
	}

	glog.Infof("Restored %d pinned checklists of %v from %s", len(doc.Pinned), owner, name)
	return nil
}

// List returns the names of the owner's exports, oldest first.
func (a *Archiver) List(ctx context.Context, owner mutation.Owner) ([]string, error) {
	prefix := path.Join(keyPrefix, string(owner.Type), owner.Key()) + "/"
	names, err := a.objects.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
