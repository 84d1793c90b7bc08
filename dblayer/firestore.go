package dblayer

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const tracerName = "organizer/dblayer"

// Firestore is a Store backed by Cloud Firestore.
type Firestore struct {
	firestoreClient *firestore.Client
}

func NewFirestore(firestoreClient *firestore.Client) *Firestore {
	return &Firestore{
		firestoreClient: firestoreClient,
	}
}

type firestoreSnapshot struct {
	id   string
	snap *firestore.DocumentSnapshot
}

func (s *firestoreSnapshot) ID() string {
	return s.id
}

func (s *firestoreSnapshot) Exists() bool {
	return s.snap != nil && s.snap.Exists()
}

func (s *firestoreSnapshot) DataTo(v interface{}) error {
	if !s.Exists() {
		return ErrNotFound
	}
	return s.snap.DataTo(v)
}

func (s *firestoreSnapshot) UpdateTime() time.Time {
	if s.snap == nil {
		return time.Time{}
	}
	return s.snap.UpdateTime
}

func wrapSnapshot(id string, snap *firestore.DocumentSnapshot, err error) (Snapshot, error) {
	if err != nil {
		if status.Code(err) == grpccodes.NotFound {
			return &firestoreSnapshot{id: id}, nil
		}
		return nil, err
	}
	return &firestoreSnapshot{id: id, snap: snap}, nil
}

func startSpan(ctx context.Context, name, collection, id string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	span.SetAttributes(attribute.String("collection", collection), attribute.String("id", id))
	return ctx, span
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

func (f *Firestore) Get(ctx context.Context, collection, id string) (_ Snapshot, err error) {
	ctx, span := startSpan(ctx, "Firestore.Get", collection, id)
	defer func() { endSpan(span, err) }()

	docSnap, err := f.firestoreClient.Collection(collection).Doc(id).Get(ctx)
	snap, err := wrapSnapshot(id, docSnap, err)
	if err != nil {
		return nil, fmt.Errorf("while retrieving %s/%s: %w", collection, id, err)
	}
	return snap, nil
}

func (f *Firestore) List(ctx context.Context, collection string) (_ []Snapshot, err error) {
	ctx, span := startSpan(ctx, "Firestore.List", collection, "")
	defer func() { endSpan(span, err) }()

	snaps := []Snapshot{}
	docIter := f.firestoreClient.Collection(collection).Documents(ctx)
	defer docIter.Stop()
	for {
		docSnap, err := docIter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating %s: %w", collection, err)
		}
		snaps = append(snaps, &firestoreSnapshot{id: docSnap.Ref.ID, snap: docSnap})
	}
	return snaps, nil
}

func (f *Firestore) Create(ctx context.Context, collection, id string, data interface{}) (err error) {
	ctx, span := startSpan(ctx, "Firestore.Create", collection, id)
	defer func() { endSpan(span, err) }()

	if _, err := f.firestoreClient.Collection(collection).Doc(id).Create(ctx, data); err != nil {
		if status.Code(err) == grpccodes.AlreadyExists {
			return ErrAlreadyExists
		}
		return fmt.Errorf("while creating %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Set(ctx context.Context, collection, id string, data interface{}) (err error) {
	ctx, span := startSpan(ctx, "Firestore.Set", collection, id)
	defer func() { endSpan(span, err) }()

	if _, err := f.firestoreClient.Collection(collection).Doc(id).Set(ctx, data); err != nil {
		return fmt.Errorf("while writing %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) Delete(ctx context.Context, collection, id string) (err error) {
	ctx, span := startSpan(ctx, "Firestore.Delete", collection, id)
	defer func() { endSpan(span, err) }()

	if _, err := f.firestoreClient.Collection(collection).Doc(id).Delete(ctx); err != nil {
		return fmt.Errorf("while deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

func (f *Firestore) RunTransaction(ctx context.Context, fn func(context.Context, Tx) error) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Firestore.RunTransaction")
	defer func() { endSpan(span, err) }()

	return f.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		return fn(ctx, &firestoreTx{client: f.firestoreClient, txn: txn})
	})
}

type firestoreTx struct {
	client *firestore.Client
	txn    *firestore.Transaction
}

func (t *firestoreTx) Get(collection, id string) (Snapshot, error) {
	docSnap, err := t.txn.Get(t.client.Collection(collection).Doc(id))
	snap, err := wrapSnapshot(id, docSnap, err)
	if err != nil {
		return nil, fmt.Errorf("while reading %s/%s: %w", collection, id, err)
	}
	return snap, nil
}

func (t *firestoreTx) Create(collection, id string, data interface{}) error {
	return t.txn.Create(t.client.Collection(collection).Doc(id), data)
}

func (t *firestoreTx) Set(collection, id string, data interface{}) error {
	return t.txn.Set(t.client.Collection(collection).Doc(id), data)
}

func (t *firestoreTx) Update(collection, id string, updates ...FieldUpdate) error {
	fsUpdates := make([]firestore.Update, 0, len(updates))
	for _, u := range updates {
		fsUpdates = append(fsUpdates, firestore.Update{Path: u.Path, Value: u.Value})
	}
	return t.txn.Update(t.client.Collection(collection).Doc(id), fsUpdates)
}

func (t *firestoreTx) Delete(collection, id string) error {
	return t.txn.Delete(t.client.Collection(collection).Doc(id))
}

func (f *Firestore) Subscribe(ctx context.Context, collection, id string, onData func(Snapshot), onError func(error)) func() {
	ctx, cancel := context.WithCancel(ctx)
	snapIter := f.firestoreClient.Collection(collection).Doc(id).Snapshots(ctx)

	go func() {
		defer snapIter.Stop()
		for {
			docSnap, err := snapIter.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == grpccodes.Canceled {
					return
				}
				onError(fmt.Errorf("while listening to %s/%s: %w", collection, id, err))
				return
			}
			if !docSnap.Exists() {
				onData(nil)
				continue
			}
			onData(&firestoreSnapshot{id: id, snap: docSnap})
		}
	}()

	return cancel
}

func (f *Firestore) SubscribeIn(ctx context.Context, collection string, ids []string, onData func([]Snapshot), onError func(error)) func() {
	if len(ids) > MaxInQuery {
		go onError(fmt.Errorf("%w: %d > %d", ErrTooManyIDs, len(ids), MaxInQuery))
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)

	coll := f.firestoreClient.Collection(collection)
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, coll.Doc(id))
	}
	queryIter := coll.Where(firestore.DocumentID, "in", refs).Snapshots(ctx)

	go func() {
		defer queryIter.Stop()
		for {
			querySnap, err := queryIter.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == grpccodes.Canceled {
					return
				}
				onError(fmt.Errorf("while listening to %s in-query: %w", collection, err))
				return
			}

			docSnaps, err := querySnap.Documents.GetAll()
			if err != nil {
				onError(fmt.Errorf("while reading %s in-query results: %w", collection, err))
				return
			}

			snaps := make([]Snapshot, 0, len(docSnaps))
			for _, docSnap := range docSnaps {
				snaps = append(snaps, &firestoreSnapshot{id: docSnap.Ref.ID, snap: docSnap})
			}
			onData(snaps)
		}
	}()

	return cancel
}
