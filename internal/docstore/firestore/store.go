// Package firestore backs docstore.Store with Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gfs "cloud.google.com/go/firestore"
	"github.com/loqalabs/loqa-coach/internal/docstore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Store struct {
	client *gfs.Client
	log    *slog.Logger
}

// Open connects to projectID. An empty credentialsFile uses application
// default credentials; FIRESTORE_EMULATOR_HOST is honored by the client.
func Open(ctx context.Context, projectID, credentialsFile string, log *slog.Logger) (*Store, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gfs.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	log.Info("connected to firestore", slog.String("project", projectID))
	return &Store{client: client, log: log.With(slog.String("component", "docstore"))}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Query(ctx context.Context, collection string, filters ...docstore.Filter) ([]docstore.Document, error) {
	q := s.client.Collection(collection).Query
	for _, f := range filters {
		if err := docstore.ValidateField(f.Field); err != nil {
			return nil, err
		}
		q = q.Where(f.Field, "==", f.Value)
	}
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	docs := make([]docstore.Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, docstore.Document{ID: snap.Ref.ID, Fields: snap.Data()})
	}
	return docs, nil
}

func (s *Store) Create(ctx context.Context, collection string, fields docstore.Fields) (string, error) {
	ref, _, err := s.client.Collection(collection).Add(ctx, toFirestore(fields))
	if err != nil {
		return "", fmt.Errorf("create in %s: %w", collection, err)
	}
	return ref.ID, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	updates := make([]gfs.Update, 0, len(fields))
	for k, v := range toFirestore(fields) {
		updates = append(updates, gfs.Update{Path: k, Value: v})
	}
	_, err := s.client.Collection(collection).Doc(id).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes documents through a BulkWriter. Firestore deletes of missing
// documents succeed, so the count is the number of ids written.
func (s *Store) Delete(ctx context.Context, collection string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	bw := s.client.BulkWriter(ctx)
	jobs := make([]*gfs.BulkWriterJob, 0, len(ids))
	for _, id := range ids {
		job, err := bw.Delete(s.client.Collection(collection).Doc(id))
		if err != nil {
			bw.End()
			return 0, fmt.Errorf("delete %s/%s: %w", collection, id, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	var errs []error
	deleted := 0
	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", collection, ids[i], err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func toFirestore(fields docstore.Fields) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == docstore.ServerTimestamp {
			v = gfs.ServerTimestamp
		}
		out[k] = v
	}
	return out
}
