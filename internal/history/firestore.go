package history

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const historyCollection = "prompt_history"

// FirestoreStore keeps prompt history in one document per section, for
// deployments sharing history across machines.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(ctx context.Context, projectID, credentialsFile string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := firestore.NewClient(ctx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

type sectionDoc struct {
	Prompts []string `firestore:"prompts"`
}

func (s *FirestoreStore) Append(ctx context.Context, section, prompt string) error {
	if prompt == "" {
		return nil
	}

	ref := s.client.Collection(historyCollection).Doc(section)

	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var doc sectionDoc
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("failed to decode history: %w", err)
			}
		case status.Code(err) == codes.NotFound:
			// First prompt in this section.
		default:
			return err
		}

		return tx.Set(ref, map[string]any{
			"prompts": push(doc.Prompts, prompt),
		}, firestore.MergeAll)
	})
}

func (s *FirestoreStore) List(ctx context.Context, section string) ([]string, error) {
	snap, err := s.client.Collection(historyCollection).Doc(section).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}

	var doc sectionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return doc.Prompts, nil
}
