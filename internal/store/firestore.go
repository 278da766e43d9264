package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"cloud.google.com/go/firestore"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"

	"github.com/yourorg/mortgage-refi-engine/internal/model"
)

// RateHistoryCollection is the root collection of the hosted rate history.
// Observations live under rate_history/{index}/points/{YYYY-MM-DD}.
const RateHistoryCollection = "rate_history"

// pointDoc is the stored form of an observation. Dates are ISO strings so
// lexical order matches chronological order.
type pointDoc struct {
	Date  string  `firestore:"date"`
	Value float64 `firestore:"value"`
}

// FirestoreStore reads rate history from Firestore
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore connects to the given project
func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, errors.New("firestore project id is required")
	}
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreStoreFromClient(client), nil
}

// NewFirestoreStoreFromClient wraps an existing client
func NewFirestoreStoreFromClient(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// Close releases the client
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) points(index string) *firestore.CollectionRef {
	return s.client.Collection(RateHistoryCollection).Doc(indexDocID(index)).Collection("points")
}

// indexDocID maps an index name to a valid document id
func indexDocID(index string) string {
	return strings.ReplaceAll(index, "/", "_")
}

// LatestAtOrBefore implements ratehistory.Lookup
func (s *FirestoreStore) LatestAtOrBefore(ctx context.Context, index string, date civil.Date) (model.RatePoint, bool, error) {
	iter := s.points(index).
		Where("date", "<=", date.String()).
		OrderBy("date", firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return model.RatePoint{}, false, nil
	}
	if err != nil {
		return model.RatePoint{}, false, fmt.Errorf("failed to query rate history: %w", err)
	}

	var stored pointDoc
	if err := doc.DataTo(&stored); err != nil {
		return model.RatePoint{}, false, fmt.Errorf("failed to decode rate observation %s: %w", doc.Ref.ID, err)
	}
	observed, err := civil.ParseDate(stored.Date)
	if err != nil {
		return model.RatePoint{}, false, fmt.Errorf("invalid date in rate observation %s: %w", doc.Ref.ID, err)
	}

	return model.RatePoint{Date: observed, Value: stored.Value}, true, nil
}

// Put writes observations for an index, one document per date
func (s *FirestoreStore) Put(ctx context.Context, index string, points []model.RatePoint) error {
	coll := s.points(index)
	for _, p := range points {
		doc := pointDoc{Date: p.Date.String(), Value: p.Value}
		if _, err := coll.Doc(doc.Date).Set(ctx, doc); err != nil {
			return fmt.Errorf("failed to store rate observation %s: %w", doc.Date, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"index":  index,
		"points": len(points),
	}).Info("Stored rate observations in Firestore")
	return nil
}
