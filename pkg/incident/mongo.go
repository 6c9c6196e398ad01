package incident

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps incidents in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if database == "" {
		database = "beacon"
	}
	if collection == "" {
		collection = "incidents"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, storeError("open", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, storeError("open", err)
	}
	return &MongoStore{client: client, coll: client.Database(database).Collection(collection)}, nil
}

func (s *MongoStore) Log(ctx context.Context, in Incident) (Incident, error) {
	in = prepare(in)
	if _, err := s.coll.InsertOne(ctx, in); err != nil {
		return Incident{}, storeError("log", err)
	}
	return in, nil
}

func (s *MongoStore) List(ctx context.Context, limit int) ([]Incident, error) {
	opts := options.Find().SetSort(bson.D{{Key: "logged_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, storeError("list", err)
	}
	var out []Incident
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeError("list", err)
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return storeError("close", s.client.Disconnect(ctx))
}
