// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultMongoDatabase = "mongoproxy"

var _ Ledger = (*Mongo)(nil)

// Mongo is a Ledger stored in a MongoDB collection with a unique index on ip.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongo connects to uri and ensures the unique index on ip exists. The
// database is taken from the URI path and defaults to "mongoproxy".
func NewMongo(ctx context.Context, uri, collection string) (*Mongo, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("mongo ledger: %w", err)
	}
	database := strings.TrimPrefix(u.Path, "/")
	if database == "" {
		database = defaultMongoDatabase
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo ledger connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo connection failed: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "ip", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("ip_unique"),
	}
	if _, err := coll.Indexes().CreateOne(connectCtx, index); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ledger index: %w", err)
	}

	return &Mongo{client: client, coll: coll}, nil
}

// Upsert implements Ledger.
func (m *Mongo) Upsert(ctx context.Context, ip string, seen time.Time) error {
	if err := validateIP(ip); err != nil {
		return err
	}
	filter := bson.D{{Key: "ip", Value: ip}}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "count", Value: int64(1)}}},
		{Key: "$min", Value: bson.D{{Key: "first_seen", Value: seen}}},
		{Key: "$max", Value: bson.D{{Key: "last_seen", Value: seen}}},
	}
	opts := options.Update().SetUpsert(true)

	_, err := m.coll.UpdateOne(ctx, filter, update, opts)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced to insert the same ip; the loser now finds the
		// document and applies a plain update.
		_, err = m.coll.UpdateOne(ctx, filter, update, opts)
	}
	if err != nil {
		return fmt.Errorf("mongo ledger upsert: %w", err)
	}
	return nil
}

// Get implements Ledger.
func (m *Mongo) Get(ctx context.Context, ip string) (Record, error) {
	var rec Record
	err := m.coll.FindOne(ctx, bson.D{{Key: "ip", Value: ip}}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("mongo ledger get: %w", err)
	}
	return rec, nil
}

// List implements Ledger.
func (m *Mongo) List(ctx context.Context, limit int) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "last_seen", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := m.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo ledger list: %w", err)
	}
	var out []Record
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongo ledger list: %w", err)
	}
	return out, nil
}

// Ping implements Ledger.
func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close implements Ledger.
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
