package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	assetcache "github.com/dgduncan/go-asset-cache"
	"github.com/dgduncan/go-asset-cache/caches"
)

const (
	attrStore = "store"
	attrURL   = "url"

	// markerURL is the sort key of the row that records a store's existence, so that
	// empty stores are listed too. Real keys are absolute URLs and never collide.
	markerURL = "#"

	maxBatchAttempts = 5
)

// Client is the subset of the DynamoDB API the storage uses. *dynamodb.Client
// satisfies it.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Config defines the configuration options for the DynamoDB storage implementation.
type Config struct {
	// Table must have a string partition key "store" and a string sort key "url".
	Table string
}

// Storage implements the assetcache.Storage interface using Amazon DynamoDB. Every
// store is a partition of one table.
type Storage struct {
	client Client

	table string
	now   func() time.Time
}

// Cache is one store (partition) inside a Storage.
type Cache struct {
	client Client

	table string
	store string
	now   func() time.Time
}

type cacheItem struct {
	Store     string `json:"store" dynamodbav:"store"`
	URL       string `json:"url" dynamodbav:"url"`
	Response  []byte `json:"response" dynamodbav:"response,omitempty"`
	CreatedAt int64  `json:"created_at" dynamodbav:"created_at,omitempty"`
	UpdatedAt int64  `json:"updated_at" dynamodbav:"updated_at,omitempty"`
}

func itemKey(store, url string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrStore: &types.AttributeValueMemberS{Value: store},
		attrURL:   &types.AttributeValueMemberS{Value: url},
	}
}

// Open writes the store's marker row unless it already exists.
func (s *Storage) Open(ctx context.Context, name string) (assetcache.Cache, error) {
	av, err := attributevalue.MarshalMap(cacheItem{
		Store:     name,
		URL:       markerURL,
		CreatedAt: s.now().UTC().Unix(),
	})
	if err != nil {
		return nil, err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#s)"),
		ExpressionAttributeNames: map[string]string{"#s": attrStore},
	})

	var exists *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &exists) {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}

	return &Cache{client: s.client, table: s.table, store: name, now: s.now}, nil
}

// Keys scans the marker rows.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.table),
		FilterExpression:         aws.String("#u = :marker"),
		ProjectionExpression:     aws.String("#s, #u"),
		ExpressionAttributeNames: map[string]string{"#s": attrStore, "#u": attrURL},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":marker": &types.AttributeValueMemberS{Value: markerURL},
		},
	})

	var names []string
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan stores: %w", err)
		}

		var items []cacheItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			names = append(names, it.Store)
		}
	}

	sort.Strings(names)
	return names, nil
}

// Delete removes every row of the store's partition, marker included.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		KeyConditionExpression:   aws.String("#s = :store"),
		ProjectionExpression:     aws.String("#s, #u"),
		ExpressionAttributeNames: map[string]string{"#s": attrStore, "#u": attrURL},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":store": &types.AttributeValueMemberS{Value: name},
		},
	})

	var requests []types.WriteRequest
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return false, fmt.Errorf("query store %s: %w", name, err)
		}
		for _, it := range out.Items {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						attrStore: it[attrStore],
						attrURL:   it[attrURL],
					},
				},
			})
		}
	}

	for start := 0; start < len(requests); start += caches.DefaultBatchSize {
		end := min(start+caches.DefaultBatchSize, len(requests))
		if err := s.batchWrite(ctx, requests[start:end]); err != nil {
			return false, fmt.Errorf("delete store %s: %w", name, err)
		}
	}

	return len(requests) > 0, nil
}

func (s *Storage) batchWrite(ctx context.Context, requests []types.WriteRequest) error {
	pending := requests
	for attempt := 0; attempt < maxBatchAttempts && len(pending) > 0; attempt++ {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: pending},
		})
		if err != nil {
			return err
		}
		pending = out.UnprocessedItems[s.table]
	}

	if len(pending) > 0 {
		return fmt.Errorf("%d delete requests left unprocessed", len(pending))
	}
	return nil
}

// Get retrieves a cache item from DynamoDB by its key.
// Returns caches.ErrNoCacheItem if the item doesn't exist.
func (c *Cache) Get(ctx context.Context, k string) (*assetcache.CacheItem, error) {
	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            itemKey(c.store, k),
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(c.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, caches.ErrNoCacheItem
	}

	var item cacheItem
	if err := attributevalue.UnmarshalMap(output.Item, &item); err != nil {
		return nil, err
	}

	var ci assetcache.CacheItem
	if err := caches.GobDecode(item.Response, &ci); err != nil {
		return nil, err
	}

	return &ci, nil
}

// Set stores a cache item in DynamoDB, replacing any existing one for the key. The
// write is conditional on the store's marker row, so it returns
// caches.ErrStoreMissing once the store has been deleted.
func (c *Cache) Set(ctx context.Context, k string, v *assetcache.CacheItem) error {
	now := c.now().UTC().Unix()

	encItem, err := caches.GobEncode(v)
	if err != nil {
		return err
	}

	av, err := attributevalue.MarshalMap(cacheItem{
		Store:     c.store,
		URL:       k,
		Response:  encItem,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}

	_, err = c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:                aws.String(c.table),
					Key:                      itemKey(c.store, markerURL),
					ConditionExpression:      aws.String("attribute_exists(#s)"),
					ExpressionAttributeNames: map[string]string{"#s": attrStore},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.table),
					Item:      av,
				},
			},
		},
	})

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) && markerMissing(canceled) {
		return caches.ErrStoreMissing
	}
	return err
}

// markerMissing reports whether the marker condition check is what cancelled the
// transaction.
func markerMissing(e *types.TransactionCanceledException) bool {
	if len(e.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(e.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

// New creates a new DynamoDB storage with the provided configuration.
// Returns an error if the client is nil or if the configuration is invalid.
func New(_ context.Context, client Client, config *Config) (*Storage, error) {
	if client == nil {
		return nil, caches.ValidationError{
			Reason: "nil client",
		}
	}

	if config == nil || config.Table == "" {
		return nil, caches.ValidationError{
			Reason: "empty table name",
		}
	}

	return &Storage{
		client: client,

		table: config.Table,
		now:   time.Now,
	}, nil
}
