//go:build !integration

package dynamodb

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	assetcache "github.com/dgduncan/go-asset-cache"
	"github.com/dgduncan/go-asset-cache/caches"
)

// fakeClient keeps items in memory keyed by store and url. It only understands the
// expressions the storage sends.
type fakeClient struct {
	mu    sync.Mutex
	items map[string]map[string]map[string]types.AttributeValue

	batchCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func str(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	item := f.items[str(in.Key[attrStore])][str(in.Key[attrURL])]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	store, url := str(in.Item[attrStore]), str(in.Item[attrURL])
	if f.items[store] == nil {
		f.items[store] = make(map[string]map[string]types.AttributeValue)
	}
	if in.ConditionExpression != nil {
		if _, exists := f.items[store][url]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
		}
	}
	f.items[store][url] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i].Code = aws.String("None")
		if cc := ti.ConditionCheck; cc != nil {
			if _, exists := f.items[str(cc.Key[attrStore])][str(cc.Key[attrURL])]; !exists {
				reasons[i].Code = aws.String("ConditionalCheckFailed")
				failed = true
			}
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		if ti.Put == nil {
			continue
		}
		store, url := str(ti.Put.Item[attrStore]), str(ti.Put.Item[attrURL])
		if f.items[store] == nil {
			f.items[store] = make(map[string]map[string]types.AttributeValue)
		}
		f.items[store][url] = ti.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]types.AttributeValue
	for _, item := range f.items[str(in.ExpressionAttributeValues[":store"])] {
		out = append(out, item)
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeClient) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	marker := str(in.ExpressionAttributeValues[":marker"])
	var out []map[string]types.AttributeValue
	for _, urls := range f.items {
		if item, ok := urls[marker]; ok {
			out = append(out, item)
		}
	}
	return &dynamodb.ScanOutput{Items: out}, nil
}

func (f *fakeClient) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls++
	for _, reqs := range in.RequestItems {
		if len(reqs) > 25 {
			return nil, errors.New("too many items in batch")
		}
		for _, r := range reqs {
			store, url := str(r.DeleteRequest.Key[attrStore]), str(r.DeleteRequest.Key[attrURL])
			delete(f.items[store], url)
			if len(f.items[store]) == 0 {
				delete(f.items, store)
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func TestNewDynamoDBStorage(t *testing.T) {
	tests := []struct {
		name          string
		client        Client
		config        *Config
		expectedTable string
		expectedErr   error
	}{
		{
			name:        "nil client returns error",
			client:      nil,
			config:      &Config{Table: "test-table"},
			expectedErr: caches.ErrValidation,
		},
		{
			name:        "nil config returns error",
			client:      newFakeClient(),
			config:      nil,
			expectedErr: caches.ErrValidation,
		},
		{
			name:        "empty table returns error",
			client:      newFakeClient(),
			config:      &Config{},
			expectedErr: caches.ErrValidation,
		},
		{
			name:          "valid config",
			client:        newFakeClient(),
			config:        &Config{Table: "test-table"},
			expectedTable: "test-table",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(context.Background(), tt.client, tt.config)

			if tt.expectedErr != nil {
				assert.True(t, errors.Is(err, tt.expectedErr), "expected %v, got %v", tt.expectedErr, err)
				assert.Nil(t, s)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedTable, s.table)
		})
	}
}

func TestStorageLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()

	s, err := New(ctx, client, &Config{Table: "assets"})
	require.NoError(t, err)

	for _, name := range []string{"static-v1.0.1", "static-v1.0.0", "other-cache"} {
		_, err := s.Open(ctx, name)
		require.NoError(t, err)
	}

	// reopening an existing store is not an error
	c, err := s.Open(ctx, "static-v1.0.0")
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		key := "https://example.com/img/" + string(rune('a'+i%26)) + string(rune('a'+i/26)) + ".png"
		require.NoError(t, c.Set(ctx, key, &assetcache.CacheItem{URL: key}))
	}

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-cache", "static-v1.0.0", "static-v1.0.1"}, names)

	found, err := s.Delete(ctx, "static-v1.0.0")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, client.batchCalls)

	found, err = s.Delete(ctx, "static-v1.0.0")
	require.NoError(t, err)
	assert.False(t, found)

	names, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other-cache", "static-v1.0.1"}, names)
}

func TestCacheGetSet(t *testing.T) {
	ctx := context.Background()

	s, err := New(ctx, newFakeClient(), &Config{Table: "assets"})
	require.NoError(t, err)

	c, err := s.Open(ctx, "static-v1.0.1")
	require.NoError(t, err)

	_, err = c.Get(ctx, "https://example.com/splash.css")
	assert.True(t, errors.Is(err, caches.ErrNoCacheItem))

	require.NoError(t, c.Set(ctx, "https://example.com/splash.css", &assetcache.CacheItem{
		URL:      "https://example.com/splash.css",
		ETAG:     `"abc"`,
		Response: []byte("HTTP/1.1 200 OK\r\n\r\nbody"),
	}))

	item, err := c.Get(ctx, "https://example.com/splash.css")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, item.ETAG)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\nbody", string(item.Response))
}

func TestCacheSetAfterDelete(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()

	s, err := New(ctx, client, &Config{Table: "assets"})
	require.NoError(t, err)

	c, err := s.Open(ctx, "static-v1.0.0")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "https://example.com/splash.css", &assetcache.CacheItem{}))

	found, err := s.Delete(ctx, "static-v1.0.0")
	require.NoError(t, err)
	require.True(t, found)

	err = c.Set(ctx, "https://example.com/splash.css", &assetcache.CacheItem{})
	assert.True(t, errors.Is(err, caches.ErrStoreMissing), "got %v", err)

	client.mu.Lock()
	_, recreated := client.items["static-v1.0.0"]
	client.mu.Unlock()
	assert.False(t, recreated, "a late write must not recreate the partition")

	names, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
