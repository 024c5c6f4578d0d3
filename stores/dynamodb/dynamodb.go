package dynamodb

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	appcache "github.com/pdenning/go-appcache"
	"github.com/pdenning/go-appcache/stores"
)

// Config defines the configuration options for the DynamoDB store implementation.
type Config struct {
	// ItemExpiration defines how long items remain valid in the table
	// regardless of generation membership. Pair the expired_at
	// attribute with a table TTL to have DynamoDB reclaim rows from
	// deployments that never activated.
	ItemExpiration time.Duration

	Table string
}

// Store implements the appcache.Store interface using Amazon DynamoDB
// as the storage backend. Items are keyed by generation (partition
// key) and url (sort key), with gob-encoded entry payloads.
type Store struct {
	client *dynamodb.Client

	table      string
	expiration time.Duration
	now        func() time.Time
}

type generation struct {
	store *Store
	name  string
}

type item struct {
	Generation string `json:"generation" dynamodbav:"generation"`
	URL        string `json:"url" dynamodbav:"url"`
	Payload    []byte `json:"payload" dynamodbav:"payload"`
	CreatedAt  int64  `json:"created_at" dynamodbav:"created_at"`
	ExpiredAt  int64  `json:"expired_at" dynamodbav:"expired_at"`
}

// Get retrieves an entry from DynamoDB by its key. Expired items are
// reported as absent.
func (g *generation) Get(ctx context.Context, key string) (*appcache.Entry, error) {
	av, err := itemKey(g.name, key)
	if err != nil {
		return nil, err
	}

	output, err := g.store.client.GetItem(ctx, &dynamodb.GetItemInput{
		Key:            av,
		ConsistentRead: aws.Bool(true),
		TableName:      aws.String(g.store.table),
	})
	if err != nil {
		return nil, err
	}

	if output.Item == nil {
		return nil, stores.ErrNoEntry
	}

	var i item
	if err := attributevalue.UnmarshalMap(output.Item, &i); err != nil {
		return nil, err
	}

	if g.store.now().UTC().Unix() >= i.ExpiredAt {
		return nil, stores.ErrNoEntry
	}

	var entry appcache.Entry
	if err := gobDecode(i.Payload, &entry); err != nil {
		return nil, err
	}

	return &entry, nil
}

// Put stores an entry in DynamoDB under the generation and key,
// replacing any previous item. It handles the serialization of the
// entry and sets the appropriate timestamps.
func (g *generation) Put(ctx context.Context, key string, e *appcache.Entry) error {
	createdAt := g.store.now()

	payload, err := gobEncode(e)
	if err != nil {
		return err
	}

	i := item{
		Generation: g.name,
		URL:        key,
		Payload:    payload,
		CreatedAt:  createdAt.Unix(),
		ExpiredAt:  createdAt.Add(g.store.expiration).Unix(),
	}

	av, err := attributevalue.MarshalMap(i)
	if err != nil {
		return err
	}

	input := dynamodb.PutItemInput{
		TableName: aws.String(g.store.table),
		Item:      av,
	}

	_, err = g.store.client.PutItem(ctx, &input)
	return err
}

func (s *Store) Open(_ context.Context, name string) (appcache.Generation, error) {
	return &generation{store: s, name: name}, nil
}

// List scans the table for the distinct generation names present.
func (s *Store) List(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}

	var startKey map[string]types.AttributeValue
	for {
		output, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.table),
			ProjectionExpression:     aws.String("#g"),
			ExpressionAttributeNames: map[string]string{"#g": "generation"},
			ExclusiveStartKey:        startKey,
		})
		if err != nil {
			return nil, err
		}

		for _, it := range output.Items {
			var i item
			if err := attributevalue.UnmarshalMap(it, &i); err != nil {
				return nil, err
			}
			seen[i.Generation] = true
		}

		if output.LastEvaluatedKey == nil {
			break
		}
		startKey = output.LastEvaluatedKey
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names, nil
}

// Delete removes every item belonging to the named generation. A
// generation with no items deletes nothing and returns nil.
func (s *Store) Delete(ctx context.Context, name string) error {
	var startKey map[string]types.AttributeValue
	for {
		output, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			KeyConditionExpression:    aws.String("#g = :g"),
			ProjectionExpression:      aws.String("#g, #u"),
			ExpressionAttributeNames:  map[string]string{"#g": "generation", "#u": "url"},
			ExpressionAttributeValues: map[string]types.AttributeValue{":g": &types.AttributeValueMemberS{Value: name}},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return err
		}

		if err := s.deleteItems(ctx, output.Items); err != nil {
			return err
		}

		if output.LastEvaluatedKey == nil {
			return nil
		}
		startKey = output.LastEvaluatedKey
	}
}

// deleteItems issues BatchWriteItem calls in chunks of 25, the
// DynamoDB batch limit.
func (s *Store) deleteItems(ctx context.Context, items []map[string]types.AttributeValue) error {
	const batchMax = 25

	for len(items) > 0 {
		n := min(batchMax, len(items))

		requests := make([]types.WriteRequest, 0, n)
		for _, it := range items[:n] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: it},
			})
		}
		items = items[n:]

		_, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: requests},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func itemKey(name, key string) (map[string]types.AttributeValue, error) {
	gen, err := attributevalue.Marshal(name)
	if err != nil {
		return nil, err
	}
	url, err := attributevalue.Marshal(key)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		"generation": gen,
		"url":        url,
	}, nil
}

// New creates a new DynamoDB store instance with the provided
// configuration. It validates the configuration and sets default
// values where appropriate. Returns an error if the client is nil or
// if the configuration is invalid.
func New(client *dynamodb.Client, config *Config) (*Store, error) {
	if client == nil {
		return nil, stores.ValidationError{
			Reason: "nil client",
		}
	}
	if config == nil || config.Table == "" {
		return nil, stores.ValidationError{
			Reason: "missing table name",
		}
	}

	var itemExpiration time.Duration
	if config.ItemExpiration == 0 {
		itemExpiration = stores.DefaultEntryExpiration
	} else {
		itemExpiration = config.ItemExpiration
	}

	return &Store{
		client: client,

		table:      config.Table,
		expiration: itemExpiration,
		now:        time.Now,
	}, nil
}
