package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"inbox-memory/internal/domain"
)

const (
	pkPrefixNS  = "NS#"
	skPrefixKey = "KEY#"
	skPrefixLck = "LOCK#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Client stores memory records in a single DynamoDB table keyed by
// PK=NS#<namespace>, SK=KEY#<key>.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func nsPK(namespace string) string {
	return pkPrefixNS + namespace
}

func keySK(key string) string {
	return skPrefixKey + key
}

func itemKey(namespace, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: nsPK(namespace)},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

// Get returns the record for (namespace, key), or nil when none exists.
func (c *Client) Get(ctx context.Context, namespace, key string) (*domain.MemoryRecord, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(namespace, keySK(key)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Get get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	rec, err := itemToRecord(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return &rec, nil
}

// Upsert writes or replaces the record. Writing the same record twice is a no-op
// apart from updatedAt.
func (c *Client) Upsert(ctx context.Context, rec domain.MemoryRecord) error {
	if rec.Namespace == "" || rec.Key == "" {
		return errors.New("repository: Upsert: namespace and key are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      recordItem(rec, c.now()),
	})
	if err != nil {
		return fmt.Errorf("repository: Upsert: %w", err)
	}
	return nil
}

// List returns every record in namespace ordered by key.
func (c *Client) List(ctx context.Context, namespace string) ([]domain.MemoryRecord, error) {
	var (
		recs  []domain.MemoryRecord
		start map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: nsPK(namespace)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixKey},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: List query: %w", err)
		}
		for _, item := range out.Items {
			rec, err := itemToRecord(item)
			if err != nil {
				return nil, fmt.Errorf("repository: List unmarshal: %w", err)
			}
			recs = append(recs, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return recs, nil
		}
		start = out.LastEvaluatedKey
	}
}

func recordItem(rec domain.MemoryRecord, now time.Time) map[string]types.AttributeValue {
	item := itemKey(rec.Namespace, keySK(rec.Key))
	item["namespace"] = &types.AttributeValueMemberS{Value: rec.Namespace}
	item["memoryKey"] = &types.AttributeValueMemberS{Value: rec.Key}
	item["category"] = &types.AttributeValueMemberS{Value: string(rec.Category)}
	item["valueKind"] = &types.AttributeValueMemberS{Value: string(rec.Value.Kind)}
	item["confidence"] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(rec.Confidence, 'f', -1, 64)}
	item["lastUpdatedFrom"] = &types.AttributeValueMemberS{Value: rec.LastUpdatedFrom}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)}
	if rec.Value.Kind == domain.ValueStructured {
		item["valueData"] = &types.AttributeValueMemberS{Value: string(rec.Value.Data)}
	} else {
		item["valueText"] = &types.AttributeValueMemberS{Value: rec.Value.Text}
	}
	return item
}

// itemToRecord converts a DynamoDB attribute map to a MemoryRecord.
func itemToRecord(item map[string]types.AttributeValue) (domain.MemoryRecord, error) {
	namespace, err := strAttr(item, "namespace")
	if err != nil {
		return domain.MemoryRecord{}, err
	}
	key, err := strAttr(item, "memoryKey")
	if err != nil {
		return domain.MemoryRecord{}, err
	}
	category, _ := strAttr(item, "category")         // allow empty
	from, _ := strAttr(item, "lastUpdatedFrom")      // allow empty
	confidence, err := floatAttr(item, "confidence") // allow missing
	if err != nil && !errors.Is(err, errMissingAttr) {
		return domain.MemoryRecord{}, err
	}

	var value domain.Value
	kind, _ := strAttr(item, "valueKind")
	if domain.ValueKind(kind) == domain.ValueStructured {
		data, err := strAttr(item, "valueData")
		if err != nil {
			return domain.MemoryRecord{}, err
		}
		value = domain.StructuredValue(json.RawMessage(data))
	} else {
		text, err := strAttr(item, "valueText")
		if err != nil {
			return domain.MemoryRecord{}, err
		}
		value = domain.TextValue(text)
	}

	return domain.MemoryRecord{
		Namespace:       namespace,
		Key:             key,
		Category:        domain.Category(category),
		Value:           value,
		Confidence:      confidence,
		LastUpdatedFrom: from,
	}, nil
}

var errMissingAttr = errors.New("repository: missing attribute")

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("%w %q", errMissingAttr, key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func floatAttr(item map[string]types.AttributeValue, key string) (float64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("%w %q", errMissingAttr, key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
