package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"inbox-memory/internal/domain"
)

// fakeDynamo is safe for concurrent use so lease renewal can run against it.
type fakeDynamo struct {
	mu           sync.Mutex
	getOut       *dynamodb.GetItemOutput
	getErr       error
	putErrs      []error
	putErr       error
	putCalls     int
	queryOuts    []*dynamodb.QueryOutput
	queryErr     error
	queryCalls   int
	deleteErr    error
	lastGetInput *dynamodb.GetItemInput
	lastPutInput *dynamodb.PutItemInput
	lastQueryIns []*dynamodb.QueryInput
	lastDeleteIn *dynamodb.DeleteItemInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastGetInput = in
	return f.getOut, f.getErr
}

// PutItem returns putErrs in order, then putErr for every later call.
func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPutInput = in
	f.putCalls++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		return &dynamodb.PutItemOutput{}, err
	}
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQueryIns = append(f.lastQueryIns, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryCalls >= len(f.queryOuts) {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[f.queryCalls]
	f.queryCalls++
	return out, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDeleteIn = in
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

// puts returns the PutItem call count and the most recent input.
func (f *fakeDynamo) puts() (int, *dynamodb.PutItemInput) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putCalls, f.lastPutInput
}

func makeTextItem(namespace, key, text string, confidence string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: nsPK(namespace)},
		"SK":              &types.AttributeValueMemberS{Value: keySK(key)},
		"namespace":       &types.AttributeValueMemberS{Value: namespace},
		"memoryKey":       &types.AttributeValueMemberS{Value: key},
		"category":        &types.AttributeValueMemberS{Value: "preference"},
		"valueKind":       &types.AttributeValueMemberS{Value: "text"},
		"valueText":       &types.AttributeValueMemberS{Value: text},
		"confidence":      &types.AttributeValueMemberN{Value: confidence},
		"lastUpdatedFrom": &types.AttributeValueMemberS{Value: "thread-1"},
	}
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func attrS(t *testing.T, item map[string]types.AttributeValue, key string) string {
	t.Helper()
	v, ok := item[key].(*types.AttributeValueMemberS)
	require.True(t, ok, "attribute %q", key)
	return v.Value
}

func TestGet_HappyPath(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: makeTextItem("eaia/preferences/u", "tone", "formal", "0.8")}}
	c := mustNewClient(t, db)

	rec, err := c.Get(context.Background(), "eaia/preferences/u", "tone")
	require.NoError(t, err)
	require.Equal(t, &domain.MemoryRecord{
		Namespace:       "eaia/preferences/u",
		Key:             "tone",
		Category:        domain.CategoryPreference,
		Value:           domain.TextValue("formal"),
		Confidence:      0.8,
		LastUpdatedFrom: "thread-1",
	}, rec)

	require.NotNil(t, db.lastGetInput)
	require.True(t, *db.lastGetInput.ConsistentRead)
	require.Equal(t, "NS#eaia/preferences/u", attrS(t, db.lastGetInput.Key, "PK"))
	require.Equal(t, "KEY#tone", attrS(t, db.lastGetInput.Key, "SK"))
}

func TestGet_MissingItem(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	rec, err := c.Get(context.Background(), "ns", "tone")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestGet_GetItemError(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("ProvisionedThroughputExceededException")}
	c := mustNewClient(t, db)
	_, err := c.Get(context.Background(), "ns", "tone")
	require.Error(t, err)
	require.Contains(t, err.Error(), "repository: Get")
}

func TestGet_MalformedItem(t *testing.T) {
	item := makeTextItem("ns", "tone", "formal", "not-a-number")
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)
	_, err := c.Get(context.Background(), "ns", "tone")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")

	delete(item, "valueText")
	item["confidence"] = &types.AttributeValueMemberN{Value: "0.5"}
	_, err = c.Get(context.Background(), "ns", "tone")
	require.ErrorIs(t, err, errMissingAttr)
}

func TestUpsert_TextItem(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.Upsert(context.Background(), domain.MemoryRecord{
		Namespace:       "eaia/contacts/u",
		Key:             "contact_jane",
		Category:        domain.CategoryContact,
		Value:           domain.TextValue("jane@acme.com"),
		Confidence:      0.75,
		LastUpdatedFrom: "thread-9",
	})
	require.NoError(t, err)

	item := db.lastPutInput.Item
	require.Equal(t, "test-table", *db.lastPutInput.TableName)
	require.Equal(t, "NS#eaia/contacts/u", attrS(t, item, "PK"))
	require.Equal(t, "KEY#contact_jane", attrS(t, item, "SK"))
	require.Equal(t, "contact", attrS(t, item, "category"))
	require.Equal(t, "jane@acme.com", attrS(t, item, "valueText"))
	require.Equal(t, "thread-9", attrS(t, item, "lastUpdatedFrom"))
	require.Equal(t, "2026-03-01T12:00:00Z", attrS(t, item, "updatedAt"))
	require.Equal(t, "0.75", item["confidence"].(*types.AttributeValueMemberN).Value)
	require.NotContains(t, item, "valueData")
}

func TestUpsert_StructuredRoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	rec := domain.MemoryRecord{
		Namespace:  "ns",
		Key:        "working_hours",
		Category:   domain.CategoryFact,
		Value:      domain.StructuredValue(json.RawMessage(`{"start":"09:00","end":"17:00"}`)),
		Confidence: 0.9,
	}
	require.NoError(t, c.Upsert(context.Background(), rec))
	require.Equal(t, `{"start":"09:00","end":"17:00"}`, attrS(t, db.lastPutInput.Item, "valueData"))

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.Get(context.Background(), "ns", "working_hours")
	require.NoError(t, err)
	require.Equal(t, rec, *got)
}

func TestUpsert_PutItemError(t *testing.T) {
	db := &fakeDynamo{putErr: errors.New("boom")}
	c := mustNewClient(t, db)
	err := c.Upsert(context.Background(), domain.MemoryRecord{Namespace: "ns", Key: "k"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "repository: Upsert")
}

func TestUpsert_MissingKey(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	err := c.Upsert(context.Background(), domain.MemoryRecord{Namespace: "ns"})
	require.Error(t, err)
	require.Nil(t, db.lastPutInput)
}

func TestList_Paginates(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items:            []map[string]types.AttributeValue{makeTextItem("ns", "a", "1", "0.5")},
			LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "NS#ns"}},
		},
		{Items: []map[string]types.AttributeValue{makeTextItem("ns", "b", "2", "0.6")}},
	}}
	c := mustNewClient(t, db)

	recs, err := c.List(context.Background(), "ns")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "a", recs[0].Key)
	require.Equal(t, "b", recs[1].Key)

	require.Len(t, db.lastQueryIns, 2)
	require.Nil(t, db.lastQueryIns[0].ExclusiveStartKey)
	require.NotNil(t, db.lastQueryIns[1].ExclusiveStartKey)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIns[0].KeyConditionExpression)
	require.Equal(t, "KEY#", attrS(t, db.lastQueryIns[0].ExpressionAttributeValues, ":prefix"))
}

func TestList_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.List(context.Background(), "ns")
	require.Error(t, err)
	require.Contains(t, err.Error(), "List query")
}

func TestList_Empty(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	recs, err := c.List(context.Background(), "ns")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "table")
	require.Error(t, err)
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}
