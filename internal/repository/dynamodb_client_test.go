package repository

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"refine-agent/internal/domain"
)

type fakeDynamo struct {
	queryOuts   []*dynamodb.QueryOutput
	queryErr    error
	txErr       error
	queryIns    []dynamodb.QueryInput
	lastTxInput *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryIns = append(f.queryIns, *in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table")
	require.NoError(t, err)
	c.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }
	return c
}

func sampleRun() domain.Run {
	return domain.Run{
		ID:          "run-1",
		Instruction: "Make this post better",
		Threshold:   2,
		Status:      domain.RunComplete,
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Make this post better"},
			{Role: domain.RoleAssistant, Content: "draft 1"},
			{Role: domain.RoleUser, Content: "too long"},
			{Role: domain.RoleAssistant, Content: "draft 2"},
		},
		States: []string{"generating", "reflecting", "generating", "done"},
	}
}

// storedItems turns the last transaction into the items a query would return.
func storedItems(tx *dynamodb.TransactWriteItemsInput) []map[string]types.AttributeValue {
	items := make([]map[string]types.AttributeValue, 0, len(tx.TransactItems))
	for _, ti := range tx.TransactItems {
		items = append(items, ti.Put.Item)
	}
	return items
}

func TestSaveRun_WritesHeaderAndMessagesInOneTransaction(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.SaveRun(context.Background(), sampleRun())
	require.NoError(t, err)
	require.NotNil(t, db.lastTxInput)
	require.Len(t, db.lastTxInput.TransactItems, 5)

	meta := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *meta.ConditionExpression)
	require.Equal(t, "RUN#run-1", meta.Item["PK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, skMeta, meta.Item["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "4", meta.Item["messageCount"].(*types.AttributeValueMemberN).Value)
	require.NotContains(t, meta.Item, "failedState")

	first := db.lastTxInput.TransactItems[1].Put.Item
	require.Equal(t, "MSG#0001", first["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "user", first["role"].(*types.AttributeValueMemberS).Value)
	last := db.lastTxInput.TransactItems[4].Put.Item
	require.Equal(t, "MSG#0004", last["SK"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "draft 2", last["content"].(*types.AttributeValueMemberS).Value)
}

func TestSaveRun_SetsTTLFromCreation(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	require.NoError(t, c.SaveRun(context.Background(), sampleRun()))
	want := c.now().Add(ttlDuration).Unix()
	ttl := db.lastTxInput.TransactItems[0].Put.Item["ttl"].(*types.AttributeValueMemberN).Value
	require.Equal(t, want, mustAtoi64(t, ttl))
}

func TestSaveRun_FailedRunRecordsState(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	run := sampleRun()
	run.Status = domain.RunFailed
	run.FailedState = "reflecting"

	require.NoError(t, c.SaveRun(context.Background(), run))
	meta := db.lastTxInput.TransactItems[0].Put.Item
	require.Equal(t, "reflecting", meta["failedState"].(*types.AttributeValueMemberS).Value)
	require.Equal(t, "failed", meta["status"].(*types.AttributeValueMemberS).Value)
}

func TestSaveRun_Validation(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})

	err := c.SaveRun(context.Background(), domain.Run{})
	require.ErrorContains(t, err, "run ID is required")

	run := sampleRun()
	run.Messages = make([]domain.Message, MaxRunMessages+1)
	err = c.SaveRun(context.Background(), run)
	require.ErrorContains(t, err, "transaction limit")
}

func TestSaveRun_LongestAcceptedHistory(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	run := sampleRun()
	run.Messages = make([]domain.Message, MaxRunMessages)
	for i := range run.Messages {
		run.Messages[i] = domain.Message{Role: domain.RoleUser, Content: "m"}
	}

	require.NoError(t, c.SaveRun(context.Background(), run))
	require.Len(t, db.lastTxInput.TransactItems, maxTransactItems)
}

func TestSaveRun_DynamoError(t *testing.T) {
	db := &fakeDynamo{txErr: errors.New("transaction canceled")}
	c := mustNewClient(t, db)
	err := c.SaveRun(context.Background(), sampleRun())
	require.Error(t, err)
	require.Contains(t, err.Error(), "SaveRun")
}

func TestGetRun_RoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	run := sampleRun()
	require.NoError(t, c.SaveRun(context.Background(), run))

	db.queryOuts = []*dynamodb.QueryOutput{{Items: storedItems(db.lastTxInput)}}
	got, err := c.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, run.ID, got.ID)
	require.Equal(t, run.Instruction, got.Instruction)
	require.Equal(t, run.Threshold, got.Threshold)
	require.Equal(t, run.Status, got.Status)
	require.Equal(t, run.Messages, got.Messages)
	require.Equal(t, run.States, got.States)
	require.True(t, c.now().Equal(got.CreatedAt))

	q := db.queryIns[0]
	require.Equal(t, "PK = :pk", *q.KeyConditionExpression)
	require.True(t, *q.ScanIndexForward)
	require.Equal(t, "RUN#run-1", q.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value)
}

func TestGetRun_FollowsPagination(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.SaveRun(context.Background(), sampleRun()))
	items := storedItems(db.lastTxInput)

	cursor := map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "RUN#run-1"}}
	db.queryOuts = []*dynamodb.QueryOutput{
		{Items: items[:2], LastEvaluatedKey: cursor},
		{Items: items[2:]},
	}
	got, err := c.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 4)
	require.Len(t, db.queryIns, 2)
	require.Equal(t, cursor, db.queryIns[1].ExclusiveStartKey)
}

func TestGetRun_NotFound(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{}}}
	c := mustNewClient(t, db)
	_, err := c.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestGetRun_QueryError(t *testing.T) {
	db := &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")}
	c := mustNewClient(t, db)
	_, err := c.GetRun(context.Background(), "run-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "GetRun")
}

func TestGetRun_MalformedMessage(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "RUN#run-1"},
		"SK": &types.AttributeValueMemberS{Value: "MSG#0001"},
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}}
	c := mustNewClient(t, db)
	_, err := c.GetRun(context.Background(), "run-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "role")
}

func TestGetRun_EmptyID(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.GetRun(context.Background(), " ")
	require.ErrorContains(t, err, "required")
}

func TestMsgSK_SortsInHistoryOrder(t *testing.T) {
	require.Equal(t, "MSG#0007", msgSK(7))
	require.Less(t, msgSK(9), msgSK(10))
	require.Less(t, skMeta, msgSK(1))
}

func TestRunPK(t *testing.T) {
	require.Equal(t, "RUN#my-run", runPK("my-run"))
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "test-table")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}

func mustAtoi64(t *testing.T, s string) int64 {
	t.Helper()
	n, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return n
}
