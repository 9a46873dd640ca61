package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"refine-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
	// maxTransactItems is the DynamoDB limit per TransactWriteItems call.
	maxTransactItems = 100
)

// MaxRunMessages is the longest history SaveRun accepts: one transaction
// holds the header item plus one item per message.
const MaxRunMessages = maxTransactItems - 1

// ErrRunNotFound is returned by GetRun when no header item exists.
var ErrRunNotFound = errors.New("repository: run not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// ReadWriter defines the run storage operations consumed by the use case.
type ReadWriter interface {
	SaveRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
}

// Client wraps a DynamoDB table holding finished workflow runs.
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

// runPK returns the DynamoDB partition key for a run.
func runPK(runID string) string {
	return "RUN#" + runID
}

// msgSK returns the sort key of the message at position seq. Zero padding
// keeps lexical order equal to history order.
func msgSK(seq int) string {
	return fmt.Sprintf("%s%04d", skPrefixMsg, seq)
}

// SaveRun writes the run header and every message in one transaction, so a
// reader never observes a partially stored history.
func (c *Client) SaveRun(ctx context.Context, run domain.Run) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("repository: SaveRun: run ID is required")
	}
	if len(run.Messages) > MaxRunMessages {
		return fmt.Errorf("repository: SaveRun: %d messages exceed the transaction limit", len(run.Messages))
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = c.now()
	}
	if run.TTL == 0 {
		run.TTL = run.CreatedAt.Add(ttlDuration).Unix()
	}

	items := make([]types.TransactWriteItem, 0, len(run.Messages)+1)
	items = append(items, types.TransactWriteItem{
		Put: &types.Put{
			TableName:           aws.String(c.tableName),
			Item:                metaItem(run),
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		},
	})
	for i, m := range run.Messages {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      messageItem(run.ID, i+1, m, run.TTL),
			},
		})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("repository: SaveRun: %w", err)
	}
	return nil
}

// GetRun loads a run header and its messages in history order.
func (c *Client) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, errors.New("repository: GetRun: run ID is required")
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: runPK(runID)},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var (
		run      domain.Run
		haveMeta bool
	)
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return domain.Run{}, fmt.Errorf("repository: GetRun query: %w", err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return domain.Run{}, fmt.Errorf("repository: GetRun unmarshal: %w", err)
			}
			switch {
			case sk == skMeta:
				meta, err := itemToRun(item)
				if err != nil {
					return domain.Run{}, fmt.Errorf("repository: GetRun unmarshal meta: %w", err)
				}
				meta.Messages = run.Messages
				run = meta
				haveMeta = true
			case strings.HasPrefix(sk, skPrefixMsg):
				msg, err := itemToMessage(item)
				if err != nil {
					return domain.Run{}, fmt.Errorf("repository: GetRun unmarshal message: %w", err)
				}
				run.Messages = append(run.Messages, msg)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	if !haveMeta {
		return domain.Run{}, ErrRunNotFound
	}
	return run, nil
}

func metaItem(run domain.Run) map[string]types.AttributeValue {
	states := make([]types.AttributeValue, 0, len(run.States))
	for _, s := range run.States {
		states = append(states, &types.AttributeValueMemberS{Value: s})
	}
	item := map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: runPK(run.ID)},
		"SK":           &types.AttributeValueMemberS{Value: skMeta},
		"runId":        &types.AttributeValueMemberS{Value: run.ID},
		"instruction":  &types.AttributeValueMemberS{Value: run.Instruction},
		"threshold":    &types.AttributeValueMemberN{Value: strconv.Itoa(run.Threshold)},
		"status":       &types.AttributeValueMemberS{Value: string(run.Status)},
		"states":       &types.AttributeValueMemberL{Value: states},
		"messageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(len(run.Messages))},
		"createdAt":    &types.AttributeValueMemberS{Value: run.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(run.TTL, 10)},
	}
	if run.FailedState != "" {
		item["failedState"] = &types.AttributeValueMemberS{Value: run.FailedState}
	}
	return item
}

func messageItem(runID string, seq int, m domain.Message, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: runPK(runID)},
		"SK":      &types.AttributeValueMemberS{Value: msgSK(seq)},
		"seq":     &types.AttributeValueMemberN{Value: strconv.Itoa(seq)},
		"role":    &types.AttributeValueMemberS{Value: string(m.Role)},
		"content": &types.AttributeValueMemberS{Value: m.Content},
		"ttl":     &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

// itemToRun converts a header item to a Run without messages.
func itemToRun(item map[string]types.AttributeValue) (domain.Run, error) {
	id, err := strAttr(item, "runId")
	if err != nil {
		return domain.Run{}, err
	}
	instruction, err := strAttr(item, "instruction")
	if err != nil {
		return domain.Run{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Run{}, err
	}
	threshold, err := intAttr(item, "threshold")
	if err != nil {
		return domain.Run{}, err
	}
	failedState, _ := strAttr(item, "failedState") // only set on failed runs

	run := domain.Run{
		ID:          id,
		Instruction: instruction,
		Threshold:   threshold,
		Status:      domain.RunStatus(status),
		FailedState: failedState,
	}
	if created, err := strAttr(item, "createdAt"); err == nil {
		if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			run.CreatedAt = ts
		}
	}
	if ttl, err := intAttr(item, "ttl"); err == nil {
		run.TTL = int64(ttl)
	}
	if l, ok := item["states"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			s, ok := v.(*types.AttributeValueMemberS)
			if !ok {
				return domain.Run{}, errors.New("repository: attribute \"states\" holds a non-string")
			}
			run.States = append(run.States, s.Value)
		}
	}
	return run, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{Role: domain.Role(role), Content: content}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
