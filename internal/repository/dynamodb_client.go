package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/PH536-UI/mr-dom-ph-copilot/internal/domain"
)

const (
	skPrefixExport = "EXPORT#"
	ttlDuration    = 90 * 24 * time.Hour // audit records kept for 90 days
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client persists conversation export records to a DynamoDB audit table.
// Conversation memory itself is in-process; this table only receives the
// structured records produced by the export operation.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the partition key for a user's audit records.
func userPK(userID string) string {
	return "USER#" + userID
}

// exportSK returns the sort key for an export record.
func exportSK(ts time.Time) string {
	return skPrefixExport + ts.UTC().Format(time.RFC3339Nano)
}

// ttlValue returns a Unix timestamp 90 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// PutExport writes one export record. The entry list is stored as a JSON
// document so the audit trail carries the exact exported shape.
func (c *Client) PutExport(ctx context.Context, export domain.ConversationExport) error {
	if strings.TrimSpace(export.UserID) == "" {
		return errors.New("repository: PutExport: user id is required")
	}
	if export.ExportedAt.IsZero() {
		export.ExportedAt = time.Now().UTC()
	}

	entries, err := json.Marshal(export.Entries)
	if err != nil {
		return fmt.Errorf("repository: PutExport marshal entries: %w", err)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: userPK(export.UserID)},
			"SK":             &types.AttributeValueMemberS{Value: exportSK(export.ExportedAt)},
			"userId":         &types.AttributeValueMemberS{Value: export.UserID},
			"conversationId": &types.AttributeValueMemberS{Value: export.ConversationID},
			"exportedAt":     &types.AttributeValueMemberS{Value: export.ExportedAt.UTC().Format(time.RFC3339Nano)},
			"entries":        &types.AttributeValueMemberS{Value: string(entries)},
			"messageCount":   &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", len(export.Entries))},
			"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ttlValue())},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutExport: %w", err)
	}
	return nil
}

// ListExports returns up to limit export records for a user, newest first.
func (c *Client) ListExports(ctx context.Context, userID string, limit int) ([]domain.ConversationExport, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: ListExports: user id is required")
	}
	if limit <= 0 {
		limit = 10
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixExport},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListExports query: %w", err)
	}

	exports := make([]domain.ConversationExport, 0, len(out.Items))
	for _, item := range out.Items {
		export, err := itemToExport(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListExports unmarshal: %w", err)
		}
		exports = append(exports, export)
	}
	return exports, nil
}

// itemToExport converts a DynamoDB attribute map back to an export record.
func itemToExport(item map[string]types.AttributeValue) (domain.ConversationExport, error) {
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.ConversationExport{}, err
	}
	conversationID, _ := strAttr(item, "conversationId") // allow empty
	exportedAtRaw, err := strAttr(item, "exportedAt")
	if err != nil {
		return domain.ConversationExport{}, err
	}
	exportedAt, err := time.Parse(time.RFC3339Nano, exportedAtRaw)
	if err != nil {
		return domain.ConversationExport{}, fmt.Errorf("repository: parse exportedAt: %w", err)
	}
	entriesRaw, err := strAttr(item, "entries")
	if err != nil {
		return domain.ConversationExport{}, err
	}
	var entries []domain.Entry
	if err := json.Unmarshal([]byte(entriesRaw), &entries); err != nil {
		return domain.ConversationExport{}, fmt.Errorf("repository: decode entries: %w", err)
	}

	return domain.ConversationExport{
		UserID:         userID,
		ConversationID: conversationID,
		Entries:        entries,
		ExportedAt:     exportedAt,
	}, nil
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
