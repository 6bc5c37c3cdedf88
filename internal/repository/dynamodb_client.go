package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skState  = "STATE"
	skIntent = "INTENT"
	skDedup  = "DEDUP"

	attrPK        = "PK"
	attrSK        = "SK"
	attrTTL       = "ttl"
	attrState     = "state"
	attrVersion   = "version"
	attrIntent    = "intent"
	attrCount     = "count"
	attrIDs       = "ids"
	attrUpdatedAt = "updatedAt"

	stateTTL  = 24 * time.Hour
	intentTTL = time.Hour
	dedupTTL  = 24 * time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Client stores conversation sessions and dedup markers in one DynamoDB
// table keyed by PK/SK. Items expire through the table's TTL attribute;
// since TTL deletion is lazy, expired items are treated as absent.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for corruption and conflict warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "repository")
	initMetrics()
	return c, nil
}

// Ping reports whether the table exists and is usable.
func (c *Client) Ping(ctx context.Context) error {
	out, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(c.tableName)})
	if err != nil {
		return fmt.Errorf("repository: describe table: %w", err)
	}
	if out == nil || out.Table == nil {
		return errors.New("repository: describe table returned no table")
	}
	switch out.Table.TableStatus {
	case types.TableStatusActive, types.TableStatusUpdating:
		return nil
	default:
		return fmt.Errorf("repository: table %s is %s", c.tableName, out.Table.TableStatus)
	}
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// eventPK returns the DynamoDB partition key for a dedup marker.
func eventPK(dedupKey string) string {
	return "EVENT#" + dedupKey
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: &types.AttributeValueMemberS{Value: pk},
		attrSK: &types.AttributeValueMemberS{Value: sk},
	}
}

// ttlValue returns the Unix timestamp d from now.
func (c *Client) ttlValue(d time.Duration) int64 {
	return c.now().Add(d).Unix()
}

// expired reports whether an item's TTL has passed. Items without a TTL
// never expire.
func (c *Client) expired(item map[string]types.AttributeValue) bool {
	ttl, err := int64Attr(item, attrTTL)
	if err != nil {
		return false
	}
	return ttl <= c.now().Unix()
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func numAttr(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
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

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func stringListAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, fmt.Errorf("repository: missing attribute %q", key)
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for i, e := range l.Value {
		s, ok := e.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q element %d is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

func stringListValue(ids []string) *types.AttributeValueMemberL {
	l := make([]types.AttributeValue, 0, len(ids))
	for _, id := range ids {
		l = append(l, &types.AttributeValueMemberS{Value: id})
	}
	return &types.AttributeValueMemberL{Value: l}
}
