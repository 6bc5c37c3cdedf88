package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// ErrMissingDedupKey is returned by Admit for an empty dedup key.
var ErrMissingDedupKey = errors.New("repository: dedup key must not be empty")

// Admit records dedupKey and reports whether this is the first sighting
// within the dedup window. The check and the write are a single conditional
// put, so concurrent deliveries of the same event admit exactly once.
func (c *Client) Admit(ctx context.Context, dedupKey string) (bool, error) {
	dedupKey = strings.TrimSpace(dedupKey)
	if dedupKey == "" {
		return false, ErrMissingDedupKey
	}

	now := c.now()
	item := itemKey(eventPK(dedupKey), skDedup)
	item[attrTTL] = numAttr(now.Add(dedupTTL).Unix())
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: now.UTC().Format(time.RFC3339)}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(c.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk) OR #ttl <= :now"),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK, "#ttl": attrTTL},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numAttr(now.Unix()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			c.recordDuplicate(ctx, dedupKey)
			return false, nil
		}
		return false, fmt.Errorf("repository: Admit put item: %w", err)
	}
	return true, nil
}
