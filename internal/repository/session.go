package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"support-agent/internal/domain"
)

// Load returns the persisted session for a conversation in one consistent
// read. Absent and expired records yield the default session; the returned
// State.Version is the stored version, so a following Save replaces the
// record in place. An unparseable state document falls back to the default
// state, and a malformed shown-items list to an empty one.
func (c *Client) Load(ctx context.Context, conversationID string) (domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            itemKey(convPK(conversationID), skState),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Load get item: %w", err)
	}
	sess := domain.NewSession()
	if out == nil || len(out.Item) == 0 {
		return sess, nil
	}

	sess.State.Version, _ = int64Attr(out.Item, attrVersion)
	if c.expired(out.Item) {
		return sess, nil
	}
	sess.ShownItems = c.shownItems(conversationID, out.Item)

	raw, err := strAttr(out.Item, attrState)
	if err != nil {
		c.recordCorruption(ctx, conversationID, reasonUnparseable, err)
		return sess, nil
	}
	var st domain.ConversationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		c.recordCorruption(ctx, conversationID, reasonUnparseable, err)
		return sess, nil
	}
	if !st.Status.Valid() {
		c.recordCorruption(ctx, conversationID, reasonInvalidStatus,
			fmt.Errorf("unknown status %q", st.Status))
	}
	st.Version = sess.State.Version
	sess.State = st
	return sess, nil
}

func (c *Client) shownItems(conversationID string, item map[string]types.AttributeValue) []string {
	if _, ok := item[attrIDs]; !ok {
		return []string{}
	}
	ids, err := stringListAttr(item, attrIDs)
	if err != nil {
		c.logger.Warn("discarding malformed shown items", "conversation_id", conversationID, "err", err)
		return []string{}
	}
	return ids
}

// Save writes the state and the shown items if the stored version still
// equals sess.State.Version, and bumps the version. A lost race returns
// domain.ErrStateConflict and writes nothing.
func (c *Client) Save(ctx context.Context, conversationID string, sess domain.Session) error {
	raw, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("repository: Save marshal state: %w", err)
	}
	expected := sess.State.Version
	item := c.sessionItem(conversationID, string(raw), sess.ShownItems, expected+1)
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#version) OR #version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#version": attrVersion,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": numAttr(expected),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			c.recordConflict(ctx, conversationID, expected)
			return fmt.Errorf("repository: Save %s: %w", conversationID, domain.ErrStateConflict)
		}
		return fmt.Errorf("repository: Save put item: %w", err)
	}
	return nil
}

// Reset atomically replaces the session with the default and deletes the
// repeated-intent counter. The returned session carries the new stored
// version.
func (c *Client) Reset(ctx context.Context, conversationID string) (domain.Session, error) {
	pk := convPK(conversationID)
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      itemKey(pk, skState),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#version"),
		ExpressionAttributeNames: map[string]string{"#version": attrVersion},
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Reset get item: %w", err)
	}
	var current int64
	if out != nil {
		current, _ = int64Attr(out.Item, attrVersion)
	}

	sess := domain.NewSession()
	sess.State.Version = current + 1
	raw, err := json.Marshal(sess.State)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Reset marshal state: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      c.sessionItem(conversationID, string(raw), nil, sess.State.Version),
			}},
			{Delete: &types.Delete{
				TableName: aws.String(c.tableName),
				Key:       itemKey(pk, skIntent),
			}},
		},
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Reset transact write: %w", err)
	}
	c.logger.Info("conversation state reset", "conversation_id", conversationID, "version", sess.State.Version)
	return sess, nil
}

func (c *Client) sessionItem(conversationID, raw string, shown []string, version int64) map[string]types.AttributeValue {
	item := itemKey(convPK(conversationID), skState)
	item[attrState] = &types.AttributeValueMemberS{Value: raw}
	item[attrIDs] = stringListValue(uniqueIDs(shown))
	item[attrVersion] = numAttr(version)
	item[attrTTL] = numAttr(c.ttlValue(stateTTL))
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339)}
	return item
}

// BumpRepeatedIntent increments the counter when intent matches the stored
// unexpired one and restarts it at 1 otherwise. Each call refreshes the
// counter's one hour expiry. It returns the new count.
func (c *Client) BumpRepeatedIntent(ctx context.Context, conversationID, intent string) (int, error) {
	key := itemKey(convPK(conversationID), skIntent)
	now := c.now().Unix()
	ttl := c.ttlValue(intentTTL)

	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET #ttl = :ttl ADD #count :one"),
		ConditionExpression: aws.String("#intent = :intent AND #ttl > :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl":    attrTTL,
			"#count":  attrCount,
			"#intent": attrIntent,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl":    numAttr(ttl),
			":one":    numAttr(1),
			":intent": &types.AttributeValueMemberS{Value: intent},
			":now":    numAttr(now),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err == nil {
		count, err := int64Attr(out.Attributes, attrCount)
		if err != nil {
			return 0, fmt.Errorf("repository: BumpRepeatedIntent: %w", err)
		}
		return int(count), nil
	}
	if !isConditionFailed(err) {
		return 0, fmt.Errorf("repository: BumpRepeatedIntent update item: %w", err)
	}

	item := itemKey(convPK(conversationID), skIntent)
	item[attrIntent] = &types.AttributeValueMemberS{Value: intent}
	item[attrCount] = numAttr(1)
	item[attrTTL] = numAttr(ttl)
	if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}); err != nil {
		return 0, fmt.Errorf("repository: BumpRepeatedIntent put item: %w", err)
	}
	return 1, nil
}

// LoadRepeatedIntent returns the stored counter, or the zero value when it
// is absent or expired.
func (c *Client) LoadRepeatedIntent(ctx context.Context, conversationID string) (domain.RepeatedIntent, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       itemKey(convPK(conversationID), skIntent),
	})
	if err != nil {
		return domain.RepeatedIntent{}, fmt.Errorf("repository: LoadRepeatedIntent get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 || c.expired(out.Item) {
		return domain.RepeatedIntent{}, nil
	}
	intent, _ := strAttr(out.Item, attrIntent)
	count, _ := int64Attr(out.Item, attrCount)
	return domain.RepeatedIntent{Intent: intent, Count: int(count)}, nil
}

func uniqueIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
