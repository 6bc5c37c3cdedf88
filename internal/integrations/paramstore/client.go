// Package paramstore reads secrets from AWS Systems Manager Parameter Store
// and memoises them for the life of the Lambda container.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the subset of *ssm.Client used here.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// The webhook handler and the Chatwoot client depend on it instead of *Client.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type cachedValue struct {
	value     string
	fetchedAt time.Time
}

// Client fetches decrypted parameters. Successful reads are cached per name;
// failures are not, so the next call goes back to SSM.
type Client struct {
	api ssmAPI
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	values map[string]cachedValue
}

type Option func(*Client)

// WithCacheTTL bounds how long a value is reused. Zero keeps values for the
// lifetime of the process.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl >= 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{
		api:    api,
		now:    time.Now,
		values: make(map[string]cachedValue),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetParameter returns the decrypted value of the named parameter, from the
// cache when a fresh entry exists. Concurrent misses for one name share a
// single SSM call.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[name]; ok && c.fresh(v) {
		return v.value, nil
	}

	value, err := c.fetch(ctx, name)
	if err != nil {
		return "", err
	}
	if c.values == nil {
		c.values = make(map[string]cachedValue)
	}
	c.values[name] = cachedValue{value: value, fetchedAt: c.clock()}
	return value, nil
}

// Invalidate drops the cached value for name, forcing the next read to SSM.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	delete(c.values, strings.TrimSpace(name))
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context, name string) (string, error) {
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

func (c *Client) fresh(v cachedValue) bool {
	return c.ttl == 0 || c.clock().Sub(v.fetchedAt) < c.ttl
}

func (c *Client) clock() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
