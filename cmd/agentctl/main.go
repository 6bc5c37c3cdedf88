// Package main is the operator CLI for inspecting conversation sessions and
// the product catalog.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	"support-agent/internal/domain"
	"support-agent/internal/repository"
)

// sessionStore is the part of the repository the CLI drives.
type sessionStore interface {
	Load(ctx context.Context, conversationID string) (domain.Session, error)
	Reset(ctx context.Context, conversationID string) (domain.Session, error)
	LoadRepeatedIntent(ctx context.Context, conversationID string) (domain.RepeatedIntent, error)
}

type app struct {
	table     string
	openStore func(ctx context.Context, table string) (sessionStore, error)
}

func main() {
	a := &app{openStore: openDynamoStore}
	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Inspect and repair support agent conversation sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.table, "table", os.Getenv("STATE_TABLE"), "DynamoDB state table (default $STATE_TABLE)")

	root.AddCommand(
		stateCmd(a),
		catalogCmd(),
	)
	return root
}

func (a *app) store(ctx context.Context) (sessionStore, error) {
	if a.table == "" {
		return nil, fmt.Errorf("no state table: pass --table or set STATE_TABLE")
	}
	return a.openStore(ctx, a.table)
}

func openDynamoStore(ctx context.Context, table string) (sessionStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(cfg), table)
	if err != nil {
		return nil, err
	}
	return store, nil
}
