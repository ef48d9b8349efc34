package store

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/config"
)

// Index names shared by the memory and DynamoDB backends
const (
	AgentStateIndex   = "state-index"
	AgentContactIndex = "contact-index"
	ContactStateIndex = "state-index"
	ClientTypeIndex   = "type-index"
	ClientConnIndex   = "connection-index"
)

// Tables returns the table schemas for the configured table names
func Tables(cfg *config.Config) []Table {
	return []Table{
		{
			Name:    cfg.AgentsTable,
			HashKey: "agent_id",
			Indexes: []Index{
				{Name: AgentStateIndex, HashKey: "active", RangeKey: "state"},
				{Name: AgentContactIndex, HashKey: "current_contact_id"},
			},
		},
		{
			Name:    cfg.ContactsTable,
			HashKey: "contact_id",
			Indexes: []Index{
				{Name: ContactStateIndex, HashKey: "state"},
			},
		},
		{
			Name:    cfg.ClientsTable,
			HashKey: "user_id",
			Indexes: []Index{
				{Name: ClientTypeIndex, HashKey: "client_type"},
				{Name: ClientConnIndex, HashKey: "connection_id"},
			},
		},
		{
			Name:     cfg.MetricsTable,
			HashKey:  "kind",
			RangeKey: "name",
		},
	}
}

// CreateTablesIfNotExist creates DynamoDB tables for local development,
// including the secondary indexes the query paths rely on. Streams are
// enabled with before/after images so the change feed carries full
// snapshots.
func CreateTablesIfNotExist(ctx context.Context, client *dynamodb.Client, tables []Table, logger zerolog.Logger) error {
	for _, table := range tables {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(table.Name),
		})
		if err == nil {
			logger.Info().Str("table", table.Name).Msg("table already exists")
			continue
		}

		input := &dynamodb.CreateTableInput{
			TableName:   aws.String(table.Name),
			BillingMode: dbtypes.BillingModePayPerRequest,
			StreamSpecification: &dbtypes.StreamSpecification{
				StreamEnabled:  aws.Bool(true),
				StreamViewType: dbtypes.StreamViewTypeNewAndOldImages,
			},
		}

		attrs := map[string]struct{}{}
		addAttr := func(name string) {
			if name == "" {
				return
			}
			if _, ok := attrs[name]; ok {
				return
			}
			attrs[name] = struct{}{}
			input.AttributeDefinitions = append(input.AttributeDefinitions, dbtypes.AttributeDefinition{
				AttributeName: aws.String(name),
				AttributeType: dbtypes.ScalarAttributeTypeS,
			})
		}

		input.KeySchema = append(input.KeySchema, dbtypes.KeySchemaElement{
			AttributeName: aws.String(table.HashKey),
			KeyType:       dbtypes.KeyTypeHash,
		})
		addAttr(table.HashKey)
		if table.RangeKey != "" {
			input.KeySchema = append(input.KeySchema, dbtypes.KeySchemaElement{
				AttributeName: aws.String(table.RangeKey),
				KeyType:       dbtypes.KeyTypeRange,
			})
			addAttr(table.RangeKey)
		}

		for _, idx := range table.Indexes {
			schema := []dbtypes.KeySchemaElement{
				{AttributeName: aws.String(idx.HashKey), KeyType: dbtypes.KeyTypeHash},
			}
			addAttr(idx.HashKey)
			if idx.RangeKey != "" {
				schema = append(schema, dbtypes.KeySchemaElement{
					AttributeName: aws.String(idx.RangeKey),
					KeyType:       dbtypes.KeyTypeRange,
				})
				addAttr(idx.RangeKey)
			}
			input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, dbtypes.GlobalSecondaryIndex{
				IndexName: aws.String(idx.Name),
				KeySchema: schema,
				Projection: &dbtypes.Projection{
					ProjectionType: dbtypes.ProjectionTypeAll,
				},
			})
		}

		if _, err := client.CreateTable(ctx, input); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
		logger.Info().Str("table", table.Name).Msg("table created")
	}

	return nil
}
