package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/config"
)

// DynamoStore implements Store on AWS DynamoDB
type DynamoStore struct {
	client *dynamodb.Client
	tables map[string]Table
	logger zerolog.Logger
}

// NewDynamoStore creates a DynamoDB-backed store. In local mode the
// client is built directly without LoadDefaultConfig: probing the EC2
// IMDS endpoint hangs when static credentials are intended.
func NewDynamoStore(ctx context.Context, cfg *config.Config, tables []Table, logger zerolog.Logger) (*DynamoStore, error) {
	var client *dynamodb.Client

	if cfg.StoreMode == config.StoreModeLocal {
		client = dynamodb.New(dynamodb.Options{
			Region:       cfg.StoreRegion,
			BaseEndpoint: aws.String(cfg.StoreEndpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		})
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.StoreRegion))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = dynamodb.NewFromConfig(awsCfg)
	}

	byName := make(map[string]Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	store := &DynamoStore{
		client: client,
		tables: byName,
		logger: logger,
	}

	if cfg.StoreMode == config.StoreModeLocal {
		if err := CreateTablesIfNotExist(ctx, client, tables, logger); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("mode", string(cfg.StoreMode)).
		Str("region", cfg.StoreRegion).
		Msg("DynamoDB store initialized")

	return store, nil
}

// Client exposes the underlying DynamoDB client for stream ARN discovery
func (s *DynamoStore) Client() *dynamodb.Client {
	return s.client
}

func (s *DynamoStore) keyMap(key Key) (map[string]dbtypes.AttributeValue, error) {
	out := make(map[string]dbtypes.AttributeValue, len(key))
	for name, v := range key {
		av, err := attributevalue.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal key %s: %w", name, err)
		}
		out[name] = av
	}
	return out, nil
}

func (s *DynamoStore) Get(ctx context.Context, table string, key Key) (Record, error) {
	keyMap, err := s.keyMap(key)
	if err != nil {
		return nil, err
	}

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            keyMap,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return rec, nil
}

func (s *DynamoStore) Put(ctx context.Context, table string, rec Record) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

func (s *DynamoStore) Update(ctx context.Context, table string, key Key, set Record, cond *Condition) error {
	keyMap, err := s.keyMap(key)
	if err != nil {
		return err
	}

	var upd expression.UpdateBuilder
	for name, v := range set {
		if v == nil {
			upd = upd.Remove(expression.Name(name))
			continue
		}
		upd = upd.Set(expression.Name(name), expression.Value(v))
	}

	builder := expression.NewBuilder().WithUpdate(upd)
	if cond != nil && cond.NotExists != "" {
		builder = builder.WithCondition(expression.AttributeNotExists(expression.Name(cond.NotExists)))
	}
	expr, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to build update expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       keyMap,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var condErr *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConditionFailed
		}
		return fmt.Errorf("failed to update record: %w", err)
	}
	return nil
}

func (s *DynamoStore) Add(ctx context.Context, table string, key Key, attr string, delta int64) error {
	keyMap, err := s.keyMap(key)
	if err != nil {
		return err
	}

	// ADD is upsert-friendly: missing records and attributes start from zero
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name(attr), expression.Value(delta))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build add expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       keyMap,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("failed to add to counter: %w", err)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, table string, key Key) error {
	keyMap, err := s.keyMap(key)
	if err != nil {
		return err
	}

	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(table),
		Key:       keyMap,
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *DynamoStore) buildQuery(table string, q Query) (*dynamodb.QueryInput, error) {
	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	hashAttr, rangeAttr := t.HashKey, t.RangeKey
	if q.Index != "" {
		found := false
		for _, idx := range t.Indexes {
			if idx.Name == q.Index {
				hashAttr, rangeAttr = idx.HashKey, idx.RangeKey
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown index %s on table %s", q.Index, table)
		}
	}

	keyCond := expression.Key(hashAttr).Equal(expression.Value(q.HashValue))
	if q.RangePrefix != "" {
		if rangeAttr == "" {
			return nil, fmt.Errorf("index %s has no range key for prefix query", q.Index)
		}
		keyCond = keyCond.And(expression.Key(rangeAttr).BeginsWith(q.RangePrefix))
	}

	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if len(q.Filters) > 0 {
		var filter expression.ConditionBuilder
		for i, f := range q.Filters {
			var c expression.ConditionBuilder
			switch f.Op {
			case FilterEq:
				c = expression.Name(f.Name).Equal(expression.Value(f.Value))
			case FilterContains:
				c = expression.Name(f.Name).Contains(fmt.Sprint(f.Value))
			case FilterExists:
				c = expression.AttributeExists(expression.Name(f.Name))
			case FilterGt:
				c = expression.Name(f.Name).GreaterThan(expression.Value(f.Value))
			default:
				return nil, fmt.Errorf("unsupported filter op %s", f.Op)
			}
			if i == 0 {
				filter = c
			} else {
				filter = filter.And(c)
			}
		}
		builder = builder.WithFilter(filter)
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build query expression: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if q.Index != "" {
		input.IndexName = aws.String(q.Index)
	}
	return input, nil
}

func (s *DynamoStore) Query(ctx context.Context, table string, q Query) ([]Record, error) {
	input, err := s.buildQuery(table, q)
	if err != nil {
		return nil, err
	}

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}

	var recs []Record
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &recs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal query results: %w", err)
	}
	return recs, nil
}

func (s *DynamoStore) Count(ctx context.Context, table string, q Query) (int, error) {
	input, err := s.buildQuery(table, q)
	if err != nil {
		return 0, err
	}
	input.Select = dbtypes.SelectCount

	result, err := s.client.Query(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return int(result.Count), nil
}

func (s *DynamoStore) Scan(ctx context.Context, table string) ([]Record, error) {
	var recs []Record
	var lastKey map[string]dbtypes.AttributeValue

	for {
		input := &dynamodb.ScanInput{TableName: aws.String(table)}
		if lastKey != nil {
			input.ExclusiveStartKey = lastKey
		}
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", table, err)
		}

		var page []Record
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &page); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scan results: %w", err)
		}
		recs = append(recs, page...)

		lastKey = result.LastEvaluatedKey
		if lastKey == nil {
			break
		}
	}
	return recs, nil
}
