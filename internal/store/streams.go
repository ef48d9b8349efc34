package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/config"
)

// NewStreamsClient builds the streams client matching the store's mode
func NewStreamsClient(ctx context.Context, cfg *config.Config) (*dynamodbstreams.Client, error) {
	if cfg.StoreMode == config.StoreModeLocal {
		return dynamodbstreams.New(dynamodbstreams.Options{
			Region:       cfg.StoreRegion,
			BaseEndpoint: aws.String(cfg.StoreEndpoint),
			Credentials:  credentials.NewStaticCredentialsProvider("local", "local", ""),
		}), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.StoreRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodbstreams.NewFromConfig(awsCfg), nil
}

// StreamPoller tails a table's DynamoDB stream and hands change batches
// to a ChangeHandler. Delivery is at-least-once: a handler error leaves
// the shard position unadvanced so the batch is redelivered.
type StreamPoller struct {
	db       *dynamodb.Client
	streams  *dynamodbstreams.Client
	table    string
	handler  ChangeHandler
	interval time.Duration
	logger   zerolog.Logger
}

// NewStreamPoller creates a poller for the given table
func NewStreamPoller(db *dynamodb.Client, streams *dynamodbstreams.Client, table string, handler ChangeHandler, logger zerolog.Logger) *StreamPoller {
	return &StreamPoller{
		db:       db,
		streams:  streams,
		table:    table,
		handler:  handler,
		interval: time.Second,
		logger:   logger.With().Str("stream_table", table).Logger(),
	}
}

// Run polls the stream until the context is cancelled
func (p *StreamPoller) Run(ctx context.Context) {
	streamArn, err := p.discoverStream(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to discover stream")
		return
	}

	p.logger.Info().Str("stream_arn", streamArn).Msg("stream poller started")

	iterators := make(map[string]string) // shardID -> iterator
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("stream poller stopped")
			return
		case <-ticker.C:
			if err := p.refreshShards(ctx, streamArn, iterators); err != nil {
				p.logger.Error().Err(err).Msg("failed to refresh shards")
				continue
			}
			for shardID, iter := range iterators {
				next, err := p.drainShard(ctx, iter)
				if err != nil {
					p.logger.Error().Err(err).Str("shard", shardID).Msg("failed to read shard")
					continue
				}
				if next == "" {
					delete(iterators, shardID)
					continue
				}
				iterators[shardID] = next
			}
		}
	}
}

func (p *StreamPoller) discoverStream(ctx context.Context) (string, error) {
	out, err := p.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(p.table),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.Table.LatestStreamArn), nil
}

func (p *StreamPoller) refreshShards(ctx context.Context, streamArn string, iterators map[string]string) error {
	desc, err := p.streams.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
		StreamArn: aws.String(streamArn),
	})
	if err != nil {
		return err
	}

	for _, shard := range desc.StreamDescription.Shards {
		shardID := aws.ToString(shard.ShardId)
		if _, ok := iterators[shardID]; ok {
			continue
		}
		iterOut, err := p.streams.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
			StreamArn:         aws.String(streamArn),
			ShardId:           shard.ShardId,
			ShardIteratorType: streamtypes.ShardIteratorTypeLatest,
		})
		if err != nil {
			return err
		}
		iterators[shardID] = aws.ToString(iterOut.ShardIterator)
	}
	return nil
}

// drainShard reads one page of records, dispatches them, and returns the
// next iterator ("" when the shard is closed).
func (p *StreamPoller) drainShard(ctx context.Context, iterator string) (string, error) {
	out, err := p.streams.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
		ShardIterator: aws.String(iterator),
	})
	if err != nil {
		return "", err
	}

	if len(out.Records) > 0 {
		changes := make([]Change, 0, len(out.Records))
		for _, rec := range out.Records {
			if rec.Dynamodb == nil {
				continue
			}
			changes = append(changes, Change{
				Table:  p.table,
				Event:  ChangeEvent(rec.EventName),
				Before: fromStreamImage(rec.Dynamodb.OldImage),
				After:  fromStreamImage(rec.Dynamodb.NewImage),
			})
		}
		if err := p.handler(ctx, changes); err != nil {
			// Redeliver from the same iterator on the next tick
			p.logger.Error().Err(err).Int("batch", len(changes)).Msg("change handler failed, redelivering")
			return iterator, nil
		}
	}

	return aws.ToString(out.NextShardIterator), nil
}

// fromStreamImage converts a stream image into a Record, keeping the
// S/N split the rest of the system types against
func fromStreamImage(image map[string]streamtypes.AttributeValue) Record {
	if image == nil {
		return nil
	}
	rec := make(Record, len(image))
	for name, av := range image {
		switch v := av.(type) {
		case *streamtypes.AttributeValueMemberS:
			rec[name] = v.Value
		case *streamtypes.AttributeValueMemberN:
			f, err := strconv.ParseFloat(v.Value, 64)
			if err == nil {
				rec[name] = f
			}
		case *streamtypes.AttributeValueMemberBOOL:
			rec[name] = v.Value
		}
	}
	return rec
}
