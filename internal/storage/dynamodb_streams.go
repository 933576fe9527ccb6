/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/benbjohnson/clock"

	"github.com/scailio-oss/dlease/lease"
	"github.com/scailio-oss/dlease/logger"
)

// Re-read the shard list every this many polls even if no shard was closed, to pick up splits early.
const shardRefreshEveryPolls = 30

// Watch gives up after this many consecutive polls in which no shard could be read.
const maxFailedPolls = 10

// Subset of *dynamodb.Client the feed needs.
type tableDescriber interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Subset of *dynamodbstreams.Client the feed needs.
type streamsApi interface {
	DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// DynamoDbStreamFeed is a Feed reading the DynamoDB stream of the lease table. The stream must be enabled with view
// type NEW_AND_OLD_IMAGES.
type DynamoDbStreamFeed struct {
	dynamoDbClient tableDescriber
	streamsClient  streamsApi
	tableName      string
	timeout        time.Duration
	pollInterval   time.Duration
	clock          clock.Clock
	logger         logger.Logger
}

func NewDynamoDbStreamFeed(dynamoDbClient *dynamodb.Client, streamsClient *dynamodbstreams.Client, tableName string,
	timeout time.Duration, pollInterval time.Duration, clk clock.Clock, logger logger.Logger) *DynamoDbStreamFeed {
	return &DynamoDbStreamFeed{
		dynamoDbClient: dynamoDbClient,
		streamsClient:  streamsClient,
		tableName:      tableName,
		timeout:        timeout,
		pollInterval:   pollInterval,
		clock:          clk,
		logger:         logger,
	}
}

// State of one shard while watching.
type shardCursor struct {
	iterator *string
	// Last sequence number delivered, used to resume after an expired iterator.
	lastSeq *string
}

func (f *DynamoDbStreamFeed) Watch(ctx context.Context, established func(), fn func(Change)) error {
	arn, err := f.streamArn(ctx)
	if err != nil {
		return err
	}

	open := map[string]*shardCursor{}
	drained := map[string]bool{}
	if err := f.discoverShards(ctx, arn, open, drained, true); err != nil {
		return err
	}
	f.logger.Info(ctx, "Watching lease table stream (table/shards)", f.tableName, len(open))
	established()

	ticker := f.clock.Ticker(f.pollInterval)
	defer ticker.Stop()
	polls := 0
	failedPolls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		polls++

		refresh := polls%shardRefreshEveryPolls == 0
		read := 0
		var lastErr error
		for shardId, cursor := range open {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cursor.iterator == nil {
				it, err := f.iterator(ctx, arn, shardId, cursor.lastSeq)
				if err != nil {
					if streamGone(err) {
						return fmt.Errorf("stream %s of table %s is gone: %w", arn, f.tableName, err)
					}
					f.logger.Warn(ctx, "Could not renew shard iterator, retrying on next poll (shardId)", shardId, err)
					lastErr = err
					continue
				}
				cursor.iterator = it
			}

			out, err := f.getRecords(ctx, cursor.iterator)
			if err != nil {
				var expired *streamtypes.ExpiredIteratorException
				if errors.As(err, &expired) {
					cursor.iterator = nil
					read++
					continue
				}
				var trimmed *streamtypes.TrimmedDataAccessException
				if errors.As(err, &trimmed) {
					cursor.iterator = nil
					cursor.lastSeq = nil
					read++
					continue
				}
				if streamGone(err) {
					return fmt.Errorf("stream %s of table %s is gone: %w", arn, f.tableName, err)
				}
				f.logger.Warn(ctx, "Reading stream records failed, retrying on next poll (shardId)", shardId, err)
				lastErr = err
				continue
			}
			read++

			for _, r := range out.Records {
				if r.Dynamodb != nil && r.Dynamodb.SequenceNumber != nil {
					cursor.lastSeq = r.Dynamodb.SequenceNumber
				}
				c, err := toChange(r)
				if err != nil {
					f.logger.Error(ctx, "Skipping unparseable stream record (shardId)", shardId, err)
					continue
				}
				fn(c)
			}

			if out.NextShardIterator == nil {
				// shard is closed and fully read, its children can be read now.
				delete(open, shardId)
				drained[shardId] = true
				refresh = true
			} else {
				cursor.iterator = out.NextShardIterator
			}
		}

		if lastErr != nil && read == 0 {
			failedPolls++
			if failedPolls >= maxFailedPolls {
				return fmt.Errorf("no shard of stream %s readable in %d polls: %w", arn, failedPolls, lastErr)
			}
		} else {
			failedPolls = 0
		}

		if refresh {
			if err := f.discoverShards(ctx, arn, open, drained, false); err != nil {
				if streamGone(err) {
					return fmt.Errorf("stream %s of table %s is gone: %w", arn, f.tableName, err)
				}
				f.logger.Warn(ctx, "Describing stream failed, retrying later (streamArn)", arn, err)
			}
		}
	}
}

// The stream was disabled or the table deleted; retrying cannot recover.
func streamGone(err error) bool {
	var notFound *streamtypes.ResourceNotFoundException
	return errors.As(err, &notFound)
}

func (f *DynamoDbStreamFeed) streamArn(ctx context.Context) (string, error) {
	dynamoCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	out, err := f.dynamoDbClient.DescribeTable(dynamoCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(f.tableName),
	})
	if err != nil {
		return "", fmt.Errorf("describe table %s: %w", f.tableName, err)
	}
	if out.Table == nil || out.Table.LatestStreamArn == nil {
		return "", fmt.Errorf("table %s has no stream enabled", f.tableName)
	}
	return *out.Table.LatestStreamArn, nil
}

// Adds all shards to open that are readable now. On the initial call, only open shards are read from their latest
// position. Later calls add new shards from their start once their parent shard has been drained.
func (f *DynamoDbStreamFeed) discoverShards(ctx context.Context, arn string, open map[string]*shardCursor,
	drained map[string]bool, initial bool) error {
	var startShardId *string
	for {
		dynamoCtx, cancel := context.WithTimeout(ctx, f.timeout)
		out, err := f.streamsClient.DescribeStream(dynamoCtx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(arn),
			ExclusiveStartShardId: startShardId,
		})
		cancel()
		if err != nil {
			return err
		}

		for _, shard := range out.StreamDescription.Shards {
			shardId := aws.ToString(shard.ShardId)
			if _, ok := open[shardId]; ok || drained[shardId] {
				continue
			}

			closed := shard.SequenceNumberRange != nil && shard.SequenceNumberRange.EndingSequenceNumber != nil
			if initial {
				if closed {
					drained[shardId] = true
					continue
				}
				it, err := f.newIterator(ctx, arn, shardId, streamtypes.ShardIteratorTypeLatest, nil)
				if err != nil {
					return err
				}
				open[shardId] = &shardCursor{iterator: it}
				continue
			}

			if parent := aws.ToString(shard.ParentShardId); parent != "" {
				if _, parentOpen := open[parent]; parentOpen {
					continue
				}
			}
			// iterator is fetched lazily by the poll loop
			open[shardId] = &shardCursor{}
		}

		startShardId = out.StreamDescription.LastEvaluatedShardId
		if startShardId == nil {
			return nil
		}
	}
}

func (f *DynamoDbStreamFeed) iterator(ctx context.Context, arn string, shardId string, lastSeq *string) (*string, error) {
	if lastSeq != nil {
		return f.newIterator(ctx, arn, shardId, streamtypes.ShardIteratorTypeAfterSequenceNumber, lastSeq)
	}
	return f.newIterator(ctx, arn, shardId, streamtypes.ShardIteratorTypeTrimHorizon, nil)
}

func (f *DynamoDbStreamFeed) newIterator(ctx context.Context, arn string, shardId string,
	iteratorType streamtypes.ShardIteratorType, seq *string) (*string, error) {
	dynamoCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	out, err := f.streamsClient.GetShardIterator(dynamoCtx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(arn),
		ShardId:           aws.String(shardId),
		ShardIteratorType: iteratorType,
		SequenceNumber:    seq,
	})
	if err != nil {
		return nil, err
	}
	return out.ShardIterator, nil
}

func (f *DynamoDbStreamFeed) getRecords(ctx context.Context, iterator *string) (*dynamodbstreams.GetRecordsOutput, error) {
	dynamoCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.streamsClient.GetRecords(dynamoCtx, &dynamodbstreams.GetRecordsInput{
		ShardIterator: iterator,
	})
}

func toChange(r streamtypes.Record) (Change, error) {
	if r.Dynamodb == nil {
		return Change{}, errors.New("record without payload")
	}

	keys, err := attributevalue.FromDynamoDBStreamsMap(r.Dynamodb.Keys)
	if err != nil {
		return Change{}, err
	}
	var key struct {
		Key string `dynamodbav:"key"`
	}
	if err := attributevalue.UnmarshalMap(keys, &key); err != nil {
		return Change{}, err
	}

	c := Change{ResourceID: key.Key}
	switch r.EventName {
	case streamtypes.OperationTypeInsert:
		c.Op = OpInsert
	case streamtypes.OperationTypeModify:
		c.Op = OpModify
	case streamtypes.OperationTypeRemove:
		c.Op = OpRemove
	default:
		return Change{}, fmt.Errorf("unknown stream event %q", r.EventName)
	}

	if c.New, err = streamImage(r.Dynamodb.NewImage); err != nil {
		return Change{}, err
	}
	if c.Old, err = streamImage(r.Dynamodb.OldImage); err != nil {
		return Change{}, err
	}
	if c.Op == OpRemove {
		c.New = nil
	}
	return c, nil
}

func streamImage(image map[string]streamtypes.AttributeValue) (*lease.Lease, error) {
	if len(image) == 0 {
		return nil, nil
	}
	attrs, err := attributevalue.FromDynamoDBStreamsMap(image)
	if err != nil {
		return nil, err
	}
	return leaseFromAttributes(attrs)
}
