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
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	leaseerr "github.com/scailio-oss/dlease/error"
	"github.com/scailio-oss/dlease/lease"
)

const (
	pkFieldName       = "key"
	holderIdFieldName = "holderId"
	untilFieldName    = "until"
	ttlFieldName      = "ttl"
)

// Row layout in DynamoDB. Times are unix millis, ttl is unix seconds as required by DynamoDB TTL.
type item struct {
	Key        string `dynamodbav:"key"`
	HolderID   string `dynamodbav:"holderId"`
	HolderName string `dynamodbav:"holderName"`
	Kind       string `dynamodbav:"kind"`
	LeaseID    string `dynamodbav:"leaseId"`
	AcquiredAt int64  `dynamodbav:"acquiredAt"`
	Until      int64  `dynamodbav:"until"`
	TTL        int64  `dynamodbav:"ttl"`
}

func toItem(l lease.Lease, ttlMargin time.Duration) item {
	return item{
		Key:        l.ResourceID,
		HolderID:   l.HolderID,
		HolderName: l.HolderName,
		Kind:       l.Kind.String(),
		LeaseID:    l.LeaseID,
		AcquiredAt: l.AcquiredAt.UnixMilli(),
		Until:      l.ExpiresAt.UnixMilli(),
		TTL:        l.ExpiresAt.Add(ttlMargin).Unix(),
	}
}

func (i item) toLease() (lease.Lease, error) {
	kind, err := lease.ParseKind(i.Kind)
	if err != nil {
		return lease.Lease{}, err
	}
	return lease.Lease{
		ResourceID: i.Key,
		HolderID:   i.HolderID,
		HolderName: i.HolderName,
		Kind:       kind,
		LeaseID:    i.LeaseID,
		AcquiredAt: time.UnixMilli(i.AcquiredAt),
		ExpiresAt:  time.UnixMilli(i.Until),
	}, nil
}

func leaseFromAttributes(attrs map[string]types.AttributeValue) (*lease.Lease, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	var itm item
	if err := attributevalue.UnmarshalMap(attrs, &itm); err != nil {
		return nil, err
	}
	l, err := itm.toLease()
	if err != nil {
		return nil, err
	}
	return &l, nil
}

type DynamoDB struct {
	dynamoDbClient *dynamodb.Client
	tableName      string
	timeout        time.Duration
	ttlMargin      time.Duration
}

// Creates a new DB implementation using a DynamoDB backend. It uses the given dynamoDB table name and adds the given
// timeout to all calls to dynamoDB. Rows carry a TTL attribute of ExpiresAt+ttlMargin, so a table with TTL enabled on
// attribute "ttl" removes abandoned leases by itself.
func NewDynamoDb(dynamoDbClient *dynamodb.Client, tableName string, timeout time.Duration, ttlMargin time.Duration) *DynamoDB {
	return &DynamoDB{
		dynamoDbClient: dynamoDbClient,
		tableName:      tableName,
		timeout:        timeout,
		ttlMargin:      ttlMargin,
	}
}

func (d *DynamoDB) key(resourceID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		pkFieldName: &types.AttributeValueMemberS{Value: resourceID},
	}
}

func (d *DynamoDB) Acquire(ctx context.Context, l lease.Lease, stealUntil time.Time) (*AcquireInfo, error) {
	itm, err := attributevalue.MarshalMap(toItem(l, d.ttlMargin))
	if err != nil {
		return nil, fmt.Errorf("marshal lease: %w", err)
	}

	cond := expression.Or(
		expression.AttributeNotExists(expression.Name(pkFieldName)),
		expression.LessThanEqual(
			expression.Name(untilFieldName),
			expression.Value(&types.AttributeValueMemberN{Value: strconv.FormatInt(stealUntil.UnixMilli(), 10)})),
		expression.Equal(
			expression.Name(holderIdFieldName),
			expression.Value(&types.AttributeValueMemberS{Value: l.HolderID})))

	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, err
	}

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.dynamoDbClient.PutItem(dynamoCtx, &dynamodb.PutItemInput{
		Item:                                itm,
		TableName:                           aws.String(d.tableName),
		ConditionExpression:                 expr.Condition(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})

	if err != nil {
		var conditionalCheckFailedException *types.ConditionalCheckFailedException
		if errors.As(err, &conditionalCheckFailedException) {
			taken := &leaseerr.LeaseTakenError{Cause: err}
			holder, convErr := leaseFromAttributes(conditionalCheckFailedException.Item)
			if convErr == nil && holder == nil {
				// Older endpoints (e.g. some dynamodb-local versions) do not return the item. Read it, which is
				// informational only: the decision has been made by the conditional write already.
				holder, convErr = d.Get(ctx, l.ResourceID, time.Time{})
			}
			if convErr == nil && holder != nil {
				taken.Holder = *holder
			}
			return nil, taken
		}
		return nil, err
	}

	prev, err := leaseFromAttributes(out.Attributes)
	if err != nil {
		// The write succeeded, we only could not parse what was there before.
		return &AcquireInfo{}, nil
	}
	return &AcquireInfo{Previous: prev}, nil
}

func (d *DynamoDB) Get(ctx context.Context, resourceID string, liveAfter time.Time) (*lease.Lease, error) {
	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.dynamoDbClient.GetItem(dynamoCtx, &dynamodb.GetItemInput{
		Key:            d.key(resourceID),
		TableName:      aws.String(d.tableName),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	l, err := leaseFromAttributes(out.Item)
	if err != nil || l == nil {
		return nil, err
	}
	if !l.ExpiresAt.After(liveAfter) {
		return nil, nil
	}
	return l, nil
}

func (d *DynamoDB) Renew(ctx context.Context, resourceID string, holderID string, newUntil time.Time) (bool, error) {
	cond := expression.And(
		expression.AttributeExists(expression.Name(pkFieldName)),
		expression.Equal(
			expression.Name(holderIdFieldName),
			expression.Value(&types.AttributeValueMemberS{Value: holderID})))

	upd := expression.
		Set(expression.Name(untilFieldName), expression.Value(&types.AttributeValueMemberN{Value: strconv.FormatInt(newUntil.UnixMilli(), 10)})).
		Set(expression.Name(ttlFieldName), expression.Value(&types.AttributeValueMemberN{Value: strconv.FormatInt(newUntil.Add(d.ttlMargin).Unix(), 10)}))

	expr, err := expression.NewBuilder().WithCondition(cond).WithUpdate(upd).Build()
	if err != nil {
		return false, err
	}

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err = d.dynamoDbClient.UpdateItem(dynamoCtx, &dynamodb.UpdateItemInput{
		Key:                       d.key(resourceID),
		TableName:                 aws.String(d.tableName),
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	return conditionResult(err)
}

func (d *DynamoDB) Remove(ctx context.Context, resourceID string, holderID string) (bool, error) {
	cond := expression.And(
		expression.AttributeExists(expression.Name(pkFieldName)),
		expression.Equal(
			expression.Name(holderIdFieldName),
			expression.Value(&types.AttributeValueMemberS{Value: holderID})))

	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return false, err
	}

	dynamoCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err = d.dynamoDbClient.DeleteItem(dynamoCtx, &dynamodb.DeleteItemInput{
		Key:                       d.key(resourceID),
		TableName:                 aws.String(d.tableName),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	return conditionResult(err)
}

// A failed condition of an update/delete is the normal outcome for a caller that is not the holder (anymore).
func conditionResult(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	var conditionalCheckFailedException *types.ConditionalCheckFailedException
	if errors.As(err, &conditionalCheckFailedException) {
		return false, nil
	}
	return false, err
}
