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

package dlease

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	internallogger "github.com/scailio-oss/dlease/internal/logger"
	"github.com/scailio-oss/dlease/internal/manager"
	"github.com/scailio-oss/dlease/internal/metrics"
	"github.com/scailio-oss/dlease/internal/storage"
	"github.com/scailio-oss/dlease/logger"
)

const defaultTableName = "dlease"
const defaultLease = 5 * time.Minute
const defaultRenewal = 2 * time.Minute
const defaultDynamoDbTimeout = 1 * time.Second
const defaultStreamPollInterval = 1 * time.Second
const defaultSweepInterval = 1 * time.Minute
const defaultFeedRetryDelay = 5 * time.Second
const defaultCleanupTimeout = 5 * time.Second
const defaultSQLiteBusyTimeout = 5 * time.Second

// DynamoDB deletes expired items lazily by TTL; we keep them around for this long after they expired.
const ttlMargin = 1 * time.Hour

// NewDynamoDbManager creates a new Manager based on DynamoDB.
// The table must exist, have a partition key of type String with the name "key", and a stream of view type
// NEW_AND_OLD_IMAGES. Enabling TTL on the attribute "ttl" is recommended. streamsClient is used to watch for changes,
// see Manager.Subscribe.
// options: Additional, optional options.
func NewDynamoDbManager(ctx context.Context, dynamodbClient *dynamodb.Client, streamsClient *dynamodbstreams.Client,
	options ...ManagerOption) (Manager, error) {
	params := newParams(options)

	db := storage.NewDynamoDb(dynamodbClient, params.tableName, params.dynamoDbTimeout,
		params.maxClockSkew+ttlMargin)
	feed := storage.NewDynamoDbStreamFeed(dynamodbClient, streamsClient, params.tableName, params.dynamoDbTimeout,
		params.streamPollInterval, params.clock, params.logger)

	m, err := newManager(ctx, db, feed, params)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewSQLiteManager creates a new Manager based on the SQLite database file at path, creating it if needed.
// Subscriptions see the changes made through this Manager only, i.e. all participants must share one Manager. Use
// it for single-process deployments and development.
func NewSQLiteManager(ctx context.Context, path string, options ...ManagerOption) (Manager, error) {
	params := newParams(options)

	db, err := storage.OpenSQLite(ctx, storage.SQLiteConfig{Path: path, BusyTimeout: params.sqliteBusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}

	m, err := newManager(ctx, db, db.Feed(), params)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteManager{Manager: m, db: db}, nil
}

func newManager(ctx context.Context, db storage.DB, feed storage.Feed, params *ManagerParams) (*manager.Manager, error) {
	m, err := metrics.New(params.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return manager.New(ctx, db, feed, params.clock, params.logger, m, manager.Config{
		Lease:            params.lease,
		Renewal:          params.renewal,
		MaxClockSkew:     params.maxClockSkew,
		SweepInterval:    params.sweepInterval,
		FeedRetryDelay:   params.feedRetryDelay,
		CleanupTimeout:   params.cleanupTimeout,
		ResourceIdPrefix: params.resourceIdPrefix,
	})
}

// Closes the database after the Manager released all leases.
type sqliteManager struct {
	*manager.Manager
	db *storage.SQLite
}

func (s *sqliteManager) Close() {
	s.Manager.Close()
	if err := s.db.Close(); err != nil {
		s.Manager.Logger().Warn(context.Background(), "Could not close sqlite database", err)
	}
}

func newParams(options []ManagerOption) *ManagerParams {
	params := &ManagerParams{}
	for _, opt := range options {
		opt(params)
	}

	if params.logger == nil {
		params.logger = internallogger.Default()
	}
	if params.tableName == "" {
		params.tableName = defaultTableName
	}
	if params.lease == 0 {
		params.lease = defaultLease
	}
	if params.renewal == 0 {
		params.renewal = defaultRenewal
	}
	// maxClockSkew is 0 by default
	if params.dynamoDbTimeout == 0 {
		params.dynamoDbTimeout = defaultDynamoDbTimeout
	}
	if params.streamPollInterval == 0 {
		params.streamPollInterval = defaultStreamPollInterval
	}
	if !params.sweepIntervalSet {
		params.sweepInterval = defaultSweepInterval
	}
	if params.feedRetryDelay == 0 {
		params.feedRetryDelay = defaultFeedRetryDelay
	}
	if params.cleanupTimeout == 0 {
		params.cleanupTimeout = defaultCleanupTimeout
	}
	if params.sqliteBusyTimeout == 0 {
		params.sqliteBusyTimeout = defaultSQLiteBusyTimeout
	}
	if params.clock == nil {
		params.clock = clock.New()
	}
	// resourceIdPrefix is by default "" already, registerer nil means metrics are not registered
	return params
}

type ManagerParams struct {
	logger             logger.Logger
	tableName          string
	lease              time.Duration
	renewal            time.Duration
	maxClockSkew       time.Duration
	dynamoDbTimeout    time.Duration
	streamPollInterval time.Duration
	sweepInterval      time.Duration
	sweepIntervalSet   bool
	feedRetryDelay     time.Duration
	cleanupTimeout     time.Duration
	sqliteBusyTimeout  time.Duration
	resourceIdPrefix   string
	registerer         prometheus.Registerer
	clock              clock.Clock
}

type ManagerOption func(params *ManagerParams)

// Use the given Logger instead of a default one
func WithLogger(logger logger.Logger) ManagerOption {
	return func(params *ManagerParams) {
		params.logger = logger
	}
}

// Log to the given logrus logger instead of a default one. Entries are tagged with component=dlease.
func WithLogrusLogger(l *logrus.Logger) ManagerOption {
	return func(params *ManagerParams) {
		params.logger = internallogger.FromLogrus(l)
	}
}

// Use the given DynamoDB table name instead of the default defaultTableName
func WithTableName(tableName string) ManagerOption {
	return func(params *ManagerParams) {
		params.tableName = tableName
	}
}

// Use the given lease duration instead of the default defaultLease.
// A lease that is not renewed expires after this duration, after which other holders can acquire it (after an
// additional wait for the MaxClockSkew). This bounds how long a resource stays blocked after its holder vanished.
// The lease duration and renewal interval should be chosen in a way that multiple renewals happen during one lease
// duration, so that single renewals can fail e.g. due to temporary connection issues without losing the lease.
func WithLease(lease time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.lease = lease
	}
}

// Use the given renewal interval instead of the default defaultRenewal. Must be shorter than the lease duration.
// See WithLease.
func WithRenewal(renewal time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.renewal = renewal
	}
}

// Use this maximum clock skew instead of the default 0.
// Expiry is judged on the clocks of the participating systems, i.e. all systems using the same store with the same
// ResourceIdPrefix. This parameter specifies an upper bound of the difference of their clocks. Leases are treated as
// live and are not taken over until expiresAt+maxClockSkew. The Manager that holds a lease considers it lost at
// expiresAt already.
func WithMaxClockSkew(maxClockSkew time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.maxClockSkew = maxClockSkew
	}
}

// Use this timeout for DynamoDB calls instead of the default.
// The Manager calls DynamoDB both in methods directly triggered by the user, but also in goroutines (e.g. renewals,
// the change feed). This timeout will be used for the remote calls.
func WithDynamoDbTimeout(dynamoDbTimeout time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.dynamoDbTimeout = dynamoDbTimeout
	}
}

// Use this prefix for all resource ids.
// This allows to re-use the same table for different kinds of resources. Resource ids passed in and returned by the
// Manager never contain the prefix.
func WithResourceIdPrefix(resourceIdPrefix string) ManagerOption {
	return func(params *ManagerParams) {
		params.resourceIdPrefix = resourceIdPrefix
	}
}

// Poll DynamoDB streams in this interval instead of the default. Bounds the latency of subscriptions.
func WithStreamPollInterval(pollInterval time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.streamPollInterval = pollInterval
	}
}

// Delete expired rows in this interval instead of the default. 0 disables sweeping. Only used by stores that do not
// expire rows themselves, i.e. SQLite.
func WithSweepInterval(sweepInterval time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.sweepInterval = sweepInterval
		params.sweepIntervalSet = true
	}
}

// Wait this long before re-establishing a failed change feed instead of the default.
func WithFeedRetryDelay(feedRetryDelay time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.feedRetryDelay = feedRetryDelay
	}
}

// Upper bound for releases run by Cleanup and Close instead of the default.
func WithCleanupTimeout(cleanupTimeout time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.cleanupTimeout = cleanupTimeout
	}
}

// Wait this long for a locked SQLite database instead of the default.
func WithSQLiteBusyTimeout(busyTimeout time.Duration) ManagerOption {
	return func(params *ManagerParams) {
		params.sqliteBusyTimeout = busyTimeout
	}
}

// Register the Manager's prometheus metrics at reg. By default, metrics are collected but not registered.
func WithMetricsRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(params *ManagerParams) {
		params.registerer = reg
	}
}

// Use the given clock instead of the system clock.
func WithClock(clk clock.Clock) ManagerOption {
	return func(params *ManagerParams) {
		params.clock = clk
	}
}
