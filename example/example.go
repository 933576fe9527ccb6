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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/scailio-oss/dlease"
	"github.com/scailio-oss/dlease/controller"
	leaseerr "github.com/scailio-oss/dlease/error"
	"github.com/scailio-oss/dlease/lease"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	awsConfig := aws.Config{} // Whatever you need to create the config
	dynamoDbClient := dynamodb.NewFromConfig(awsConfig)
	streamsClient := dynamodbstreams.NewFromConfig(awsConfig)

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	mgr, err := dlease.NewDynamoDbManager(ctx, dynamoDbClient, streamsClient,
		// This manager leases vehicles of the dealership
		dlease.WithResourceIdPrefix("vehicle-"),
		dlease.WithLease(5*time.Minute),
		dlease.WithRenewal(2*time.Minute),
		dlease.WithMaxClockSkew(2*time.Second),
		dlease.WithDynamoDbTimeout(1*time.Second),
		dlease.WithLogrusLogger(log),
		dlease.WithMetricsRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		fmt.Printf("Could not start lease manager: %v\n", err)
		return
	}
	defer mgr.Close()

	// One controller per open "sell this vehicle" screen. The identity comes from the logged-in user.
	ctl := controller.New(mgr, "WVW-1234", lease.KindSelling, "user-42", "Alice",
		controller.WithListener(func(e controller.Event) {
			switch e.Type {
			case controller.EventBecameLockedByOther:
				fmt.Printf("Banner: vehicle is being %v by %v\n", e.Kind, e.HolderName)
			case controller.EventBecameFree:
				fmt.Printf("Banner removed: vehicle is available\n")
			}
		}))
	// ends with ctx, i.e. when the screen is closed
	if err := ctl.Start(ctx); err != nil {
		fmt.Printf("Lease state unknown: %v\n", err)
	}

	res, err := ctl.Acquire(ctx)
	if err != nil {
		fmt.Printf("Could not determine lease state: %v\n", err)
		return
	}
	if res.Busy() {
		fmt.Printf("Vehicle is being %v by %v\n", res.Lease.Kind, res.Lease.HolderName)
		<-ctx.Done()
		return
	}

	// Right before the sale is written, re-validate the lease.
	if err := ctl.EnsureHeld(ctx); err != nil {
		if errors.Is(err, leaseerr.ErrNotHeld) {
			fmt.Printf("Lost the vehicle: %v\n", err)
		} else {
			fmt.Printf("Could not re-validate lease: %v\n", err)
		}
		return
	}

	// TODO write the sale of vehicle 'WVW-1234'

	if err := ctl.Release(ctx); err != nil {
		fmt.Printf("Release failed, lease will expire: %v\n", err)
	}
	ctl.Close()
}
