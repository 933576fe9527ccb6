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

package logger

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/scailio-oss/dlease/logger"
)

type defaultLogger struct {
	entry *logrus.Entry
}

// Default returns a Logger writing text lines to stderr at level Info.
func Default() logger.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return FromLogrus(l)
}

// FromLogrus wraps an existing logrus logger. All messages are tagged with component=dlease.
func FromLogrus(l *logrus.Logger) logger.Logger {
	return &defaultLogger{entry: l.WithField("component", "dlease")}
}

func (d *defaultLogger) with(ctx context.Context, param []any) *logrus.Entry {
	e := d.entry.WithContext(ctx)
	if len(param) > 0 {
		e = e.WithField("params", param)
	}
	return e
}

func (d *defaultLogger) Debug(ctx context.Context, msg string, param ...any) {
	d.with(ctx, param).Debug(msg)
}

func (d *defaultLogger) Info(ctx context.Context, msg string, param ...any) {
	d.with(ctx, param).Info(msg)
}

func (d *defaultLogger) Warn(ctx context.Context, msg string, param ...any) {
	d.with(ctx, param).Warn(msg)
}

func (d *defaultLogger) Error(ctx context.Context, msg string, param ...any) {
	d.with(ctx, param).Error(msg)
}
