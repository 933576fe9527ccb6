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

import "context"

// Logger is used for all log output. param holds the values named in parentheses at the end of msg, e.g.
// Info(ctx, "Acquired lease (resourceId/until)", resourceId, until).
type Logger interface {
	Debug(ctx context.Context, msg string, param ...any)
	Info(ctx context.Context, msg string, param ...any)
	Warn(ctx context.Context, msg string, param ...any)
	Error(ctx context.Context, msg string, param ...any)
}
