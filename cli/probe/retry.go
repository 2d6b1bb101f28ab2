//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package probe

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
)

// WithRetry runs op with a per-attempt timeout. Timed out attempts are retried
// up to attempts times in total, after which the probe is considered gone and
// an error caused by ErrDisconnected is returned. Other errors are returned as is.
func WithRetry(ctx context.Context, attempts int, timeout time.Duration, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		actx, cancel := context.WithTimeout(ctx, timeout)
		err := op(actx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Annotatef(ctx.Err(), "attempt %d", i)
		}
		if !IsTimeout(err) {
			return err
		}
		glog.V(1).Infof("attempt %d/%d timed out: %s", i, attempts, err)
		lastErr = err
	}
	glog.Errorf("giving up after %d attempts: %s", attempts, lastErr)
	return errors.Annotatef(errors.Wrap(lastErr, ErrDisconnected), "no response after %d attempts", attempts)
}
