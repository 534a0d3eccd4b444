// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExceptionBudgetDoesNotTripUnderMax(t *testing.T) {
	b := newExceptionBudget(3, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.False(t, b.record())
	}
}

func TestExceptionBudgetTripsOverMax(t *testing.T) {
	b := newExceptionBudget(2, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	assert.False(t, b.record())
	assert.False(t, b.record())
	assert.True(t, b.record())
}

func TestExceptionBudgetPrunesOldEntriesOutsideWindow(t *testing.T) {
	b := newExceptionBudget(1, 10*time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	assert.False(t, b.record())

	now = now.Add(20 * time.Second)
	assert.False(t, b.record())
	assert.Len(t, b.times, 1)
}
