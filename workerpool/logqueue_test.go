// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package workerpool

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregatorDispatchesOnlyToHandlersThatAdmitTheLevel(t *testing.T) {
	queue := NewLogQueue(4)

	var warnGot, debugGot []Record
	agg := NewQueueAggregator(queue,
		OutputHandler{Level: logrus.WarnLevel, Write: func(r Record) { warnGot = append(warnGot, r) }},
		OutputHandler{Level: logrus.DebugLevel, Write: func(r Record) { debugGot = append(debugGot, r) }},
	)

	done := make(chan struct{})
	go func() {
		agg.Run()
		close(done)
	}()

	queue.Enqueue(Record{Level: logrus.ErrorLevel, Message: "boom"})
	queue.Enqueue(Record{Level: logrus.DebugLevel, Message: "trace detail"})
	queue.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not exit after queue closed")
	}

	require.Len(t, warnGot, 1)
	assert.Equal(t, "boom", warnGot[0].Message)

	require.Len(t, debugGot, 2)
}

func TestQueueHookForwardsEntryAndTagsWorker(t *testing.T) {
	queue := NewLogQueue(2)
	hook := NewQueueHook(queue, "Worker-3")

	entry := &logrus.Entry{Level: logrus.InfoLevel, Message: "hello", Data: logrus.Fields{"k": "v"}}
	require.NoError(t, hook.Fire(entry))

	rec := <-queue.records
	assert.Equal(t, "Worker-3", rec.Worker)
	assert.Equal(t, "hello", rec.Message)
	assert.Equal(t, logrus.InfoLevel, rec.Level)
	assert.Equal(t, "v", rec.Fields["k"])
}

func TestQueueHookLevelsCoversEverything(t *testing.T) {
	hook := NewQueueHook(NewLogQueue(1), "Worker-0")
	assert.Equal(t, logrus.AllLevels, hook.Levels())
}
