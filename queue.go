/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package taxgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/taxgate/taxgate/config"
	redis_db "github.com/taxgate/taxgate/internal/redis-db"
	"github.com/taxgate/taxgate/model"
)

// TaskTypeExecute is the asynq task type that runs one attempt of a request.
const TaskTypeExecute = "request:execute"

// Enqueuer is the part of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskReclaimer is implemented by queues that can free the id of a task that will
// never run again.
type TaskReclaimer interface {
	ReclaimTaskID(ctx context.Context, id string) (bool, error)
}

// Queue represents the retry queue backing the scheduler.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	name      string
}

// NewQueue connects the asynq client and inspector to the configured redis.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	queueOptions, err := redis_db.AsynqOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		name:      conf.Queue.Name,
	}, nil
}

// EnqueueContext satisfies Enqueuer.
func (q *Queue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return q.Client.EnqueueContext(ctx, task, opts...)
}

// Depth reports how many tasks wait in the queue, scheduled retries included.
func (q *Queue) Depth() (int, error) {
	info, err := q.Inspector.GetQueueInfo(q.name)
	if err != nil {
		return 0, err
	}
	return info.Pending + info.Scheduled + info.Retry + info.Active, nil
}

// ReclaimTaskID deletes the task holding id when asynq has archived it or kept it as
// completed, and reports whether the id is free to enqueue again. A task that is
// still pending, scheduled, retrying or active keeps its id.
func (q *Queue) ReclaimTaskID(_ context.Context, id string) (bool, error) {
	info, err := q.Inspector.GetTaskInfo(q.name, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		err := q.Inspector.DeleteTask(q.name, id)
		if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

// executePayload is what travels through the queue. The unit itself cannot, so its
// kind and payload are carried and rebuilt by the worker.
type executePayload struct {
	HashedCallerID  string `json:"hashed_caller_id"`
	RequestID       string `json:"request_id"`
	ExpectedAttempt int    `json:"expected_attempt"`
	Kind            string `json:"kind"`
	Payload         []byte `json:"payload,omitempty"`
}

func (p executePayload) key() model.RequestKey {
	return model.RequestKey{HashedCallerID: p.HashedCallerID, RequestID: p.RequestID}
}

// taskID is unique per attempt, so enqueueing the same attempt twice collapses.
func taskID(prefix string, key model.RequestKey, expectedAttempt int) string {
	return fmt.Sprintf("%s:%s:%s:%d", prefix, key.HashedCallerID, key.RequestID, expectedAttempt)
}

func decodeExecutePayload(data []byte) (executePayload, error) {
	var p executePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, err
	}
	if p.HashedCallerID == "" || p.RequestID == "" {
		return p, fmt.Errorf("task payload missing request key")
	}
	return p, nil
}
