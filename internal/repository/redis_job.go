package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/docforge/api/internal/model"
)

// createScript inserts the job hash unless the generation already holds an active job.
// KEYS: job hash, active marker. ARGV: id, score, field/value pairs.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return -1 end
if not redis.call('SET', KEYS[2], ARGV[1], 'NX') then return 0 end
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', 'jobs:status:pending', ARGV[2], ARGV[1])
return 1
`)

// claimScript moves pending to processing, keeping the first startedAt.
// KEYS: job hash. ARGV: id, now, score.
var claimScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'processing', 'claimedAt', ARGV[2])
local started = redis.call('HGET', KEYS[1], 'startedAt')
if not started or started == '' then
	redis.call('HSET', KEYS[1], 'startedAt', ARGV[2])
end
redis.call('ZREM', 'jobs:status:pending', ARGV[1])
redis.call('ZADD', 'jobs:status:processing', ARGV[3], ARGV[1])
return 1
`)

// transitionScript sets status and fields when the current status is one of the allowed ones.
// KEYS: job hash. ARGV: id, target, score, allowed (space separated), release active marker (0/1), field/value pairs.
var transitionScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
local allowed = false
for s in string.gmatch(ARGV[4], '%S+') do
	if s == st then allowed = true end
end
if not allowed then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
for i = 6, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
if ARGV[2] ~= st then
	redis.call('ZREM', 'jobs:status:' .. st, ARGV[1])
	redis.call('ZADD', 'jobs:status:' .. ARGV[2], ARGV[3], ARGV[1])
end
if ARGV[5] == '1' then
	local gen = redis.call('HGET', KEYS[1], 'generationId')
	local marker = 'active:' .. gen
	if redis.call('GET', marker) == ARGV[1] then
		redis.call('DEL', marker)
	end
end
return 1
`)

// progressScript sets the completed counter of a processing job, bounded by its total.
// KEYS: job hash. ARGV: completed.
var progressScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'processing' then return 0 end
local n = tonumber(ARGV[1])
if n < 0 or n > tonumber(redis.call('HGET', KEYS[1], 'total')) then return 0 end
redis.call('HSET', KEYS[1], 'completed', ARGV[1])
return 1
`)

// requeueScript moves a processing job back to pending when it was claimed before the cutoff.
// KEYS: job hash. ARGV: id, cutoff score, now score.
var requeueScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then return -1 end
if st ~= 'processing' then return 0 end
local claimed = redis.call('ZSCORE', 'jobs:status:processing', ARGV[1])
if not claimed or tonumber(claimed) >= tonumber(ARGV[2]) then return 0 end
redis.call('HSET', KEYS[1], 'status', 'pending')
redis.call('ZREM', 'jobs:status:processing', ARGV[1])
redis.call('ZADD', 'jobs:status:pending', ARGV[3], ARGV[1])
return 1
`)

// RedisJobRepository stores each job as a hash at job:<id>. Status transitions run
// as Lua scripts so they are atomic compare-and-sets.
type RedisJobRepository struct {
	redis *redis.Client
}

func NewRedisJobRepository(redisClient *redis.Client) *RedisJobRepository {
	return &RedisJobRepository{redis: redisClient}
}

func jobKey(jobID string) string { return fmt.Sprintf("job:%s", jobID) }

func activeKey(generationID string) string { return fmt.Sprintf("active:%s", generationID) }

func statusKey(status model.JobStatus) string { return fmt.Sprintf("jobs:status:%s", status) }

func score(t time.Time) int64 { return t.UnixMilli() }

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *RedisJobRepository) Create(ctx context.Context, job *model.Job) error {
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}

	args := []interface{}{
		job.ID, score(job.CreatedAt),
		"id", job.ID,
		"generationId", job.GenerationID,
		"status", string(job.Status),
		"total", job.TotalPlaceholders,
		"completed", 0,
		"error", "",
		"artifact", "",
		"config", string(config),
		"createdAt", formatTime(&job.CreatedAt),
		"startedAt", "",
		"claimedAt", "",
		"completedAt", "",
	}

	res, err := createScript.Run(ctx, r.redis, []string{jobKey(job.ID), activeKey(job.GenerationID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("create job %s: id already exists", job.ID)
	case 0:
		return model.ErrActiveJobExists
	}
	return nil
}

func (r *RedisJobRepository) Get(ctx context.Context, jobID string) (*model.Job, error) {
	fields, err := r.redis.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, model.ErrJobNotFound
	}
	return decodeJob(fields)
}

func decodeJob(fields map[string]string) (*model.Job, error) {
	job := &model.Job{
		ID:           fields["id"],
		GenerationID: fields["generationId"],
		Status:       model.JobStatus(fields["status"]),
	}

	var err error
	if job.TotalPlaceholders, err = strconv.Atoi(fields["total"]); err != nil {
		return nil, fmt.Errorf("decode job %s total: %w", job.ID, err)
	}
	if job.CompletedPlaceholders, err = strconv.Atoi(fields["completed"]); err != nil {
		return nil, fmt.Errorf("decode job %s completed: %w", job.ID, err)
	}
	if msg := fields["error"]; msg != "" {
		job.ErrorMessage = &msg
	}
	if path := fields["artifact"]; path != "" {
		job.FinalArtifactPath = &path
	}
	if err := job.Config.Scan(fields["config"]); err != nil {
		return nil, fmt.Errorf("decode job %s config: %w", job.ID, err)
	}

	created, err := parseTime(fields["createdAt"])
	if err != nil {
		return nil, fmt.Errorf("decode job %s createdAt: %w", job.ID, err)
	}
	if created != nil {
		job.CreatedAt = *created
	}
	if job.StartedAt, err = parseTime(fields["startedAt"]); err != nil {
		return nil, fmt.Errorf("decode job %s startedAt: %w", job.ID, err)
	}
	if job.ClaimedAt, err = parseTime(fields["claimedAt"]); err != nil {
		return nil, fmt.Errorf("decode job %s claimedAt: %w", job.ID, err)
	}
	if job.CompletedAt, err = parseTime(fields["completedAt"]); err != nil {
		return nil, fmt.Errorf("decode job %s completedAt: %w", job.ID, err)
	}
	return job, nil
}

func (r *RedisJobRepository) GetStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	status, err := r.redis.HGet(ctx, jobKey(jobID), "status").Result()
	if err != nil {
		if err == redis.Nil {
			return "", model.ErrJobNotFound
		}
		return "", fmt.Errorf("get job status %s: %w", jobID, err)
	}
	return model.JobStatus(status), nil
}

func (r *RedisJobRepository) Claim(ctx context.Context, jobID string) (*model.Job, error) {
	now := time.Now().UTC()
	res, err := claimScript.Run(ctx, r.redis, []string{jobKey(jobID)}, jobID, formatTime(&now), score(now)).Int()
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if err := scriptResult(res, model.ErrClaimConflict); err != nil {
		return nil, err
	}
	return r.Get(ctx, jobID)
}

func (r *RedisJobRepository) UpdateProgress(ctx context.Context, jobID string, completed int) error {
	res, err := progressScript.Run(ctx, r.redis, []string{jobKey(jobID)}, completed).Int()
	if err != nil {
		return fmt.Errorf("update progress %s: %w", jobID, err)
	}
	if res == -1 {
		return model.ErrJobNotFound
	}
	return nil
}

func (r *RedisJobRepository) Complete(ctx context.Context, jobID, artifactPath string, completed int) error {
	now := time.Now().UTC()
	return r.transition(ctx, jobID, model.JobStatusCompleted, []model.JobStatus{model.JobStatusProcessing}, true,
		"artifact", artifactPath, "completed", completed, "error", "", "completedAt", formatTime(&now))
}

func (r *RedisJobRepository) Fail(ctx context.Context, jobID, message string) error {
	now := time.Now().UTC()
	return r.transition(ctx, jobID, model.JobStatusFailed, []model.JobStatus{model.JobStatusProcessing}, true,
		"error", message, "artifact", "", "completedAt", formatTime(&now))
}

func (r *RedisJobRepository) Cancel(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	return r.transition(ctx, jobID, model.JobStatusCancelled,
		[]model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}, true,
		"completedAt", formatTime(&now))
}

func (r *RedisJobRepository) Requeue(ctx context.Context, jobID string, claimedBefore time.Time) error {
	res, err := requeueScript.Run(ctx, r.redis, []string{jobKey(jobID)},
		jobID, score(claimedBefore), score(time.Now())).Int()
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	return scriptResult(res, model.ErrClaimConflict)
}

func (r *RedisJobRepository) ListByStatus(ctx context.Context, status model.JobStatus, before time.Time, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.redis.ZRangeByScore(ctx, statusKey(status), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(score(before), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}

	jobs := make([]*model.Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if err == model.ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisJobRepository) transition(ctx context.Context, jobID string, target model.JobStatus, from []model.JobStatus, release bool, fields ...interface{}) error {
	allowed := ""
	for i, s := range from {
		if i > 0 {
			allowed += " "
		}
		allowed += string(s)
	}
	releaseFlag := "0"
	if release {
		releaseFlag = "1"
	}

	args := append([]interface{}{jobID, string(target), score(time.Now()), allowed, releaseFlag}, fields...)
	res, err := transitionScript.Run(ctx, r.redis, []string{jobKey(jobID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("transition job %s to %s: %w", jobID, target, err)
	}
	return scriptResult(res, model.ErrJobAlreadyFinal)
}

func scriptResult(res int, conflict error) error {
	switch res {
	case -1:
		return model.ErrJobNotFound
	case 0:
		return conflict
	}
	return nil
}
