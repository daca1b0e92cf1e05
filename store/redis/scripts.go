package redis

import goredis "github.com/redis/go-redis/v9"

// enqueueScript stores an entry Hash and indexes it unless the key exists.
//
// KEYS: entry hash, ready zset, type set
// ARGV: member, visible score, field/value pairs...
var enqueueScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// pollScript leases up to count visible entries of one ready set, ordered
// by priority DESC, visible_at ASC, enqueued_at ASC.
//
// KEYS: ready zset, leases zset
// ARGV: now, count, lease expiry, owner, entry prefix, token...
var pollScript = goredis.NewScript(`
local count = tonumber(ARGV[2])
local expiry = ARGV[3]
local owner = ARGV[4]
local prefix = ARGV[5]
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1000)
local cands = {}
for _, m in ipairs(members) do
  local f = redis.call('HMGET', prefix .. m, 'priority', 'visible_at', 'enqueued_at')
  table.insert(cands, {m = m, p = tonumber(f[1]) or 0, v = tonumber(f[2]) or 0, e = tonumber(f[3]) or 0})
end
table.sort(cands, function(a, b)
  if a.p ~= b.p then return a.p > b.p end
  if a.v ~= b.v then return a.v < b.v end
  return a.e < b.e
end)
local out = {}
for i = 1, math.min(count, #cands) do
  local m = cands[i].m
  redis.call('ZREM', KEYS[1], m)
  redis.call('HSET', prefix .. m, 'lease_token', ARGV[5 + i], 'lease_owner', owner, 'lease_expiry', expiry)
  redis.call('ZADD', KEYS[2], expiry, m)
  table.insert(out, redis.call('HGETALL', prefix .. m))
end
return out
`)

// heartbeatScript moves a live lease's expiry.
//
// KEYS: entry hash, leases zset
// ARGV: member, token, now, new expiry
var heartbeatScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'lease_token', 'lease_expiry')
if not f[1] or f[1] == '' or f[1] ~= ARGV[2] or tonumber(f[2]) <= tonumber(ARGV[3]) then return 0 end
redis.call('HSET', KEYS[1], 'lease_expiry', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// ackScript deletes an entry whose lease token is still live.
//
// KEYS: entry hash, leases zset
// ARGV: member, token, now, type prefix
var ackScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'lease_token', 'lease_expiry', 'task_type')
if not f[1] or f[1] == '' or f[1] ~= ARGV[2] or tonumber(f[2]) <= tonumber(ARGV[3]) then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', ARGV[4] .. f[3], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// removeScript deletes an entry and all of its index memberships.
//
// KEYS: entry hash, leases zset
// ARGV: member, ready prefix, type prefix
var removeScript = goredis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'task_type', 'domain')
if not f[1] then return 0 end
redis.call('ZREM', ARGV[2] .. f[1] .. ':' .. (f[2] or ''), ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('SREM', ARGV[3] .. f[1], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// reapScript returns every entry whose lease expired at or before now, as
// it was before the lease was cleared, and puts it back in its ready set.
//
// KEYS: leases zset
// ARGV: now, entry prefix, ready prefix
var reapScript = goredis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local out = {}
for _, m in ipairs(members) do
  local key = ARGV[2] .. m
  redis.call('ZREM', KEYS[1], m)
  if redis.call('EXISTS', key) == 1 then
    table.insert(out, redis.call('HGETALL', key))
    local f = redis.call('HMGET', key, 'task_type', 'domain')
    redis.call('HSET', key, 'lease_token', '', 'lease_owner', '', 'lease_expiry', '0', 'visible_at', ARGV[1])
    redis.call('ZADD', ARGV[3] .. f[1] .. ':' .. (f[2] or ''), ARGV[1], m)
  end
end
return out
`)

// createExecutionScript stores a new execution at revision 1.
//
// KEYS: execution hash, execution ids zset
// ARGV: id, document, status, created score, ended score
var createExecutionScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'revision', '1', 'document', ARGV[2], 'status', ARGV[3], 'ended_at', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// updateExecutionScript replaces the document when the revision matches.
// Returns -1 when missing, 0 on conflict, 1 on success.
//
// KEYS: execution hash
// ARGV: expected revision, new revision, document, status, ended score
var updateExecutionScript = goredis.NewScript(`
local rev = redis.call('HGET', KEYS[1], 'revision')
if not rev then return -1 end
if rev ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'revision', ARGV[2], 'document', ARGV[3], 'status', ARGV[4], 'ended_at', ARGV[5])
return 1
`)
