package backend

import redis "github.com/redis/go-redis/v9"

// Records live in a hash at KEYS[1]: field "mode" holds "x" (exclusive) or
// "s" (shared), every holder has a field "o:<owner>" with its total hold
// count and the exclusive holder a field "w:<owner>" with the exclusive part
// of that count.
// Fair waiters live in a list at KEYS[2] and a sorted set at KEYS[3] scored
// by the deadline of their queue slot.

// acquireScript returns -1 on success, -2 on a shared to exclusive upgrade
// attempt and the remaining lease in milliseconds otherwise.
//
// ARGV: owner, lease ms, mode, queue ms, now ms.
var acquireScript = redis.NewScript(`
local rec, queue, timeouts = KEYS[1], KEYS[2], KEYS[3]
local owner = ARGV[1]
local field = 'o:' .. owner
local wfield = 'w:' .. owner
local lease = tonumber(ARGV[2])
local mode = ARGV[3]
local wait = tonumber(ARGV[4])
local now = tonumber(ARGV[5])

local function extend()
  if redis.call('pttl', rec) < lease then
    redis.call('pexpire', rec, lease)
  end
end

local function dequeue()
  if wait > 0 then
    redis.call('lrem', queue, 0, owner)
    redis.call('zrem', timeouts, owner)
  end
end

local function head_ok()
  if wait <= 0 then
    return true
  end
  local head = redis.call('lindex', queue, 0)
  return (not head) or head == owner
end

local function blocked()
  if wait > 0 then
    if not redis.call('zscore', timeouts, owner) then
      redis.call('rpush', queue, owner)
    end
    redis.call('zadd', timeouts, now + wait, owner)
    redis.call('pexpire', queue, wait)
    redis.call('pexpire', timeouts, wait)
  end
  local ttl = redis.call('pttl', rec)
  if ttl < 0 then
    ttl = 0
  end
  return ttl
end

if wait > 0 then
  local stale = redis.call('zrangebyscore', timeouts, '-inf', now)
  for _, w in ipairs(stale) do
    redis.call('lrem', queue, 0, w)
  end
  redis.call('zremrangebyscore', timeouts, '-inf', now)
end

if redis.call('exists', rec) == 1 then
  local current = redis.call('hget', rec, 'mode')
  if redis.call('hexists', rec, field) == 1 then
    if mode == 'x' then
      if current == 's' then
        return -2
      end
      redis.call('hincrby', rec, wfield, 1)
    end
    redis.call('hincrby', rec, field, 1)
    extend()
    dequeue()
    return -1
  end
  if current == 's' and mode == 's' and head_ok() then
    redis.call('hset', rec, field, 1)
    extend()
    dequeue()
    return -1
  end
  return blocked()
end

if not head_ok() then
  return blocked()
end
redis.call('hset', rec, 'mode', mode)
redis.call('hset', rec, field, 1)
if mode == 'x' then
  redis.call('hset', rec, wfield, 1)
end
redis.call('pexpire', rec, lease)
dequeue()
return -1
`)

// renewScript returns 1 when the owner still holds the record.
//
// ARGV: owner, lease ms.
var renewScript = redis.NewScript(`
local rec = KEYS[1]
local lease = tonumber(ARGV[2])
if redis.call('hexists', rec, 'o:' .. ARGV[1]) == 0 then
  return 0
end
if redis.call('hget', rec, 'mode') == 's' and redis.call('pttl', rec) >= lease then
  return 1
end
redis.call('pexpire', rec, lease)
return 1
`)

// releaseScript returns -1 when the owner holds nothing in the given mode,
// 1 when the record was deleted, 2 when it turned shared and 0 otherwise.
//
// ARGV: owner, mode.
var releaseScript = redis.NewScript(`
local rec = KEYS[1]
local field = 'o:' .. ARGV[1]
local wfield = 'w:' .. ARGV[1]
local total = tonumber(redis.call('hget', rec, field) or '0')
local writes = tonumber(redis.call('hget', rec, wfield) or '0')
local result = 0
if ARGV[2] == 'x' then
  if writes <= 0 then
    return -1
  end
  if writes == 1 then
    redis.call('hdel', rec, wfield)
    redis.call('hset', rec, 'mode', 's')
    result = 2
  else
    redis.call('hincrby', rec, wfield, -1)
  end
elseif total - writes <= 0 then
  return -1
end
if total > 1 then
  redis.call('hincrby', rec, field, -1)
  return result
end
redis.call('hdel', rec, field)
if redis.call('hlen', rec) <= 1 then
  redis.call('del', rec)
  return 1
end
return 0
`)

// leaveScript drops the owner from the wait queue.
//
// ARGV: owner.
var leaveScript = redis.NewScript(`
redis.call('lrem', KEYS[1], 0, ARGV[1])
redis.call('zrem', KEYS[2], ARGV[1])
return 1
`)
