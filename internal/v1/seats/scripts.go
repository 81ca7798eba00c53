package seats

import "github.com/redis/go-redis/v9"

// All seat mutations are single-round-trip Lua scripts so that no compound
// read-then-write runs at the client layer. Scripts return a status string
// first, followed by operation-specific values.

// KEYS[1]=seats hash, KEYS[2]=locked set
// ARGV[1]=seatIndex, ARGV[2]=userId, ARGV[3]=seatCount
// Returns {status, seatIndex, prevSeatIndex|-1}
var takeSeatScript = redis.NewScript(`
local idx = tonumber(ARGV[1])
local user = ARGV[2]
local count = tonumber(ARGV[3])
if idx < 0 or idx >= count then
  return {'SEAT_INVALID'}
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return {'SEAT_LOCKED'}
end
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local occ = cjson.decode(cur)
  if tostring(occ['userId']) == user then
    return {'OK', idx, -1}
  end
  return {'SEAT_TAKEN'}
end
local prev = -1
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local occ = cjson.decode(all[i+1])
  if tostring(occ['userId']) == user then
    redis.call('HDEL', KEYS[1], all[i])
    prev = tonumber(all[i])
  end
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({userId=tonumber(user), muted=false}))
return {'OK', idx, prev}
`)

// KEYS[1]=seats hash, KEYS[2]=locked set
// ARGV[1]=seatIndex, ARGV[2]=targetUserId, ARGV[3]=seatCount
// Returns {status, seatIndex, prevSeatIndex|-1}
var assignSeatScript = redis.NewScript(`
local idx = tonumber(ARGV[1])
local user = ARGV[2]
local count = tonumber(ARGV[3])
if idx < 0 or idx >= count then
  return {'SEAT_INVALID'}
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return {'SEAT_LOCKED'}
end
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return {'SEAT_OCCUPIED'}
end
local prev = -1
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local occ = cjson.decode(all[i+1])
  if tostring(occ['userId']) == user then
    redis.call('HDEL', KEYS[1], all[i])
    prev = tonumber(all[i])
  end
end
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode({userId=tonumber(user), muted=false}))
return {'OK', idx, prev}
`)

// KEYS[1]=seats hash
// ARGV[1]=userId
// Returns {status, seatIndex}
var leaveSeatScript = redis.NewScript(`
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local occ = cjson.decode(all[i+1])
  if tostring(occ['userId']) == ARGV[1] then
    redis.call('HDEL', KEYS[1], all[i])
    return {'OK', tonumber(all[i])}
  end
end
return {'NOT_SEATED'}
`)

// KEYS[1]=seats hash
// ARGV[1]=seatIndex, ARGV[2]=muted ("1"/"0")
// Returns {status, occupantUserId} so callers act on the user the script
// actually muted, not a separately-read snapshot.
var setMuteScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return {'USER_NOT_SEATED'}
end
local occ = cjson.decode(cur)
occ['muted'] = ARGV[2] == '1'
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(occ))
return {'OK', tonumber(occ['userId'])}
`)

// KEYS[1]=seats hash, KEYS[2]=locked set
// ARGV[1]=seatIndex
// Returns {status, kickedUserId|-1}
var lockSeatScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return {'SEAT_ALREADY_LOCKED'}
end
redis.call('SADD', KEYS[2], ARGV[1])
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  redis.call('HDEL', KEYS[1], ARGV[1])
  local occ = cjson.decode(cur)
  return {'OK', tonumber(occ['userId'])}
end
return {'OK', -1}
`)

// KEYS[1]=locked set
// ARGV[1]=seatIndex
// Returns {status}
var unlockSeatScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return {'SEAT_NOT_LOCKED'}
end
redis.call('SREM', KEYS[1], ARGV[1])
return {'OK'}
`)

// KEYS[1]=seats hash, KEYS[2]=invite key, KEYS[3]=reverse index key
// ARGV[1]=seatIndex, ARGV[2]=invite JSON, ARGV[3]=ttl seconds, ARGV[4]=targetUserId
// Returns {status}
var createInviteScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return {'SEAT_OCCUPIED'}
end
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local occ = cjson.decode(all[i+1])
  if tostring(occ['userId']) == ARGV[4] then
    return {'SEAT_TAKEN'}
  end
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {'INVITE_PENDING'}
end
if redis.call('EXISTS', KEYS[3]) == 1 then
  return {'INVITE_PENDING'}
end
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
redis.call('SET', KEYS[3], ARGV[1], 'EX', ARGV[3])
return {'OK'}
`)

// KEYS[1]=invite key
// ARGV[1]=reverse index key prefix (invite data names the target user)
// Returns the deleted invite JSON or false.
var deleteInviteScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return false
end
local inv = cjson.decode(data)
redis.call('DEL', KEYS[1])
redis.call('DEL', ARGV[1] .. tostring(inv['targetUserId']))
return data
`)

// KEYS[1]=reverse index key
// ARGV[1]=invite key prefix
// Returns the invite JSON or false.
var getInviteByUserScript = redis.NewScript(`
local idx = redis.call('GET', KEYS[1])
if not idx then
  return false
end
local data = redis.call('GET', ARGV[1] .. idx)
if not data then
  redis.call('DEL', KEYS[1])
  return false
end
return data
`)
