package redis

import goredis "github.com/redis/go-redis/v9"

// Lua scripts for conditional row mutations. Every script addresses a single
// room hash, so they stay valid under Redis Cluster thanks to the {roomId}
// hash tag.

// patchRowScript sets and removes attributes of an existing row and stamps
// updatedOn. Patching a User row also stamps the Room row. Returns the patched
// row as JSON, or nil when the row does not exist.
// KEYS: [1]=room key
// ARGV: [1]=field, [2]=JSON object of attributes to set, [3]=now, [4..]=attributes to remove
var patchRowScript = goredis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return false
end
local row = cjson.decode(raw)
for k, v in pairs(cjson.decode(ARGV[2])) do
  row[k] = v
end
for i = 4, #ARGV do
  row[ARGV[i]] = nil
end
row['updatedOn'] = ARGV[3]
local encoded = cjson.encode(row)
redis.call('HSET', KEYS[1], ARGV[1], encoded)
if ARGV[1] ~= 'ROOM' then
  local rawRoom = redis.call('HGET', KEYS[1], 'ROOM')
  if rawRoom then
    local room = cjson.decode(rawRoom)
    room['updatedOn'] = ARGV[3]
    redis.call('HSET', KEYS[1], 'ROOM', cjson.encode(room))
  end
end
return encoded
`)

// insertUserScript adds a new User row to an existing room.
// Returns 1 on insert, 0 when the field is already taken, -1 when the room is gone.
// KEYS: [1]=room key
// ARGV: [1]=field, [2]=row JSON, [3]=now
var insertUserScript = goredis.NewScript(`
local rawRoom = redis.call('HGET', KEYS[1], 'ROOM')
if not rawRoom then
  return -1
end
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
local room = cjson.decode(rawRoom)
room['updatedOn'] = ARGV[3]
redis.call('HSET', KEYS[1], 'ROOM', cjson.encode(room))
return 1
`)

// deleteIfUnchangedScript removes a row only if its updatedOn still matches
// the value observed by the caller, so a row touched after it was read
// survives the sweep. Returns 1 when deleted.
// KEYS: [1]=room key
// ARGV: [1]=field, [2]=observed updatedOn
var deleteIfUnchangedScript = goredis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return 0
end
local row = cjson.decode(raw)
if row['updatedOn'] ~= ARGV[2] then
  return 0
end
return redis.call('HDEL', KEYS[1], ARGV[1])
`)
