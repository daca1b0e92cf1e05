// Package redis implements store.Store on Redis. Executions, definitions
// and queue entries are Hashes; ready queues and lease expiries are Sorted
// Sets. Every multi-key transition (poll, ack, heartbeat, reap, revision
// CAS) runs as a Lua script so it is atomic on the server.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
