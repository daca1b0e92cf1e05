package store_test

import (
	"github.com/xraph/orchestra/store"
	"github.com/xraph/orchestra/store/memory"
	"github.com/xraph/orchestra/store/postgres"
	"github.com/xraph/orchestra/store/redis"
)

var (
	_ store.Store = (*memory.Store)(nil)
	_ store.Store = (*postgres.Store)(nil)
	_ store.Store = (*redis.Store)(nil)
)
