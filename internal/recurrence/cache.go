package recurrence

import lru "github.com/hashicorp/golang-lru/v2"

const cronCacheSize = 1024

// cronCache holds parsed cron expressions keyed by location and normalized text.
var cronCache = mustCache()

func mustCache() *lru.Cache[string, *CronExpr] {
	c, err := lru.New[string, *CronExpr](cronCacheSize)
	if err != nil {
		panic(err)
	}
	return c
}
