package middleware

import (
	"github.com/gin-gonic/gin"
	limiter "github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimit builds a per-client-IP rate limiting middleware from a
// formatted rate such as "200-S" (200 requests per second)
func RateLimit(rate string) (gin.HandlerFunc, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, err
	}
	store := memory.NewStore()
	return mgin.NewMiddleware(limiter.New(store, parsed)), nil
}
