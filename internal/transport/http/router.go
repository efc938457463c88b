package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/richardliu001/course-purchase-service/internal/config"
	"go.uber.org/zap"
)

func NewRouter(svc PurchaseReader, gatherer prometheus.Gatherer, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, gatherer)
	return r
}
