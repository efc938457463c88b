package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/course-purchase-service/internal/model"
)

// PurchaseReader is satisfied by *service.PurchaseService.
type PurchaseReader interface {
	ActivePurchase(ctx context.Context, studentID, courseID string) (*model.Purchase, error)
	Ping(ctx context.Context) error
}

func RegisterHandlers(r *gin.Engine, svc PurchaseReader, gatherer prometheus.Gatherer) {
	r.GET("/healthz", healthHandler(svc))
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	v1 := r.Group("/v1")
	{
		v1.GET("/students/:studentId/courses/:courseId/purchase", purchaseHandler(svc))
	}
}

func healthHandler(svc PurchaseReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := svc.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func purchaseHandler(svc PurchaseReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := svc.ActivePurchase(c.Request.Context(), c.Param("studentId"), c.Param("courseId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if p == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active purchase"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":           p.ID,
			"studentId":    p.StudentID,
			"courseId":     p.CourseID,
			"paymentId":    p.PaymentID,
			"purchaseTier": p.PurchaseTier,
			"amountPaid":   p.AmountPaid.String(),
			"expiryDate":   p.ExpiryDate,
			"metadata":     p.Metadata,
			"createdAt":    p.CreatedAt,
		})
	}
}
