package http

import "github.com/gin-gonic/gin"

func RegisterBusRoutes(r *gin.Engine, handler *BusHandler) {
	events := r.Group("/events")
	{
		events.POST("/", handler.PublishEvent)
		events.GET("/", handler.GetEventHistory)
		events.GET("/:id", handler.GetEvent)
		events.GET("/failed", handler.GetFailedEvents)
		events.GET("/aggregate/:aggregate_id", handler.GetEventsByAggregate)
		events.GET("/correlation/:correlation_id", handler.GetCorrelationChain)
		events.POST("/replay", handler.ReplayEvents)
		events.GET("/statistics", handler.GetEventStatistics)
	}

	subs := r.Group("/subscriptions")
	{
		subs.POST("/", handler.Subscribe)
		subs.DELETE("/:id", handler.Unsubscribe)
		subs.GET("/statistics", handler.GetSubscriptionStatistics)
	}

	r.GET("/health", handler.Health)
	r.GET("/metrics", handler.GetMetrics)
}
