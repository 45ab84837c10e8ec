package routes

import (
	"ticket-payment-service/controllers"

	"github.com/gin-gonic/gin"
)

func RegisterPaymentRoutes(r *gin.Engine, auth gin.HandlerFunc, pc *controllers.PaymentController, wc *controllers.WebhookController, fc *controllers.FXController) {
	payments := r.Group("/payments")
	payments.Use(auth)
	payments.POST("", pc.CreatePayment)
	payments.POST("/verify", pc.VerifyPayment)
	payments.GET("/:id", pc.GetPayment)

	orders := r.Group("/orders")
	orders.Use(auth)
	orders.GET("/:id/tickets", pc.GetOrderTickets)

	r.POST("/fx/quote", fc.Quote)

	// provider callbacks (no auth, authenticated by signature)
	r.POST("/webhooks/:provider", wc.Receive)
	r.POST("/stripe/webhook", wc.StripeWebhook)
}
