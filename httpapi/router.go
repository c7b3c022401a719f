package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NewRouter assembles the REST surface. Auth and the payment webhook are
// public; everything else requires a bearer token.
func NewRouter(h *Handler, verifier TokenVerifier) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		api.POST("/auth/register", h.Register)
		api.POST("/auth/login", h.Login)
		api.POST("/webhooks/payment", h.PaymentWebhook)
	}

	protected := api.Group("/")
	protected.Use(RequireAuth(verifier))
	{
		protected.GET("/auth/me", h.Me)
		protected.PUT("/auth/pix-key", h.SetPixKey)

		protected.POST("/bids/:id/accept", h.AcceptBid)

		protected.GET("/engagements", h.ListEngagements)
		protected.GET("/engagements/:id", h.GetEngagement)
		protected.POST("/engagements/:id/check-in", h.CheckIn)
		protected.POST("/engagements/:id/check-out", h.CheckOut)
		protected.POST("/engagements/:id/complete", h.Complete)

		protected.POST("/engagements/:id/proposals", h.Propose)
		protected.GET("/engagements/:id/proposals", h.ProposalHistory)
		protected.GET("/engagements/:id/terms", h.CurrentTerms)
		protected.POST("/proposals/:id/accept", h.AcceptProposal)

		protected.POST("/engagements/:id/contract", h.DraftContract)
		protected.POST("/engagements/:id/contract/sign", h.SignContract)
		protected.GET("/engagements/:id/contract", h.GetContract)
		protected.GET("/engagements/:id/contracts", h.ContractHistory)

		protected.POST("/engagements/:id/charges", h.IssueCharges)
		protected.GET("/engagements/:id/charges", h.ListCharges)
	}

	return router
}
