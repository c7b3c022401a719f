package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"agroflow/contract"
	"agroflow/engagement"
	"agroflow/identity"
	"agroflow/negotiation"
	"agroflow/settlement"
)

// IdentityService is the identity surface the handlers call.
type IdentityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*identity.User, error)
	SetPixKey(ctx context.Context, userID, pixKey string) (*identity.User, error)
	VerifyToken(token string) (string, identity.Role, error)
}

// EngagementService is the lifecycle surface the handlers call.
type EngagementService interface {
	AcceptBid(ctx context.Context, params engagement.AcceptBidParams) (engagement.Engagement, error)
	CheckIn(ctx context.Context, params engagement.CheckParams) (engagement.Engagement, error)
	CheckOut(ctx context.Context, params engagement.CheckParams) (engagement.Engagement, error)
	MarkCompleted(ctx context.Context, engagementID, actorID string) (engagement.Engagement, error)
	Get(ctx context.Context, id string) (engagement.Engagement, error)
	ListForUser(ctx context.Context, userID string) ([]engagement.Engagement, error)
}

// NegotiationService is the terms-ledger surface the handlers call.
type NegotiationService interface {
	Propose(ctx context.Context, params negotiation.ProposeParams) (negotiation.Proposal, error)
	Accept(ctx context.Context, params negotiation.AcceptParams) (negotiation.Proposal, error)
	History(ctx context.Context, engagementID string) ([]negotiation.Proposal, error)
	CurrentTerms(ctx context.Context, engagementID string) (negotiation.Proposal, negotiation.Resolution, error)
}

// ContractService is the dual-signature surface the handlers call.
type ContractService interface {
	Draft(ctx context.Context, engagementID, actorID string) (contract.Contract, error)
	Sign(ctx context.Context, engagementID, actorID string) (contract.Contract, error)
	Get(ctx context.Context, engagementID string) (contract.Contract, error)
	History(ctx context.Context, engagementID string) ([]contract.Contract, error)
}

// SettlementService is the charge surface the handlers call.
type SettlementService interface {
	IssueCharges(ctx context.Context, engagementID, actorID string) (settlement.ChargePair, error)
	HandleRailConfirmation(ctx context.Context, req settlement.RailConfirmation) error
	ListCharges(ctx context.Context, engagementID string) ([]settlement.Charge, error)
}

// Handler bundles the services behind the REST surface.
type Handler struct {
	identity    IdentityService
	engagements EngagementService
	negotiation NegotiationService
	contracts   ContractService
	settlement  SettlementService
}

func NewHandler(id IdentityService, eng EngagementService, neg NegotiationService, con ContractService, set SettlementService) *Handler {
	return &Handler{
		identity:    id,
		engagements: eng,
		negotiation: neg,
		contracts:   con,
		settlement:  set,
	}
}

// writeError maps domain sentinels onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, engagement.ErrForbidden),
		errors.Is(err, negotiation.ErrProposerNotParty),
		errors.Is(err, negotiation.ErrRoleMismatch),
		errors.Is(err, contract.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, engagement.ErrNotFound),
		errors.Is(err, engagement.ErrBidNotFound),
		errors.Is(err, negotiation.ErrProposalNotFound),
		errors.Is(err, negotiation.ErrEngagementNotFound),
		errors.Is(err, negotiation.ErrNoAcceptedTerms),
		errors.Is(err, contract.ErrNotFound),
		errors.Is(err, contract.ErrEngagementNotFound),
		errors.Is(err, settlement.ErrChargeNotFound),
		errors.Is(err, settlement.ErrEngagementNotFound),
		errors.Is(err, identity.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engagement.ErrContractNotExecuted),
		errors.Is(err, engagement.ErrInvalidTransition),
		errors.Is(err, engagement.ErrBidNotAccepted),
		errors.Is(err, contract.ErrNoAcceptedTerms),
		errors.Is(err, contract.ErrAlreadyExecuted),
		errors.Is(err, contract.ErrActiveContract),
		errors.Is(err, settlement.ErrContractNotExecuted),
		errors.Is(err, settlement.ErrAlreadyTerminal),
		errors.Is(err, settlement.ErrActiveCharge):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, negotiation.ErrInvalidTerms),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrDuplicateEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// pathID returns the :id path parameter, rejecting values that are not UUIDs
// before they reach the database.
func pathID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if err := uuid.Validate(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return "", false
	}
	return id, true
}

// --- auth ---

func (h *Handler) Register(c *gin.Context) {
	var req identity.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	user, err := h.identity.Register(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, userResponse(user))
}

func (h *Handler) Login(c *gin.Context) {
	var req identity.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	result, err := h.identity.Login(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token": result.Token,
		"user":  userResponse(&result.User),
	})
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.identity.GetUserByID(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse(user))
}

func (h *Handler) SetPixKey(c *gin.Context) {
	var req struct {
		PixKey string `json:"pix_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	user, err := h.identity.SetPixKey(c.Request.Context(), callerID(c), req.PixKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, userResponse(user))
}

// --- engagements ---

func (h *Handler) AcceptBid(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	e, err := h.engagements.AcceptBid(c.Request.Context(), engagement.AcceptBidParams{
		BidID:   id,
		ActorID: callerID(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, engagementResponse(e))
}

func (h *Handler) ListEngagements(c *gin.Context) {
	list, err := h.engagements.ListForUser(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, e := range list {
		out = append(out, engagementResponse(e))
	}
	c.JSON(http.StatusOK, gin.H{"engagements": out})
}

func (h *Handler) GetEngagement(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	e, err := h.engagements.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, engagementResponse(e))
}

type checkRequest struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	EvidencePhotos []string `json:"evidence_photos"`
}

func (h *Handler) CheckIn(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	e, err := h.engagements.CheckIn(c.Request.Context(), engagement.CheckParams{
		EngagementID: id,
		ActorID:      callerID(c),
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, engagementResponse(e))
}

func (h *Handler) CheckOut(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	e, err := h.engagements.CheckOut(c.Request.Context(), engagement.CheckParams{
		EngagementID:   id,
		ActorID:        callerID(c),
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		EvidencePhotos: req.EvidencePhotos,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, engagementResponse(e))
}

func (h *Handler) Complete(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	e, err := h.engagements.MarkCompleted(c.Request.Context(), id, callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, engagementResponse(e))
}

// --- negotiation ---

type proposeRequest struct {
	Role            string `json:"role" binding:"required"`
	Kind            string `json:"kind" binding:"required"`
	TotalMinorUnits int64  `json:"total_minor_units"`
	RateMinorUnits  int64  `json:"rate_minor_units"`
	Quantity        int64  `json:"quantity"`
	AdvancePercent  int64  `json:"advance_percent"`
}

func (h *Handler) Propose(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req proposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	terms, err := negotiation.Build(negotiation.Kind(req.Kind), req.RateMinorUnits, req.Quantity, req.AdvancePercent)
	if err != nil {
		writeError(c, err)
		return
	}

	p, err := h.negotiation.Propose(c.Request.Context(), negotiation.ProposeParams{
		EngagementID:    id,
		ProposerID:      callerID(c),
		ProposerRole:    negotiation.Role(req.Role),
		Terms:           terms,
		TotalMinorUnits: req.TotalMinorUnits,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, proposalResponse(p))
}

func (h *Handler) AcceptProposal(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.negotiation.Accept(c.Request.Context(), negotiation.AcceptParams{
		ProposalID: id,
		ActorID:    callerID(c),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proposalResponse(p))
}

func (h *Handler) ProposalHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	list, err := h.negotiation.History(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, p := range list {
		out = append(out, proposalResponse(p))
	}
	c.JSON(http.StatusOK, gin.H{"proposals": out})
}

func (h *Handler) CurrentTerms(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, res, err := h.negotiation.CurrentTerms(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	body := proposalResponse(p)
	body["advance_minor_units"] = res.AdvanceMinorUnits
	body["remainder_minor_units"] = res.RemainderMinorUnits
	body["resolved_total_minor_units"] = res.TotalMinorUnits
	c.JSON(http.StatusOK, body)
}

// --- contracts ---

func (h *Handler) DraftContract(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ct, err := h.contracts.Draft(c.Request.Context(), id, callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contractResponse(ct))
}

func (h *Handler) SignContract(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ct, err := h.contracts.Sign(c.Request.Context(), id, callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contractResponse(ct))
}

func (h *Handler) GetContract(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ct, err := h.contracts.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, contractResponse(ct))
}

func (h *Handler) ContractHistory(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	list, err := h.contracts.History(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, ct := range list {
		out = append(out, contractResponse(ct))
	}
	c.JSON(http.StatusOK, gin.H{"contracts": out})
}

// --- settlement ---

func (h *Handler) IssueCharges(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	pair, err := h.settlement.IssueCharges(c.Request.Context(), id, callerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"worker_payout": chargeResponse(pair.WorkerPayout),
		"platform_fee":  chargeResponse(pair.PlatformFee),
	})
}

func (h *Handler) ListCharges(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	list, err := h.settlement.ListCharges(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, ch := range list {
		out = append(out, chargeResponse(ch))
	}
	c.JSON(http.StatusOK, gin.H{"charges": out})
}

// PaymentWebhook receives payment-rail confirmations. The rail retries
// deliveries, so the event id doubles as the idempotency key.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	var req struct {
		EventID  string `json:"event_id" binding:"required"`
		ChargeID string `json:"charge_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	err := h.settlement.HandleRailConfirmation(c.Request.Context(), settlement.RailConfirmation{
		ChargeID:       req.ChargeID,
		IdempotencyKey: req.EventID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- response mapping ---

func userResponse(u *identity.User) gin.H {
	out := gin.H{
		"id":        u.ID,
		"email":     u.Email,
		"full_name": u.FullName,
		"role":      string(u.Role),
	}
	if u.PixKey != nil {
		out["pix_key"] = *u.PixKey
	}
	return out
}

func engagementResponse(e engagement.Engagement) gin.H {
	out := gin.H{
		"id":                      e.ID,
		"bid_id":                  e.BidID,
		"job_id":                  e.JobID,
		"producer_id":             e.ProducerID,
		"worker_id":               e.WorkerID,
		"final_price_minor_units": e.FinalPriceMinorUnits,
		"status":                  string(e.Status),
		"evidence_photos":         e.EvidencePhotos,
		"created_at":              e.CreatedAt.UTC().Format(time.RFC3339),
	}
	if e.CheckIn != nil {
		out["check_in"] = checkEventResponse(*e.CheckIn)
	}
	if e.CheckOut != nil {
		out["check_out"] = checkEventResponse(*e.CheckOut)
	}
	return out
}

func checkEventResponse(ev engagement.CheckEvent) gin.H {
	return gin.H{
		"time":      ev.Time.UTC().Format(time.RFC3339),
		"latitude":  ev.Latitude,
		"longitude": ev.Longitude,
	}
}

func proposalResponse(p negotiation.Proposal) gin.H {
	out := gin.H{
		"id":                p.ID,
		"engagement_id":     p.EngagementID,
		"proposer_id":       p.ProposerID,
		"proposer_role":     string(p.ProposerRole),
		"kind":              string(p.Terms.Kind()),
		"description":       p.Terms.Describe(),
		"total_minor_units": p.TotalMinorUnits,
		"status":            string(p.Status),
	}
	if p.AcceptedAt != nil {
		out["accepted_at"] = p.AcceptedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func contractResponse(ct contract.Contract) gin.H {
	out := gin.H{
		"id":                      ct.ID,
		"engagement_id":           ct.EngagementID,
		"proposal_id":             ct.ProposalID,
		"body":                    ct.Body,
		"total_value_minor_units": ct.TotalValueMinorUnits,
		"status":                  string(ct.Status),
		"superseded":              ct.Superseded,
	}
	if ct.ProducerSignedAt != nil {
		out["producer_signed_at"] = ct.ProducerSignedAt.UTC().Format(time.RFC3339)
	}
	if ct.WorkerSignedAt != nil {
		out["worker_signed_at"] = ct.WorkerSignedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func chargeResponse(ch settlement.Charge) gin.H {
	out := gin.H{
		"id":                ch.ID,
		"engagement_id":     ch.EngagementID,
		"charge_type":       string(ch.Type),
		"payer_id":          ch.PayerID,
		"receiver_id":       ch.ReceiverID,
		"value_minor_units": ch.ValueMinorUnits,
		"description":       ch.Description,
		"status":            string(ch.Status),
		"expires_at":        ch.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if ch.PaidAt != nil {
		out["paid_at"] = ch.PaidAt.UTC().Format(time.RFC3339)
	}
	return out
}
