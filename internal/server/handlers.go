package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/catalog"
	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
	"github.com/MarcoPoloResearchLab/affiliate/internal/orders"
	"github.com/MarcoPoloResearchLab/affiliate/internal/participants"
	"github.com/MarcoPoloResearchLab/affiliate/internal/payout"
	"github.com/MarcoPoloResearchLab/affiliate/internal/tree"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type participantPayload struct {
	ID                       string          `json:"id"`
	ParentID                 string          `json:"parentId,omitempty"`
	Position                 string          `json:"position,omitempty"`
	SponsorID                string          `json:"sponsorId,omitempty"`
	PackageType              string          `json:"packageType"`
	TotalPurchaseAmount      decimal.Decimal `json:"totalPurchaseAmount"`
	TotalReconsumptionAmount decimal.Decimal `json:"totalReconsumptionAmount"`
	TotalCommissionReceived  decimal.Decimal `json:"totalCommissionReceived"`
	LeftBranchTotal          decimal.Decimal `json:"leftBranchTotal"`
	RightBranchTotal         decimal.Decimal `json:"rightBranchTotal"`
	CreatedAt                time.Time       `json:"createdAt"`
}

func newParticipantPayload(participant tree.Participant) participantPayload {
	return participantPayload{
		ID:                       participant.ID,
		ParentID:                 participant.Parent(),
		Position:                 participant.Position.String(),
		SponsorID:                participant.Sponsor(),
		PackageType:              participant.PackageType,
		TotalPurchaseAmount:      participant.TotalPurchaseAmount,
		TotalReconsumptionAmount: participant.TotalReconsumptionAmount,
		TotalCommissionReceived:  participant.TotalCommissionReceived,
		LeftBranchTotal:          participant.LeftBranchTotal,
		RightBranchTotal:         participant.RightBranchTotal,
		CreatedAt:                participant.CreatedAt,
	}
}

type registerRequestPayload struct {
	ID        string `json:"id"`
	SponsorID string `json:"sponsorId"`
	Side      string `json:"side"`
	Strategy  string `json:"strategy"`
}

type treeResponsePayload struct {
	Stats    participants.TreeStats `json:"stats"`
	Children []participantPayload   `json:"children"`
}

func (h *httpHandler) handleRegisterParticipant(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	participant, err := h.participants.Register(c.Request.Context(), participants.RegisterRequest{
		ID:        request.ID,
		SponsorID: request.SponsorID,
		Side:      tree.Position(strings.ToLower(strings.TrimSpace(request.Side))),
		Strategy:  participants.Strategy(request.Strategy),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newParticipantPayload(participant))
}

func (h *httpHandler) handleGetParticipant(c *gin.Context) {
	participant, err := h.participants.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newParticipantPayload(participant))
}

func (h *httpHandler) handleRemoveParticipant(c *gin.Context) {
	report, err := h.participants.Remove(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"participantId":       report.ParticipantID,
		"ordersDeleted":       report.OrdersDeleted,
		"commissionsDeleted":  report.CommissionsDeleted,
		"childrenOrphaned":    report.ChildrenOrphaned,
		"volumeReversedOrder": report.VolumeReversedOrder,
	})
}

func (h *httpHandler) handleParticipantTree(c *gin.Context) {
	h.writeTree(c, c.Param("id"))
}

func (h *httpHandler) handleMyTree(c *gin.Context) {
	h.writeTree(c, c.GetString(subjectContextKey))
}

func (h *httpHandler) writeTree(c *gin.Context, participantID string) {
	ctx := c.Request.Context()
	stats, err := h.participants.TreeStats(ctx, participantID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	children, err := h.participants.Downline(ctx, participantID, "")
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := treeResponsePayload{Stats: stats, Children: make([]participantPayload, 0, len(children))}
	for _, child := range children {
		response.Children = append(response.Children, newParticipantPayload(child))
	}
	c.JSON(http.StatusOK, response)
}

type orderPayload struct {
	ID              string          `json:"id"`
	BuyerID         string          `json:"buyerId"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          orders.Status   `json:"status"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	IsReconsumption bool            `json:"isReconsumption"`
	ConfirmedAt     *time.Time      `json:"confirmedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func newOrderPayload(order orders.Order) orderPayload {
	return orderPayload{
		ID:              order.ID,
		BuyerID:         order.BuyerID,
		TotalAmount:     order.TotalAmount,
		Status:          order.Status,
		TransactionHash: order.TransactionHash,
		IsReconsumption: order.IsReconsumption,
		ConfirmedAt:     order.ConfirmedAt,
		CreatedAt:       order.CreatedAt,
	}
}

type createOrderPayload struct {
	BuyerID         string          `json:"buyerId"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	TransactionHash string          `json:"transactionHash"`
}

type orderStatusPayload struct {
	Status string `json:"status"`
}

type calculatePayload struct {
	Redrive bool `json:"redrive"`
}

type resultPayload struct {
	OrderID      string                  `json:"orderId"`
	Outcome      commission.Outcome      `json:"outcome"`
	Reason       string                  `json:"reason,omitempty"`
	FailedStages []commission.Stage      `json:"failedStages,omitempty"`
	Errors       []string                `json:"errors,omitempty"`
	Commissions  []commission.Commission `json:"commissions"`
	Payout       *payoutPayload          `json:"payout,omitempty"`
}

func newResultPayload(result commission.Result) resultPayload {
	payload := resultPayload{
		OrderID:      result.OrderID,
		Outcome:      result.Outcome,
		Reason:       result.Reason,
		FailedStages: result.FailedStages(),
		Commissions:  result.Commissions,
	}
	for _, stage := range result.Stages {
		if stage.Err != nil {
			payload.Errors = append(payload.Errors, string(stage.Stage)+": "+stage.Err.Error())
		}
	}
	if payload.Commissions == nil {
		payload.Commissions = []commission.Commission{}
	}
	return payload
}

type payoutPayload struct {
	OrderID   string                  `json:"orderId"`
	Paid      []commission.Commission `json:"paid"`
	Failed    []approvalFailure       `json:"failed,omitempty"`
	Blocked   int                     `json:"blocked"`
	TotalPaid decimal.Decimal         `json:"totalPaid"`
}

type approvalFailure struct {
	CommissionID string `json:"commissionId"`
	Error        string `json:"error"`
}

func newApprovalFailures(failures []commission.ApprovalFailure) []approvalFailure {
	if len(failures) == 0 {
		return nil
	}
	converted := make([]approvalFailure, 0, len(failures))
	for _, failure := range failures {
		converted = append(converted, approvalFailure{CommissionID: failure.CommissionID, Error: failure.Err.Error()})
	}
	return converted
}

func newPayoutPayload(report payout.Report) *payoutPayload {
	paid := report.Paid
	if paid == nil {
		paid = []commission.Commission{}
	}
	return &payoutPayload{
		OrderID:   report.OrderID,
		Paid:      paid,
		Failed:    newApprovalFailures(report.Failed),
		Blocked:   report.Blocked,
		TotalPaid: report.TotalPaid,
	}
}

func (h *httpHandler) handleCreateOrder(c *gin.Context) {
	var request createOrderPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	order, err := h.orders.Create(c.Request.Context(), orders.CreateRequest{
		BuyerID:         request.BuyerID,
		TotalAmount:     request.TotalAmount,
		TransactionHash: request.TransactionHash,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newOrderPayload(order))
}

func (h *httpHandler) handleGetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderPayload(order))
}

func (h *httpHandler) handleConfirmOrder(c *gin.Context) {
	order, err := h.orders.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderPayload(order))
}

func (h *httpHandler) handleOrderStatus(c *gin.Context) {
	var request orderStatusPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := orders.ParseStatus(request.Status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	order, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderPayload(order))
}

// handleCalculateOrder runs the calculation inline. With a pipeline wired, auto payout follows
// the same path as confirmed orders.
func (h *httpHandler) handleCalculateOrder(c *gin.Context) {
	var request calculatePayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	ctx := c.Request.Context()
	orderID := c.Param("id")

	if request.Redrive {
		result, err := h.commissions.Redrive(ctx, orderID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newResultPayload(result))
		return
	}

	if h.pipeline != nil {
		completion := h.pipeline.Process(ctx, orderID)
		payload := newResultPayload(completion.Result)
		if completion.Payout != nil {
			payload.Payout = newPayoutPayload(*completion.Payout)
		}
		c.JSON(calculationStatus(completion.Result), payload)
		return
	}
	result := h.commissions.CalculateCommissions(ctx, orderID)
	c.JSON(calculationStatus(result), newResultPayload(result))
}

func calculationStatus(result commission.Result) int {
	if result.Outcome == commission.OutcomeFatal {
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

func (h *httpHandler) handlePayoutOrder(c *gin.Context) {
	if h.payout == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "payout_disabled"})
		return
	}
	report, err := h.payout.PayoutOrderCommissions(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPayoutPayload(report))
}

func (h *httpHandler) handleOrderCommissions(c *gin.Context) {
	commissions, err := h.commissions.GetCommissionsByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": nonNilCommissions(commissions)})
}

func (h *httpHandler) handleListCommissions(c *gin.Context) {
	filter, err := parseCommissionFilter(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	filter.UserID = strings.TrimSpace(c.Query("userId"))
	filter.OrderID = strings.TrimSpace(c.Query("orderId"))
	commissions, err := h.commissions.ListCommissions(c.Request.Context(), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": nonNilCommissions(commissions)})
}

func (h *httpHandler) handleMyCommissions(c *gin.Context) {
	filter, err := parseCommissionFilter(c)
	if err != nil {
		h.writeError(c, err)
		return
	}
	commissions, err := h.commissions.GetCommissionsByUser(c.Request.Context(), c.GetString(subjectContextKey), filter)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commissions": nonNilCommissions(commissions)})
}

func (h *httpHandler) handleMyStats(c *gin.Context) {
	stats, err := h.commissions.GetStats(c.Request.Context(), c.GetString(subjectContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleGetCommission(c *gin.Context) {
	item, err := h.commissions.GetCommission(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type approvePayload struct {
	IDs   []string `json:"ids"`
	Notes string   `json:"notes"`
}

func (h *httpHandler) handleApproveCommission(c *gin.Context) {
	var request approvePayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	item, err := h.commissions.ApproveCommission(c.Request.Context(), c.Param("id"), request.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *httpHandler) handleApproveCommissions(c *gin.Context) {
	var request approvePayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	batch := h.commissions.ApproveCommissions(c.Request.Context(), request.IDs, request.Notes)
	c.JSON(http.StatusOK, gin.H{
		"approved": nonNilCommissions(batch.Approved),
		"failed":   newApprovalFailures(batch.Failed),
	})
}

type milestonePayload struct {
	UserID      string          `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	MilestoneID string          `json:"milestoneId"`
}

func (h *httpHandler) handleAwardMilestone(c *gin.Context) {
	var request milestonePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reward, err := h.commissions.AwardMilestoneReward(c.Request.Context(), request.UserID, request.Amount, request.MilestoneID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reward)
}

func parseCommissionFilter(c *gin.Context) (commission.Filter, error) {
	var filter commission.Filter
	if raw := c.Query("type"); raw != "" {
		parsed, err := commission.ParseType(raw)
		if err != nil {
			return commission.Filter{}, err
		}
		filter.Type = parsed
	}
	if raw := c.Query("status"); raw != "" {
		parsed, err := commission.ParseStatus(raw)
		if err != nil {
			return commission.Filter{}, err
		}
		filter.Status = parsed
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	return filter, nil
}

func nonNilCommissions(commissions []commission.Commission) []commission.Commission {
	if commissions == nil {
		return []commission.Commission{}
	}
	return commissions
}

type packagePayload struct {
	Code                   string           `json:"code"`
	Name                   string           `json:"name"`
	Description            string           `json:"description,omitempty"`
	Price                  decimal.Decimal  `json:"price"`
	DirectCommissionRate   decimal.Decimal  `json:"directCommissionRate"`
	GroupCommissionRate    decimal.Decimal  `json:"groupCommissionRate"`
	ManagementRateF1       decimal.Decimal  `json:"managementRateF1"`
	ManagementRateF2       *decimal.Decimal `json:"managementRateF2,omitempty"`
	ManagementRateF3       *decimal.Decimal `json:"managementRateF3,omitempty"`
	ReconsumptionThreshold decimal.Decimal  `json:"reconsumptionThreshold"`
	ReconsumptionRequired  decimal.Decimal  `json:"reconsumptionRequired"`
	Level                  int              `json:"level"`
	IsActive               *bool            `json:"isActive,omitempty"`
}

func newPackagePayload(pkg catalog.Package) packagePayload {
	active := pkg.IsActive
	payload := packagePayload{
		Code:                   pkg.Code,
		Name:                   pkg.Name,
		Description:            pkg.Description,
		Price:                  pkg.Price,
		DirectCommissionRate:   pkg.DirectCommissionRate,
		GroupCommissionRate:    pkg.GroupCommissionRate,
		ManagementRateF1:       pkg.ManagementRateF1,
		ReconsumptionThreshold: pkg.ReconsumptionThreshold,
		ReconsumptionRequired:  pkg.ReconsumptionRequired,
		Level:                  pkg.Level,
		IsActive:               &active,
	}
	if pkg.ManagementRateF2.Valid {
		rate := pkg.ManagementRateF2.Decimal
		payload.ManagementRateF2 = &rate
	}
	if pkg.ManagementRateF3.Valid {
		rate := pkg.ManagementRateF3.Decimal
		payload.ManagementRateF3 = &rate
	}
	return payload
}

func (p packagePayload) toPackage() catalog.Package {
	pkg := catalog.Package{
		Code:                   p.Code,
		Name:                   p.Name,
		Description:            p.Description,
		Price:                  p.Price,
		DirectCommissionRate:   p.DirectCommissionRate,
		GroupCommissionRate:    p.GroupCommissionRate,
		ManagementRateF1:       p.ManagementRateF1,
		ReconsumptionThreshold: p.ReconsumptionThreshold,
		ReconsumptionRequired:  p.ReconsumptionRequired,
		Level:                  p.Level,
		IsActive:               true,
	}
	if p.ManagementRateF2 != nil {
		pkg.ManagementRateF2 = decimal.NewNullDecimal(*p.ManagementRateF2)
	}
	if p.ManagementRateF3 != nil {
		pkg.ManagementRateF3 = decimal.NewNullDecimal(*p.ManagementRateF3)
	}
	if p.IsActive != nil {
		pkg.IsActive = *p.IsActive
	}
	return pkg
}

func (h *httpHandler) handleListPackages(c *gin.Context) {
	packages, err := h.catalog.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]packagePayload, 0, len(packages))
	for _, pkg := range packages {
		response = append(response, newPackagePayload(pkg))
	}
	c.JSON(http.StatusOK, gin.H{"packages": response})
}

func (h *httpHandler) handleCreatePackage(c *gin.Context) {
	var request packagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.catalog.Create(c.Request.Context(), request.toPackage())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newPackagePayload(created))
}

func (h *httpHandler) handleUpdatePackage(c *gin.Context) {
	var request packagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.catalog.Update(c.Request.Context(), c.Param("code"), request.toPackage())
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.commissions.ClearConfigCache()
	c.JSON(http.StatusOK, newPackagePayload(updated))
}

func (h *httpHandler) handleDeletePackage(c *gin.Context) {
	if err := h.catalog.Delete(c.Request.Context(), c.Param("code")); err != nil {
		h.writeError(c, err)
		return
	}
	h.commissions.ClearConfigCache()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInvalidatePackages(c *gin.Context) {
	h.commissions.ClearConfigCache()
	c.Status(http.StatusNoContent)
}
