// Package handler HTTP 处理器
package handler

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/uac-cas/internal/middleware"
	"github.com/pu-ac-cn/uac-cas/internal/service"
	"github.com/pu-ac-cn/uac-cas/internal/ticket"
	"github.com/pu-ac-cn/uac-cas/pkg/response"
	"go.uber.org/zap"
)

// TicketHandler 票据处理器
type TicketHandler struct {
	ticketService service.TicketService
	logger        *zap.Logger
}

// NewTicketHandler 创建票据处理器
func NewTicketHandler(ticketSvc service.TicketService, logger *zap.Logger) *TicketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketHandler{
		ticketService: ticketSvc,
		logger:        logger,
	}
}

// GrantRequest 签发 ST/PT 请求
type GrantRequest struct {
	Service string `json:"service" form:"service" binding:"required"`
	// Renew 本次请求是否重新提交了凭据
	Renew bool `json:"renew" form:"renew"`
}

// ValidateRequest 校验请求
type ValidateRequest struct {
	Ticket  string `json:"ticket" form:"ticket" binding:"required"`
	Service string `json:"service" form:"service" binding:"required"`
}

// ProxyGrantingRequest 派生 PGT 请求
type ProxyGrantingRequest struct {
	Ticket       string `json:"ticket" form:"ticket" binding:"required"`
	ProxyService string `json:"proxy_service" form:"proxy_service" binding:"required"`
}

// TicketResponse 票据响应
type TicketResponse struct {
	Ticket    string     `json:"ticket"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SessionResponse 会话查询响应
type SessionResponse struct {
	Ticket          string           `json:"ticket"`
	Principal       ticket.Principal `json:"principal"`
	AuthenticatedAt time.Time        `json:"authenticated_at"`
	CreatedAt       time.Time        `json:"created_at"`
	LastUsedAt      time.Time        `json:"last_used_at"`
	Services        int              `json:"services"`
}

// CreateTGT 登录：为已通过认证的主体创建 TGT
// POST /v1/tickets
func (h *TicketHandler) CreateTGT(c *gin.Context) {
	auth, ok := middleware.GetAuthentication(c)
	if !ok {
		response.Error(c, response.CodeInvalidAssertion)
		return
	}

	tgt, err := h.ticketService.CreateTGT(c.Request.Context(), *auth)
	if err != nil {
		h.fail(c, err)
		return
	}

	h.logger.Info("创建会话",
		zap.String("principal", auth.Principal.ID),
		zap.Time("authenticated_at", auth.AuthenticatedAt),
	)
	response.Success(c, ticketResponse(tgt))
}

// GetTGT 查询会话是否仍然有效
// GET /v1/tickets/:tgt
func (h *TicketHandler) GetTGT(c *gin.Context) {
	tgt, err := h.ticketService.GetTicketGrantingTicket(c.Request.Context(), c.Param("tgt"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, SessionResponse{
		Ticket:          tgt.ID,
		Principal:       tgt.Authentication.Principal,
		AuthenticatedAt: tgt.Authentication.AuthenticatedAt,
		CreatedAt:       tgt.CreatedAt,
		LastUsedAt:      tgt.LastUsedAt,
		Services:        len(tgt.Services),
	})
}

// GrantST 基于 TGT 签发 ST
// POST /v1/tickets/:tgt
func (h *TicketHandler) GrantST(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeMissingParam, "参数错误: "+err.Error())
		return
	}

	st, err := h.ticketService.GrantServiceTicket(c.Request.Context(), c.Param("tgt"), req.Service, req.Renew)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, ticketResponse(st))
}

// DestroyTGT 登出
// DELETE /v1/tickets/:tgt
func (h *TicketHandler) DestroyTGT(c *gin.Context) {
	removed, err := h.ticketService.DestroyTGT(c.Request.Context(), c.Param("tgt"))
	if err != nil {
		h.fail(c, err)
		return
	}
	// 会话不存在时同样视为登出成功
	response.SuccessWithMsg(c, "登出成功", gin.H{"removed": removed})
}

// Validate 校验 ST/PT，成功返回认证结果
// POST /v1/validate
func (h *TicketHandler) Validate(c *gin.Context) {
	var req ValidateRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeMissingParam, "参数错误: "+err.Error())
		return
	}

	assertion, err := h.ticketService.ValidateServiceTicket(c.Request.Context(), req.Ticket, req.Service)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, assertion)
}

// GrantPGT 基于已校验的 ST 派生 PGT
// POST /v1/proxy-granting-tickets
func (h *TicketHandler) GrantPGT(c *gin.Context) {
	var req ProxyGrantingRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeMissingParam, "参数错误: "+err.Error())
		return
	}

	pgt, err := h.ticketService.GrantProxyGrantingTicket(c.Request.Context(), req.Ticket, req.ProxyService)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, ticketResponse(pgt))
}

// GrantPT 基于 PGT 签发 PT
// POST /v1/proxy-granting-tickets/:pgt
func (h *TicketHandler) GrantPT(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeMissingParam, "参数错误: "+err.Error())
		return
	}

	pt, err := h.ticketService.GrantProxyTicket(c.Request.Context(), c.Param("pgt"), req.Service)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, ticketResponse(pt))
}

// fail 生命周期错误转业务错误码
// 不存在与已过期返回相同的错误码，调用方无法借此探测票据。
func (h *TicketHandler) fail(c *gin.Context, err error) {
	_ = c.Error(err)

	switch {
	case errors.Is(err, ticket.ErrTicketNotFound),
		errors.Is(err, ticket.ErrTicketExpired),
		errors.Is(err, ticket.ErrOrphanTicket):
		response.Error(c, response.CodeInvalidTicket)
	case errors.Is(err, ticket.ErrTicketConsumed):
		response.Error(c, response.CodeTicketConsumed)
	case errors.Is(err, ticket.ErrServiceMismatch):
		response.Error(c, response.CodeServiceMismatch)
	case errors.Is(err, ticket.ErrProxyGranted):
		response.Error(c, response.CodeProxyGranted)
	case errors.Is(err, ticket.ErrTicketThrottled):
		response.Error(c, response.CodeTooManyReq)
	case errors.Is(err, service.ErrInvalidService):
		response.Error(c, response.CodeInvalidService)
	case errors.Is(err, ticket.ErrInvalidTicket):
		response.Error(c, response.CodeInvalidTicket)
	default:
		h.logger.Error("票据操作失败",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		response.Error(c, response.CodeUnavailable)
	}
}

func ticketResponse(t ticket.Ticket) TicketResponse {
	resp := TicketResponse{Ticket: t.TicketID()}
	if expiresAt := t.Policy().ExpiresAt(t.TicketState()); !expiresAt.IsZero() {
		resp.ExpiresAt = &expiresAt
	}
	return resp
}
