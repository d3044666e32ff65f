// Package handlers CU节点HTTP入口的gin处理器：接收原始签名消息并交给
// 消息路由
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/weisyn/compute-unit/internal/core/cu/router"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
)

// MessageHandler 把Router挂接到gin路由
type MessageHandler struct {
	router *router.Router
	log    logiface.Logger
}

// NewMessageHandler 构建MessageHandler
func NewMessageHandler(r *router.Router, log logiface.Logger) *MessageHandler {
	return &MessageHandler{router: r, log: log}
}

// RegisterRoutes 在group下挂载 POST /message
func (h *MessageHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/message", h.PostMessage)
}

type postMessageResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// PostMessage 接收原始签名消息体，经Router转发给调度器后立即返回
// 202 Accepted；对出站消息树的crank在响应之后异步继续。转发之前的失败
// 以纯文本原因回应400/5xx。
func (h *MessageHandler) PostMessage(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(raw) == 0 {
		c.String(http.StatusBadRequest, "empty message body")
		return
	}

	txID, err := h.router.Submit(c.Request.Context(), raw)
	if err != nil {
		if h.log != nil {
			h.log.Errorf("http: 消息提交失败: %v", err)
		}
		c.String(http.StatusBadGateway, "failed to forward message to scheduler")
		return
	}
	if txID == "" {
		txID = uuid.NewString()
	}

	c.JSON(http.StatusAccepted, postMessageResponse{Message: "Processing message", ID: txID})
}
