// Package http CU节点的gin引擎与路由组装
package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weisyn/compute-unit/internal/api/http/handlers"
	logiface "github.com/weisyn/compute-unit/pkg/interfaces/infrastructure/log"
)

// Server 包装gin引擎与其前端的net/http.Server，路由组装与监听生命周期
// 分离
type Server struct {
	engine *gin.Engine
	http   *http.Server
	log    logiface.Logger
}

// New 构建绑定到port的Server并注册路由
func New(port int, messageHandler *handlers.MessageHandler, log logiface.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	group := engine.Group("/")
	messageHandler.RegisterRoutes(group)

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: engine,
		},
		log: log,
	}
}

// Start 在独立goroutine上启动监听，立即返回
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Errorf("http: 服务退出: %v", err)
			}
		}
	}()
}

// Stop 优雅关闭监听
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
