// Command stub-upstream is a throwaway backend for exercising the gateway locally.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aman-churiwal/tiered-gateway/internal/logger"
	"github.com/aman-churiwal/tiered-gateway/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	addr       string
	heavyDelay time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "stub-upstream",
	Short: "Serve fake heavy and light endpoints behind the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.New("info", true)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		log.Info("stub upstream starting", zap.String("addr", addr), zap.Duration("heavy_delay", heavyDelay))
		return http.ListenAndServe(addr, newRouter(heavyDelay, log))
	},
}

func main() {
	rootCmd.Flags().StringVar(&addr, "addr", ":3001", "listen address")
	rootCmd.Flags().DurationVar(&heavyDelay, "heavy-delay", 200*time.Millisecond, "latency of the heavy endpoint")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRouter(heavyDelay time.Duration, log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(middleware.Logger(log), middleware.Recovery(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/api/heavy-operation", func(c *gin.Context) {
		select {
		case <-time.After(heavyDelay):
		case <-c.Request.Context().Done():
			return
		}
		c.JSON(http.StatusOK, gin.H{"operation": "heavy", "took_ms": heavyDelay.Milliseconds()})
	})
	r.GET("/api/light-operation", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operation": "light"})
	})
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Hello from stub upstream",
			"path":    c.Request.URL.Path,
			"api_key": c.GetHeader(middleware.APIKeyHeader) != "",
		})
	})

	return r
}
