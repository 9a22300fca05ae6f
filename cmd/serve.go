package cmd

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"taxflow/internal/apihandlers"
)

var serveAddr string

// serveCmd runs the HTTP API server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP API server",
	Long: `Starts an HTTP server exposing job, task, queue and worker operations
via a RESTful API for the back-office UI and other tools.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		router := gin.Default()

		apiHandler := apihandlers.NewAPIHandler(appInstance)
		apiHandler.RegisterRoutes(router)

		router.GET("/health", func(c *gin.Context) {
			if err := appInstance.Store.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		listenAddr := serveAddr
		if listenAddr == "" {
			listenAddr = appInstance.Config.Server.Address
		}
		log.Infof("Starting taxflow API server on %s", listenAddr)

		if err := router.Run(listenAddr); err != nil {
			return fmt.Errorf("failed to run API server: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.address from config)")
}
