package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"devicegate/adb"
	"devicegate/api"
	"devicegate/config"
	"devicegate/models"
	"devicegate/service"
)

// setupLogging writes structured logs to stdout and a timestamped file.
// Returns the file handle (caller should defer Close()).
func setupLogging() (*os.File, error) {
	logDir := "log"
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	logPath := filepath.Join(logDir, timestamp+".log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logrus.SetOutput(io.MultiWriter(os.Stdout, logFile))
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logrus.WithField("path", logPath).Info("logging to file")
	return logFile, nil
}

func main() {
	logFile, err := setupLogging()
	if err != nil {
		logrus.WithError(err).Warn("file logging unavailable")
	} else {
		defer logFile.Close()
	}

	logrus.Info("starting device gateway")

	db, err := config.InitDatabase()
	if err != nil {
		logrus.WithError(err).Fatal("failed to open history database")
	}
	defer db.Close()

	adbClient := adb.NewClient(config.ADBPath())
	logrus.WithField("adb", adbClient.Path()).Info("adb resolved")

	portMin, portMax := config.StreamPortRange()
	models.SetStreamDefaults(config.StreamDefaults())

	factory := service.NewDefaultSourceFactory(
		adbClient,
		config.ScrcpyServerPath(),
		config.ScrcpyRemotePath(),
		config.ScrcpyVersion(),
		portMin, portMax,
	)
	supervisor := service.NewSessionSupervisor(factory)
	devices := service.NewDeviceManager(adbClient, supervisor)
	history := service.NewHistoryStore(db)
	control := service.NewControlWorker(adbClient, devices, history)
	defer control.Close()

	logHub := api.NewLogHub()
	agent := service.NewAgentRunner(config.AgentCommand(), config.AgentMaxSteps(), history, logHub)

	sio := api.NewSocketIOServer(supervisor, devices)
	go func() {
		if err := sio.Serve(); err != nil {
			logrus.WithError(err).Error("socket.io server stopped")
		}
	}()
	defer sio.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := devices.Scan(ctx); err != nil {
		logrus.WithError(err).Warn("initial device scan failed")
	}
	go devices.Poll(ctx, 10*time.Second)

	router := gin.Default()
	api.SetupRoutes(router, api.Deps{
		ADB:              adbClient,
		Devices:          devices,
		Supervisor:       supervisor,
		Control:          control,
		History:          history,
		Agent:            agent,
		Logs:             logHub,
		SocketIO:         sio,
		ScreenIntervalMS: config.ScreenIntervalMS(),
	})

	srv := &http.Server{Addr: config.HTTPAddr(), Handler: router}
	go func() {
		logrus.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")

	supervisor.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("http shutdown incomplete")
	}
}
