package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentineldesk/mailguard/internal/auth"
	"github.com/sentineldesk/mailguard/internal/broadcast"
	"github.com/sentineldesk/mailguard/internal/classify"
	"github.com/sentineldesk/mailguard/internal/config"
	"github.com/sentineldesk/mailguard/internal/ingest"
	"github.com/sentineldesk/mailguard/internal/mail"
	natsjs "github.com/sentineldesk/mailguard/internal/nats"
	"github.com/sentineldesk/mailguard/internal/provider"
	"github.com/sentineldesk/mailguard/internal/provider/gmail"
	"github.com/sentineldesk/mailguard/internal/provider/outlook"
	"github.com/sentineldesk/mailguard/internal/store"
	"github.com/sentineldesk/mailguard/internal/watch"
)

// WatchRequest selects which provider account to subscribe.
type WatchRequest struct {
	Provider string `json:"provider" binding:"required"`
}

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := context.Background()

	bus, err := natsjs.NewBus(cfg.NATSURL)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	if err := bus.EnsureStream(ctx); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DBPath, cfg.MaxRecords, bus, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	hub := broadcast.NewHub(logger)
	classifier := classify.NewClient(cfg.ClassifierURL, cfg.ClassifierTimeout, logger)
	factory := newProviderFactory(cfg)

	policy := ingest.AdvanceAlways
	if cfg.StrictAdvance {
		policy = ingest.AdvanceOnSuccess
	}

	queue := ingest.NewQueue(ctx)
	fetcher := ingest.NewFetcher(st, classifier, hub, mailboxOpener(factory), policy, logger)
	handler := ingest.NewHandler(ctx, queue, fetcher, st, hub, logger)

	// The classification store's change signals come back through NATS and
	// trigger a re-read-and-broadcast, same as an external storage-change
	// notification would.
	sub, err := bus.SubscribeChanges(func(userID string) {
		handler.BroadcastClassifications(ctx, userID)
	})
	if err != nil {
		logger.Error("failed to subscribe to change events", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	verifier, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL, cfg.JWKSRefresh)
	if err != nil {
		logger.Error("failed to initialize JWT verifier", "error", err)
		os.Exit(1)
	}
	tokens := auth.NewTokenClient(cfg.AuthURL)
	watches := watch.NewManager(st, tokens, factory, logger)

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		if err := st.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": "disconnected"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": "connected"})
	})

	// Push delivery endpoint. The pusher retries on non-2xx or timeout, so
	// this acknowledges before any downstream work happens.
	r.POST("/notifications", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusOK)
			return
		}
		handler.Notify(body)
		c.Status(http.StatusOK)
	})

	r.GET("/emails", func(c *gin.Context) {
		userID := c.Query("user")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing user"})
			return
		}
		records, err := st.Classifications(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if records == nil {
			records = []mail.Classification{}
		}
		c.JSON(http.StatusOK, gin.H{"emails": records, "total": len(records)})
	})

	r.GET("/stream", func(c *gin.Context) {
		userID := c.Query("user")
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing user"})
			return
		}

		conn := hub.Subscribe(userID)
		defer hub.Unsubscribe(conn)

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Request.Context().Done():
				return
			case frame, ok := <-conn.Frames():
				if !ok {
					return
				}
				if _, err := c.Writer.Write(frame); err != nil {
					return
				}
				c.Writer.Flush()
			case <-ticker.C:
				if _, err := c.Writer.Write([]byte(": ping\n\n")); err != nil {
					return
				}
				c.Writer.Flush()
			}
		}
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(verifier))

	authorized.POST("/watch", func(c *gin.Context) {
		var req WatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user := c.MustGet("user").(*auth.User)
		info, err := watches.Register(c.Request.Context(), user, bearerToken(c), provider.Name(req.Provider))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, info)
	})

	authorized.DELETE("/watch", func(c *gin.Context) {
		var req WatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user := c.MustGet("user").(*auth.User)
		if err := watches.Cancel(c.Request.Context(), user, bearerToken(c), provider.Name(req.Provider)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	if err := r.Run(cfg.HTTPAddr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// newProviderFactory builds mailbox adapters from config.
func newProviderFactory(cfg config.Config) provider.Factory {
	return func(ctx context.Context, tok *auth.Token, name provider.Name, userID string) (provider.Mailbox, error) {
		switch name {
		case provider.NameGoogle:
			return gmail.New(ctx, tok, cfg.PubSubTopic)
		case provider.NameMicrosoft:
			return outlook.New(ctx, tok, userID, cfg.GraphNotifyURL)
		default:
			return nil, &provider.UnsupportedError{Name: name}
		}
	}
}

// mailboxOpener rebuilds a provider mailbox from a stored session so the
// fetcher can run from a push notification with no request context.
func mailboxOpener(factory provider.Factory) ingest.MailboxOpener {
	return func(ctx context.Context, sess *store.Session) (provider.Mailbox, error) {
		return factory(ctx, &auth.Token{AccessToken: sess.AccessToken}, provider.Name(sess.Provider), sess.UserID)
	}
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	token := c.GetHeader("Authorization")
	if len(token) > 7 && token[:7] == "Bearer " {
		return token[7:]
	}
	return token
}
