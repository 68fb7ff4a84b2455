package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	prefsync "github.com/Vannakem2021/ecommerce-last-sub005"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// userIDKey is the gin context key of the authenticated user id.
const userIDKey = "prefsync_user_id"

// Error codes of the favorites API.
const (
	CodeAuthRequired = "AUTH_REQUIRED"
	CodeInvalidInput = "INVALID_INPUT"
	CodeInternal     = "INTERNAL"
)

// Verifier resolves a presented credential to a user id.
type Verifier interface {
	Verify(header string) (string, error)
	VerifyToken(token string) (string, error)
}

// productURI binds and validates the product id path parameter.
type productURI struct {
	ProductID string `uri:"productId" binding:"required,max=128,printascii"`
}

// NewRouter returns the favorites API:
//
//	GET    /favorites              list the caller's product ids
//	POST   /favorites/:productId   favorite (201 created, 200 already present)
//	DELETE /favorites/:productId   unfavorite (204 whether or not present)
//	GET    /favorites/feed?token=  websocket change feed
//	GET    /healthz, /metrics
func NewRouter(store *Store, auth Verifier, hub *Hub) *gin.Engine {
	r := gin.New()
	// Product ids may contain escaped slashes.
	r.UseRawPath = true
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", handleHealth(store))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	favorites := r.Group("/favorites")
	favorites.GET("/feed", handleFeed(auth, hub))

	authed := favorites.Group("", AuthMiddleware(auth))
	authed.GET("", handleList(store))
	authed.POST("/:productId", handleCreate(store, hub))
	authed.DELETE("/:productId", handleDelete(store, hub))

	return r
}

// AuthMiddleware rejects requests without a valid bearer token, and stores
// the caller's user id for downstream handlers.
func AuthMiddleware(auth Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := auth.Verify(c.GetHeader("Authorization"))
		if err != nil {
			log.WithField("err", err).Debug("rejecting unauthenticated request")
			abortWithError(c, http.StatusUnauthorized, CodeAuthRequired, "authentication required")
			return
		}
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserID returns the authenticated user id of the request.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func handleHealth(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			abortWithError(c, http.StatusServiceUnavailable, CodeInternal, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func handleList(store *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, err := store.ProductIDs(c.Request.Context(), UserID(c))
		if err != nil {
			internalError(c, err)
			return
		}
		if ids == nil {
			ids = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "data": ids})
	}
}

func handleCreate(store *Store, hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri productURI
		if err := c.ShouldBindUri(&uri); err != nil {
			abortWithError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
			return
		}
		var userID = UserID(c)

		created, err := store.Create(c.Request.Context(), userID, uri.ProductID)
		if err != nil {
			internalError(c, err)
			return
		}
		mutationsTotal.WithLabelValues("create", strconv.FormatBool(created)).Inc()

		var status = http.StatusOK
		if created {
			status = http.StatusCreated
			hub.Publish(prefsync.FavoriteChange{UserID: userID, ProductID: uri.ProductID, Favorited: true})
		}
		c.JSON(status, gin.H{"ok": true, "data": gin.H{"productId": uri.ProductID, "created": created}})
	}
}

func handleDelete(store *Store, hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri productURI
		if err := c.ShouldBindUri(&uri); err != nil {
			abortWithError(c, http.StatusBadRequest, CodeInvalidInput, err.Error())
			return
		}
		var userID = UserID(c)

		deleted, err := store.Delete(c.Request.Context(), userID, uri.ProductID)
		if err != nil {
			internalError(c, err)
			return
		}
		mutationsTotal.WithLabelValues("delete", strconv.FormatBool(deleted)).Inc()

		if deleted {
			hub.Publish(prefsync.FavoriteChange{UserID: userID, ProductID: uri.ProductID, Favorited: false})
		}
		c.Status(http.StatusNoContent)
	}
}

// handleFeed upgrades to a websocket which first announces the authenticated
// user, then streams that user's favorites changes. Browsers cannot set
// headers on websocket requests, so the token may come as a query parameter.
func handleFeed(auth Verifier, hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string
		var err error
		if token := c.Query("token"); token != "" {
			userID, err = auth.VerifyToken(token)
		} else {
			userID, err = auth.Verify(c.GetHeader("Authorization"))
		}
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, CodeAuthRequired, "authentication required")
			return
		}

		conn, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			log.WithField("err", err).Warn("failed to accept feed websocket")
			return
		}
		defer conn.CloseNow()

		changes, cancel := hub.Subscribe(userID)
		defer cancel()

		// Consumes client pings and close frames. The returned context is
		// cancelled when the client goes away.
		var ctx = conn.CloseRead(c.Request.Context())

		if err := writeEnvelope(ctx, conn, prefsync.FeedAuthenticated, gin.H{"userId": userID}); err != nil {
			return
		}
		log.WithField("user", userID).Debug("feed subscriber connected")

		for {
			select {
			case <-ctx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				if err := writeEnvelope(ctx, conn, prefsync.FeedFavoritesChanged, change); err != nil {
					log.WithFields(log.Fields{"user": userID, "err": err}).Debug("feed write failed")
					return
				}
			}
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(prefsync.FeedEnvelope{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, prefsync.Result{
		OK:    false,
		Error: &prefsync.APIError{Code: code, Message: message},
	})
}

func internalError(c *gin.Context, err error) {
	log.WithFields(log.Fields{"path": c.FullPath(), "err": err}).Error("favorites request failed")
	abortWithError(c, http.StatusInternalServerError, CodeInternal, "internal error")
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		var start = time.Now()
		c.Next()

		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("served request")
	}
}
